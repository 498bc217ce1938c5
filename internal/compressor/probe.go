package compressor

import (
	"errors"

	"github.com/spf13/afero"
)

var errIsDirectory = errors.New("is a directory")

// SizeProbe measures file sizes on demand.
type SizeProbe struct {
	fs afero.Fs
}

// NewSizeProbe returns a SizeProbe reading from fs.
func NewSizeProbe(fs afero.Fs) SizeProbe {
	return SizeProbe{fs: fs}
}

// Size returns the size of path in bytes.
func (p SizeProbe) Size(path string) (int64, error) {
	info, err := p.fs.Stat(path)
	if err != nil {
		return 0, &SizeProbeError{Path: path, Err: err}
	}
	if info.IsDir() {
		return 0, &SizeProbeError{Path: path, Err: errIsDirectory}
	}
	return info.Size(), nil
}
