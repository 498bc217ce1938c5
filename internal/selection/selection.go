// Package selection turns user inputs (files and directories) into the list of
// source paths for a run.
package selection

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"image-compressor-go/internal/logger"

	"github.com/h2non/filetype"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// HeaderSize is how many leading bytes are read for content sniffing.
const HeaderSize = 261

// UnknownMIME is reported for content filetype does not recognise.
const UnknownMIME = "unknown"

// Selector expands inputs into absolute, de-duplicated source paths.
type Selector struct {
	fs         afero.Fs
	extensions map[string]bool
	logger     logrus.FieldLogger
}

// NewSelector returns a Selector that keeps files with one of extensions, or
// whose content sniffs as an image, when walking directories.
func NewSelector(fs afero.Fs, extensions []string, log logrus.FieldLogger) *Selector {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	exts := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	return &Selector{fs: fs, extensions: exts, logger: log}
}

// Collect resolves inputs in order. Files named explicitly are always kept;
// directories are walked recursively and filtered. A path is returned once
// no matter how many inputs reach it.
func (s *Selector) Collect(inputs []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string

	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	for _, input := range inputs {
		abs, err := filepath.Abs(input)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", input, err)
		}
		info, err := s.fs.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to access input %s: %w", input, err)
		}
		if !info.IsDir() {
			add(abs)
			continue
		}

		err = afero.Walk(s.fs, abs, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				s.logger.Warnf("Error accessing path %s: %v", path, err)
				return nil
			}
			if info.IsDir() {
				if path != abs && strings.HasPrefix(info.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if s.accept(path, info) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", input, err)
		}
	}

	s.warnSharedNames(paths)
	s.logger.Debugf("Selected %d files from %d inputs", len(paths), len(inputs))
	return paths, nil
}

// warnSharedNames logs paths whose base name was already selected. All
// outputs of a run land in one directory, so the last one written wins.
func (s *Selector) warnSharedNames(paths []string) {
	first := make(map[string]string, len(paths))
	for _, p := range paths {
		name := filepath.Base(p)
		if prev, ok := first[name]; ok {
			logger.WithFileOperation(s.logger, p, "select").
				Warnf("Same file name as %s, outputs will overwrite each other", prev)
			continue
		}
		first[name] = p
	}
}

func (s *Selector) accept(path string, info os.FileInfo) bool {
	name := info.Name()
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	if s.extensions[strings.ToLower(filepath.Ext(name))] {
		return true
	}
	head, err := ReadHeader(s.fs, path)
	if err != nil {
		return false
	}
	return filetype.IsImage(head)
}

// ReadHeader reads the first HeaderSize bytes of path.
func ReadHeader(fs afero.Fs, path string) ([]byte, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	head := make([]byte, HeaderSize)
	n, err := file.Read(head)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read file header: %w", err)
	}
	return head[:n], nil
}

// DetectMIME sniffs the MIME type of path from its content.
func DetectMIME(fs afero.Fs, path string) (string, error) {
	head, err := ReadHeader(fs, path)
	if err != nil {
		return "", err
	}
	if len(head) == 0 {
		return UnknownMIME, nil
	}
	kind, err := filetype.Match(head)
	if err != nil {
		return "", fmt.Errorf("failed to detect file type: %w", err)
	}
	if kind == filetype.Unknown {
		return UnknownMIME, nil
	}
	return kind.MIME.Value, nil
}
