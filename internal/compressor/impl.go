package compressor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"image-compressor-go/internal/logger"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DefaultCompressor is the default implementation of the Compressor interface.
// It picks an ordered chain of strategies by format and walks it until one
// succeeds.
type DefaultCompressor struct {
	fs     afero.Fs
	probe  SizeProbe
	logger logrus.FieldLogger
	marks  MarkDetector

	jpeg        Strategy
	png         Strategy
	copy        Strategy
	passThrough Strategy
	external    func(opts Options) Strategy
}

// NewDefaultCompressor creates a new DefaultCompressor working on fs.
// A nil fs means the OS filesystem.
func NewDefaultCompressor(fs afero.Fs, logger logrus.FieldLogger) *DefaultCompressor {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	osFs := afero.NewOsFs()
	return &DefaultCompressor{
		fs:          fs,
		probe:       NewSizeProbe(fs),
		logger:      logger,
		marks:       newExifMarkDetector(fs),
		jpeg:        &jpegReencoder{fs: fs, metadata: exiftoolWriter{}, logger: logger},
		png:         &pngReencoder{fs: fs},
		copy:        &copyThrough{fs: fs, label: "copy"},
		passThrough: &copyThrough{fs: fs, label: "copy (already compressed)"},
		external: func(opts Options) Strategy {
			return &externalOptimizer{fs: osFs, tool: opts.ExternalTool, timeout: opts.ExternalTimeout}
		},
	}
}

// Compress compresses src into opts.OutputDir, or estimates the outcome in a
// temporary location when opts.DryRun is set.
func (c *DefaultCompressor) Compress(ctx context.Context, src string, opts Options) Result {
	opts = opts.Normalize()
	res := Result{
		SourcePath: src,
		DryRun:     opts.DryRun,
		StartedAt:  time.Now(),
	}

	format := FormatOf(src)
	chain := c.plan(src, format, opts)

	if opts.DryRun {
		c.estimate(ctx, &res, format, chain, opts)
	} else {
		res.Destination = filepath.Join(opts.OutputDir, filepath.Base(src))
		c.execute(ctx, &res, res.Destination, chain, opts)
	}

	res.FinishedAt = time.Now()
	return res
}

// Plan returns the names of the strategies that would be tried for src.
func (c *DefaultCompressor) Plan(src string, opts Options) []string {
	opts = opts.Normalize()
	chain := c.plan(src, FormatOf(src), opts)
	names := make([]string, len(chain))
	for i, s := range chain {
		names[i] = s.Name()
	}
	return names
}

func (c *DefaultCompressor) plan(src string, format Format, opts Options) []Strategy {
	switch format {
	case FormatJPEG:
		if opts.SkipMarked && c.marks.IsMarked(src) {
			return []Strategy{c.passThrough}
		}
		return []Strategy{c.jpeg}
	case FormatPNG:
		if opts.PreferExternal && opts.ExternalTool != "" {
			return []Strategy{c.external(opts), c.png}
		}
		return []Strategy{c.png}
	default:
		return []Strategy{c.copy}
	}
}

// execute walks chain writing to dst and fills res.
func (c *DefaultCompressor) execute(ctx context.Context, res *Result, dst string, chain []Strategy, opts Options) {
	log := logger.WithFile(c.logger, res.SourcePath)
	var failures []error

	for _, s := range chain {
		orig, err := c.probe.Size(res.SourcePath)
		if err != nil {
			res.Err = err
			return
		}
		res.OriginalSize = int64Ptr(orig)

		if err := s.Compress(ctx, res.SourcePath, dst, opts); err != nil {
			serr := &StrategyError{Strategy: s.Name(), Path: res.SourcePath, Err: err}
			failures = append(failures, serr)
			log.WithField("strategy", s.Name()).Warnf("strategy failed: %v", err)
			continue
		}

		newSize, err := c.probe.Size(dst)
		if err != nil {
			res.Err = err
			return
		}
		res.NewSize = int64Ptr(newSize)
		res.Method = s.Label(opts)
		return
	}

	if len(failures) == 1 {
		res.Err = failures[0]
		return
	}
	res.Err = &FallbackExhaustedError{Path: res.SourcePath, Attempts: failures}
}

// estimate runs chain against a scratch file and discards it. Formats without
// an encoder report the original size unchanged.
func (c *DefaultCompressor) estimate(ctx context.Context, res *Result, format Format, chain []Strategy, opts Options) {
	if format == FormatOther || chain[0] == c.passThrough {
		orig, err := c.probe.Size(res.SourcePath)
		if err != nil {
			res.Err = err
			return
		}
		res.OriginalSize = int64Ptr(orig)
		res.NewSize = int64Ptr(orig)
		res.Method = chain[0].Label(opts)
		return
	}

	tmp, err := afero.TempFile(c.fs, opts.TempDir, "estimate-*"+filepath.Ext(res.SourcePath))
	if err != nil {
		res.Err = &StrategyError{Strategy: "estimate", Path: res.SourcePath, Err: err}
		return
	}
	scratch := tmp.Name()
	_ = tmp.Close()
	defer func() {
		if err := c.fs.Remove(scratch); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WithFile(c.logger, scratch).Warnf("failed to remove estimate artifact: %v", err)
		}
	}()

	c.execute(ctx, res, scratch, chain, opts)
}

// IsMarked reports whether src carries the compressor mark in its EXIF data.
func (c *DefaultCompressor) IsMarked(src string) bool {
	return c.marks.IsMarked(src)
}
