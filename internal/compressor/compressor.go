package compressor

import (
	"context"
	"fmt"
	"time"
)

const (
	MinQuality     = 10
	MaxQuality     = 100
	DefaultQuality = 70

	DefaultExternalTimeout = 30 * time.Second

	// dryRunDestination replaces the destination in method labels of estimates.
	dryRunDestination = "(dry-run no write)"
)

// Options defines parameters for compressing a single file. A run supplies one
// Options value to every worker and never changes it while the run is active.
type Options struct {
	Quality          int
	OutputDir        string
	DryRun           bool
	PreferExternal   bool
	ExternalTool     string
	ExternalTimeout  time.Duration
	TempDir          string
	PreserveMetadata bool
	SkipMarked       bool
}

// Normalize clamps the quality and fills in defaults.
func (o Options) Normalize() Options {
	o.Quality = ClampQuality(o.Quality)
	if o.ExternalTimeout <= 0 {
		o.ExternalTimeout = DefaultExternalTimeout
	}
	return o
}

// ClampQuality forces a quality value into the accepted encoder range.
// Zero means "not set" and yields the default.
func ClampQuality(q int) int {
	switch {
	case q == 0:
		return DefaultQuality
	case q < MinQuality:
		return MinQuality
	case q > MaxQuality:
		return MaxQuality
	}
	return q
}

// Result describes the outcome of compressing a single file.
// Exactly one of NewSize and Err is set.
type Result struct {
	SourcePath   string
	Destination  string
	OriginalSize *int64
	NewSize      *int64
	Method       string
	DryRun       bool
	Err          error
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Compressor compresses one source file according to opts.
// Implementations must be safe for concurrent use.
type Compressor interface {
	Compress(ctx context.Context, src string, opts Options) Result
}

// Succeeded reports whether the result carries a new size.
func (r Result) Succeeded() bool {
	return r.Err == nil && r.NewSize != nil
}

// MethodLabel returns the method together with where the output went.
func (r Result) MethodLabel() string {
	dst := r.Destination
	if r.DryRun {
		dst = dryRunDestination
	}
	if dst == "" {
		return r.Method
	}
	return fmt.Sprintf("%s | dst: %s", r.Method, dst)
}

// SavedBytes returns how many bytes the compression removed, never negative.
func (r Result) SavedBytes() int64 {
	if !r.Succeeded() || r.OriginalSize == nil {
		return 0
	}
	return max(0, *r.OriginalSize-*r.NewSize)
}

// PercentageSaved returns the reduction relative to the original size.
func (r Result) PercentageSaved() float64 {
	if r.OriginalSize == nil || *r.OriginalSize == 0 {
		return 0
	}
	return float64(r.SavedBytes()) * 100 / float64(*r.OriginalSize)
}

// Summary renders the human readable line shown to the user for this result.
func (r Result) Summary() string {
	if !r.Succeeded() {
		return fmt.Sprintf("%s\n→ Error: %v", r.SourcePath, r.Err)
	}
	return fmt.Sprintf("%s\noriginal: %d KB, compressed: %d KB, reduced: %d KB (%.0f%%), method: %s",
		r.SourcePath,
		*r.OriginalSize/1024,
		*r.NewSize/1024,
		r.SavedBytes()/1024,
		r.PercentageSaved(),
		r.MethodLabel())
}

// FailedResult builds an error result for src. It is also used by callers
// outside this package that need to turn a fault into a reportable result.
func FailedResult(src string, err error) Result {
	now := time.Now()
	return Result{SourcePath: src, Err: err, StartedAt: now, FinishedAt: now}
}

func int64Ptr(v int64) *int64 {
	return &v
}
