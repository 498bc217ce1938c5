package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/workqueue"

	"github.com/sirupsen/logrus"
)

// errNoOutcome replaces results that carry neither a new size nor an error.
var errNoOutcome = errors.New("compressor reported neither a size nor an error")

// worker pulls paths off a shared queue until it is empty or the run is cancelled.
type worker struct {
	id           int
	queue        *workqueue.Queue
	cancelled    *atomic.Bool
	compressor   compressor.Compressor
	reporter     Reporter
	opts         compressor.Options
	pollInterval time.Duration
	logger       logrus.FieldLogger
}

// run is the worker loop. Cancellation is observed between items only; an
// item already taken always runs to completion.
func (w *worker) run(ctx context.Context) {
	w.logger.Debugf("Worker %d started", w.id)
	defer w.logger.Debugf("Worker %d exited", w.id)

	for {
		if w.cancelled.Load() {
			return
		}
		path, ok := w.queue.TryTake(w.pollInterval)
		if !ok {
			return
		}
		w.handle(ctx, path)
	}
}

// handle produces and reports exactly one result for path, then marks it done.
func (w *worker) handle(ctx context.Context, path string) {
	log := logger.WithFileOperation(w.logger, path, "compress")
	defer func() {
		if err := w.queue.MarkDone(); err != nil {
			log.Errorf("Could not mark item done: %v", err)
		}
	}()

	log.Debug("Processing file")
	res := w.compress(ctx, path)
	w.reporter.ReportResult(res)
	w.reporter.ReportLog(res.Summary())
}

// compress calls the compressor inside a recover boundary and enforces that
// exactly one of new size and error is set.
func (w *worker) compress(ctx context.Context, path string) (res compressor.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFileOperation(w.logger, path, "compress").Errorf("Compression panicked: %v", r)
			res = compressor.FailedResult(path, fmt.Errorf("unexpected fault: %v", r))
		}
	}()

	res = w.compressor.Compress(ctx, path, w.opts)
	switch {
	case res.Err != nil:
		res.NewSize = nil
	case res.NewSize == nil:
		res.Err = errNoOutcome
	}
	if res.SourcePath == "" {
		res.SourcePath = path
	}
	return res
}
