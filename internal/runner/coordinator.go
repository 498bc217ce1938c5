// Package runner drives a compression run: it owns the work queue, the
// worker pool and the cancellation flag, and reports results and lifecycle
// events to a Reporter.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/workqueue"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var (
	// ErrRunAlreadyActive is returned when a run is requested while workers of
	// the previous run are still alive.
	ErrRunAlreadyActive = errors.New("run already active")
	// ErrNoActiveRun is returned by Stop when there is nothing to stop.
	ErrNoActiveRun = errors.New("no active run")
)

// State of the coordinator.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// StopOutcome tells the caller of Stop what happened.
type StopOutcome int

const (
	StopRequested StopOutcome = iota
	StopAlreadyRequested
	StopNoActiveRun
)

func (o StopOutcome) String() string {
	switch o {
	case StopRequested:
		return "stop requested"
	case StopAlreadyRequested:
		return "stop already requested"
	case StopNoActiveRun:
		return "no active run"
	default:
		return "unknown"
	}
}

// Config holds the timing knobs of the coordinator.
type Config struct {
	// DefaultThreads is used when a request does not name a thread count.
	DefaultThreads int
	// PollInterval bounds how long a worker waits for an item before it
	// re-checks the cancellation flag.
	PollInterval time.Duration
	// GracePeriod is how long the coordinator waits for workers to exit before
	// logging that it is still waiting.
	GracePeriod time.Duration
}

// DefaultRunnerConfig returns the default coordinator configuration.
func DefaultRunnerConfig() Config {
	return Config{
		DefaultThreads: 4,
		PollInterval:   500 * time.Millisecond,
		GracePeriod:    200 * time.Millisecond,
	}
}

// ConfigFrom builds the coordinator settings from the performance section of
// the configuration.
func ConfigFrom(p config.PerformanceConfig) Config {
	return Config{
		DefaultThreads: p.WorkerThreads,
		PollInterval:   p.PollInterval,
		GracePeriod:    p.GracePeriod,
	}
}

// Request asks for a new run over Paths. Options are shared read-only by
// every worker of the run.
type Request struct {
	Paths   []string
	Threads int
	Options compressor.Options
}

// RunInfo is a snapshot of a run.
type RunInfo struct {
	Generation string `json:"generation"`
	State      string `json:"state"`
	Items      int    `json:"items"`
	Threads    int    `json:"threads"`
	DryRun     bool   `json:"dry_run"`
	OutputDir  string `json:"output_dir"`
	Quality    int    `json:"quality"`
	// Queued items are waiting for a worker; Outstanding ones are not done yet.
	Queued      int       `json:"queued"`
	Outstanding int       `json:"outstanding"`
	Stopped     bool      `json:"stopped"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// run is the state of one active run.
type run struct {
	info       RunInfo
	queue      *workqueue.Queue
	cancelled  atomic.Bool
	pool       *ants.Pool
	workers    sync.WaitGroup
	ready      chan struct{}
	exited     chan struct{}
	finished   chan struct{}
	stopCtx    context.Context
	stopCancel context.CancelFunc
	finishOnce sync.Once
	logger     logrus.FieldLogger
}

// Coordinator guarantees at most one active run at a time.
type Coordinator struct {
	compressor compressor.Compressor
	reporter   Reporter
	logger     logrus.FieldLogger
	fs         afero.Fs
	cfg        Config

	mu    sync.Mutex
	state State
	run   *run
	last  RunInfo
}

// NewCoordinator creates a coordinator. A nil fs means the OS filesystem and a
// nil reporter discards everything.
func NewCoordinator(c compressor.Compressor, reporter Reporter, log logrus.FieldLogger, fs afero.Fs, cfg Config) *Coordinator {
	defaults := DefaultRunnerConfig()
	if cfg.DefaultThreads <= 0 {
		cfg.DefaultThreads = defaults.DefaultThreads
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaults.GracePeriod
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if reporter == nil {
		reporter = Discard
	}
	return &Coordinator{
		compressor: c,
		reporter:   reporter,
		logger:     log,
		fs:         fs,
		cfg:        cfg,
	}
}

// Start begins a new run and returns immediately. It fails with
// ErrRunAlreadyActive, leaving the active run untouched, if one exists.
func (c *Coordinator) Start(req Request) (RunInfo, error) {
	c.mu.Lock()

	if c.run != nil {
		info := c.run.snapshot(c.state)
		c.mu.Unlock()
		return info, ErrRunAlreadyActive
	}

	opts := req.Options.Normalize()
	threads := req.Threads
	if threads <= 0 {
		threads = c.cfg.DefaultThreads
	}

	if !opts.DryRun {
		if err := c.fs.MkdirAll(opts.OutputDir, 0755); err != nil {
			c.mu.Unlock()
			return RunInfo{}, fmt.Errorf("failed to create output directory %s: %w", opts.OutputDir, err)
		}
	}

	queue := workqueue.New(len(req.Paths))
	for _, p := range req.Paths {
		if err := queue.Enqueue(p); err != nil {
			c.mu.Unlock()
			return RunInfo{}, fmt.Errorf("failed to enqueue %s: %w", p, err)
		}
	}

	generation := uuid.NewString()
	runLog := logger.WithRun(c.logger, generation)
	pool, err := ants.NewPool(threads,
		ants.WithLogger(runLog),
		ants.WithPanicHandler(func(p interface{}) {
			runLog.Errorf("Worker crashed: %v", p)
		}),
	)
	if err != nil {
		c.mu.Unlock()
		return RunInfo{}, fmt.Errorf("failed to create worker pool: %w", err)
	}

	stopCtx, stopCancel := context.WithCancel(context.Background())
	r := &run{
		info: RunInfo{
			Generation: generation,
			Items:      len(req.Paths),
			Threads:    threads,
			DryRun:     opts.DryRun,
			OutputDir:  opts.OutputDir,
			Quality:    opts.Quality,
			StartedAt:  time.Now(),
		},
		queue:      queue,
		pool:       pool,
		ready:      make(chan struct{}),
		exited:     make(chan struct{}),
		finished:   make(chan struct{}),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		logger:     runLog,
	}

	for i := 0; i < threads; i++ {
		w := &worker{
			id:           i + 1,
			queue:        queue,
			cancelled:    &r.cancelled,
			compressor:   c.compressor,
			reporter:     c.reporter,
			opts:         opts,
			pollInterval: c.cfg.PollInterval,
			logger:       runLog,
		}
		r.workers.Add(1)
		err := pool.Submit(func() {
			defer r.workers.Done()
			<-r.ready
			w.run(context.Background())
		})
		if err != nil {
			r.workers.Done()
			r.cancelled.Store(true)
			queue.Close()
			close(r.ready)
			r.workers.Wait()
			pool.Release()
			stopCancel()
			c.mu.Unlock()
			return RunInfo{}, fmt.Errorf("failed to start worker %d: %w", i+1, err)
		}
	}

	go func() {
		r.workers.Wait()
		close(r.exited)
	}()

	c.run = r
	c.state = StateRunning
	info := r.snapshot(c.state)
	c.mu.Unlock()

	runLog.Infof("Started run with %d items on %d workers (dry run: %v)", len(req.Paths), threads, opts.DryRun)
	c.reporter.Notify(EventRunStarted)
	close(r.ready)
	go c.watch(r)

	return info, nil
}

// Stop requests cooperative cancellation of the active run. It never blocks:
// workers finish their in-flight item and EventStopComplete is emitted once
// they have all exited.
func (c *Coordinator) Stop() (StopOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle:
		return StopNoActiveRun, ErrNoActiveRun
	case StateStopping:
		return StopAlreadyRequested, nil
	}

	r := c.run
	c.state = StateStopping
	r.cancelled.Store(true)
	r.queue.Close()
	r.stopCancel()
	logger.WithOperation(r.logger, "stop").Info("Stop requested")

	go func() {
		c.join(r)
		c.finish(r, EventStopComplete)
	}()
	return StopRequested, nil
}

// watch waits for every item to be done, then lets the workers drain and
// reports completion. A stopped run is finished by the stop joiner instead.
func (c *Coordinator) watch(r *run) {
	if err := r.queue.AwaitAllDone(r.stopCtx); err != nil || r.cancelled.Load() {
		return
	}
	r.queue.Close()
	c.join(r)
	c.finish(r, EventAllTasksComplete)
}

// join waits for all workers of r to exit.
func (c *Coordinator) join(r *run) {
	select {
	case <-r.exited:
		return
	case <-time.After(c.cfg.GracePeriod):
		logger.WithOperation(r.logger, "join").Warnf("Workers still busy after %s grace period, waiting for in-flight items", c.cfg.GracePeriod)
	}
	<-r.exited
}

// finish resets the coordinator to idle and emits ev. It runs at most once
// per run no matter how many paths race to it.
func (c *Coordinator) finish(r *run, ev Event) {
	r.finishOnce.Do(func() {
		r.pool.Release()
		r.stopCancel()

		c.mu.Lock()
		if c.run == r {
			info := r.snapshot(StateIdle)
			info.Stopped = ev == EventStopComplete
			info.FinishedAt = time.Now()
			c.last = info
			c.run = nil
			c.state = StateIdle
		}
		c.mu.Unlock()

		r.logger.WithField("event", ev.String()).Info("Run finished")
		c.reporter.Notify(ev)
		close(r.finished)
	})
}

// Clear drops the record of the last run.
func (c *Coordinator) Clear() error {
	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		return ErrRunAlreadyActive
	}
	c.last = RunInfo{}
	c.mu.Unlock()

	c.reporter.Notify(EventCleared)
	return nil
}

// Wait blocks until the current run, if any, has finished and its terminal
// event has been delivered.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()

	if r == nil {
		return nil
	}
	select {
	case <-r.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current coordinator state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a snapshot of the active run, or of the last finished one.
func (c *Coordinator) Info() RunInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		return c.run.snapshot(c.state)
	}
	info := c.last
	info.State = StateIdle.String()
	return info
}

func (r *run) snapshot(state State) RunInfo {
	info := r.info
	info.State = state.String()
	info.Queued = r.queue.Len()
	info.Outstanding = r.queue.Outstanding()
	return info
}
