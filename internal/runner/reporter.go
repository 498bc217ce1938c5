package runner

import (
	"sync"

	"image-compressor-go/internal/compressor"
)

// Event is a run lifecycle notification.
type Event int

const (
	EventRunStarted Event = iota
	EventAllTasksComplete
	EventStopComplete
	EventCleared
)

func (e Event) String() string {
	switch e {
	case EventRunStarted:
		return "run_started"
	case EventAllTasksComplete:
		return "all_tasks_complete"
	case EventStopComplete:
		return "stop_complete"
	case EventCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Reporter receives the outcome of a run. ReportResult is called exactly once
// per taken item, always before the item is marked done. Implementations are
// called from several workers at once and must be safe for concurrent use, or
// be wrapped with Serialize.
type Reporter interface {
	ReportResult(res compressor.Result)
	ReportLog(line string)
	Notify(ev Event)
}

// ReporterFuncs adapts plain functions to a Reporter. Nil fields are ignored.
type ReporterFuncs struct {
	OnResult func(res compressor.Result)
	OnLog    func(line string)
	OnEvent  func(ev Event)
}

func (f ReporterFuncs) ReportResult(res compressor.Result) {
	if f.OnResult != nil {
		f.OnResult(res)
	}
}

func (f ReporterFuncs) ReportLog(line string) {
	if f.OnLog != nil {
		f.OnLog(line)
	}
}

func (f ReporterFuncs) Notify(ev Event) {
	if f.OnEvent != nil {
		f.OnEvent(ev)
	}
}

// Discard is a Reporter that drops everything.
var Discard Reporter = ReporterFuncs{}

type serialized struct {
	mu sync.Mutex
	r  Reporter
}

// Serialize returns a Reporter that delivers every call to r one at a time.
// Calls for a single item keep their order; calls for different items may
// interleave in any order.
func Serialize(r Reporter) Reporter {
	if _, ok := r.(*serialized); ok {
		return r
	}
	return &serialized{r: r}
}

func (s *serialized) ReportResult(res compressor.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.r.ReportResult(res)
}

func (s *serialized) ReportLog(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.r.ReportLog(line)
}

func (s *serialized) Notify(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.r.Notify(ev)
}

type multi []Reporter

// Multi fans every call out to rs in order.
func Multi(rs ...Reporter) Reporter {
	var out multi
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multi) ReportResult(res compressor.Result) {
	for _, r := range m {
		r.ReportResult(res)
	}
}

func (m multi) ReportLog(line string) {
	for _, r := range m {
		r.ReportLog(line)
	}
}

func (m multi) Notify(ev Event) {
	for _, r := range m {
		r.Notify(ev)
	}
}
