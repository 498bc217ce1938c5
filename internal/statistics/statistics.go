package statistics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/runner"
)

// Statistics collects per-run compression statistics. It is a runner.Reporter
// and is safe for concurrent use.
type Statistics struct {
	TotalFiles      int64
	FilesProcessed  int64
	FilesCompressed int64
	FilesCopied     int64
	FilesWithErrors int64

	BytesOriginal   int64
	BytesCompressed int64
	BytesSaved      int64

	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	FilesPerSecond float64
	Stopped        bool

	Errors []StatError

	MethodStats map[string]int64

	reductionSum   float64
	reductionCount int64

	mutex sync.RWMutex
}

// StatError represents an error that occurred during processing.
type StatError struct {
	FilePath  string    `json:"file_path"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a consistent copy of the statistics, suitable for JSON.
type Snapshot struct {
	TotalFiles       int64            `json:"total_files"`
	FilesProcessed   int64            `json:"files_processed"`
	FilesCompressed  int64            `json:"files_compressed"`
	FilesCopied      int64            `json:"files_copied"`
	FilesWithErrors  int64            `json:"files_with_errors"`
	BytesOriginal    int64            `json:"bytes_original"`
	BytesCompressed  int64            `json:"bytes_compressed"`
	BytesSaved       int64            `json:"bytes_saved"`
	AverageReduction float64          `json:"average_reduction"`
	Duration         time.Duration    `json:"duration"`
	FilesPerSecond   float64          `json:"files_per_second"`
	Stopped          bool             `json:"stopped"`
	Methods          map[string]int64 `json:"methods"`
	Errors           []StatError      `json:"errors"`
}

var _ runner.Reporter = (*Statistics)(nil)

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:   time.Now(),
		MethodStats: make(map[string]int64),
		Errors:      make([]StatError, 0),
	}
}

// Reset clears all counters and restarts the clock.
func (s *Statistics) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	atomic.StoreInt64(&s.TotalFiles, 0)
	atomic.StoreInt64(&s.FilesProcessed, 0)
	atomic.StoreInt64(&s.FilesCompressed, 0)
	atomic.StoreInt64(&s.FilesCopied, 0)
	atomic.StoreInt64(&s.FilesWithErrors, 0)
	atomic.StoreInt64(&s.BytesOriginal, 0)
	atomic.StoreInt64(&s.BytesCompressed, 0)
	atomic.StoreInt64(&s.BytesSaved, 0)

	s.StartTime = time.Now()
	s.EndTime = time.Time{}
	s.Duration = 0
	s.FilesPerSecond = 0
	s.Stopped = false
	s.Errors = make([]StatError, 0)
	s.MethodStats = make(map[string]int64)
	s.reductionSum = 0
	s.reductionCount = 0
}

// SetTotalFiles records how many files the run was started with.
func (s *Statistics) SetTotalFiles(n int) {
	atomic.StoreInt64(&s.TotalFiles, int64(n))
}

// Record adds one compression result.
func (s *Statistics) Record(res compressor.Result) {
	atomic.AddInt64(&s.FilesProcessed, 1)

	if !res.Succeeded() {
		atomic.AddInt64(&s.FilesWithErrors, 1)
		msg := "unknown error"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		s.AddError(res.SourcePath, msg)
		return
	}

	if strings.HasPrefix(res.Method, "copy") {
		atomic.AddInt64(&s.FilesCopied, 1)
	} else {
		atomic.AddInt64(&s.FilesCompressed, 1)
	}

	var orig int64
	if res.OriginalSize != nil {
		orig = *res.OriginalSize
	}
	atomic.AddInt64(&s.BytesOriginal, orig)
	atomic.AddInt64(&s.BytesCompressed, *res.NewSize)
	atomic.AddInt64(&s.BytesSaved, res.SavedBytes())

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.MethodStats[res.Method]++
	// Growth counts as negative reduction in the average.
	if orig > 0 {
		s.reductionSum += float64(orig-*res.NewSize) * 100 / float64(orig)
	}
	s.reductionCount++
}

// AddError records an error that occurred during processing.
func (s *Statistics) AddError(filePath, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		FilePath:  filePath,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// Finalize calculates duration and throughput.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)

	if s.Duration.Seconds() > 0 {
		s.FilesPerSecond = float64(atomic.LoadInt64(&s.FilesProcessed)) / s.Duration.Seconds()
	}
}

// ReportResult implements runner.Reporter.
func (s *Statistics) ReportResult(res compressor.Result) {
	s.Record(res)
}

// ReportLog implements runner.Reporter.
func (s *Statistics) ReportLog(string) {}

// Notify implements runner.Reporter.
func (s *Statistics) Notify(ev runner.Event) {
	switch ev {
	case runner.EventRunStarted, runner.EventCleared:
		s.Reset()
	case runner.EventAllTasksComplete, runner.EventStopComplete:
		s.Finalize()
		s.mutex.Lock()
		s.Stopped = ev == runner.EventStopComplete
		s.mutex.Unlock()
	}
}

// AverageReduction returns the mean percentage reduction over successful files.
func (s *Statistics) AverageReduction() float64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.reductionCount == 0 {
		return 0
	}
	return s.reductionSum / float64(s.reductionCount)
}

// Snapshot returns a copy of the current statistics.
func (s *Statistics) Snapshot() Snapshot {
	avg := s.AverageReduction()

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	methods := make(map[string]int64, len(s.MethodStats))
	for k, v := range s.MethodStats {
		methods[k] = v
	}
	errs := make([]StatError, len(s.Errors))
	copy(errs, s.Errors)

	return Snapshot{
		TotalFiles:       atomic.LoadInt64(&s.TotalFiles),
		FilesProcessed:   atomic.LoadInt64(&s.FilesProcessed),
		FilesCompressed:  atomic.LoadInt64(&s.FilesCompressed),
		FilesCopied:      atomic.LoadInt64(&s.FilesCopied),
		FilesWithErrors:  atomic.LoadInt64(&s.FilesWithErrors),
		BytesOriginal:    atomic.LoadInt64(&s.BytesOriginal),
		BytesCompressed:  atomic.LoadInt64(&s.BytesCompressed),
		BytesSaved:       atomic.LoadInt64(&s.BytesSaved),
		AverageReduction: avg,
		Duration:         s.Duration,
		FilesPerSecond:   s.FilesPerSecond,
		Stopped:          s.Stopped,
		Methods:          methods,
		Errors:           errs,
	}
}

// StatusLine returns the one-line status shown while a run is in progress.
func (s *Statistics) StatusLine() string {
	return fmt.Sprintf("Total saved: %d KB | Avg reduction: %.0f%%",
		atomic.LoadInt64(&s.BytesSaved)/1024, s.AverageReduction())
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	snap := s.Snapshot()
	return fmt.Sprintf(`Image Compressor Statistics Summary:

Files:
		Total: %d
		Processed: %d
		Compressed: %d
		Copied: %d
		Errors: %d

Size:
		Original: %s
		Compressed: %s
		Total Saved: %s
		Avg Reduction: %.0f%%

Performance:
		Duration: %v
		Files/Second: %.2f`,
		snap.TotalFiles,
		snap.FilesProcessed,
		snap.FilesCompressed,
		snap.FilesCopied,
		snap.FilesWithErrors,
		formatBytes(snap.BytesOriginal),
		formatBytes(snap.BytesCompressed),
		formatBytes(snap.BytesSaved),
		snap.AverageReduction,
		snap.Duration.Round(time.Millisecond),
		snap.FilesPerSecond)
}

// GetMethodBreakdown returns a formatted breakdown of the methods that
// produced outputs.
func (s *Statistics) GetMethodBreakdown() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.MethodStats) == 0 {
		return "No method statistics available"
	}

	methods := make([]string, 0, len(s.MethodStats))
	for m := range s.MethodStats {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	result := "Method Breakdown:\n"
	for _, m := range methods {
		result += fmt.Sprintf("  %s: %d\n", m, s.MethodStats[m])
	}
	return result
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.FilePath,
			err.Error)
	}
	return result
}

// formatBytes returns a human-readable string for a byte count.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
