package compressor

import (
	"fmt"
	"strings"
)

// SizeProbeError is returned when the size of a source or destination file
// cannot be measured. It is terminal for the item.
type SizeProbeError struct {
	Path string
	Err  error
}

func (e *SizeProbeError) Error() string {
	return fmt.Sprintf("size probe %s: %v", e.Path, e.Err)
}

func (e *SizeProbeError) Unwrap() error {
	return e.Err
}

// StrategyError records that a single compression strategy failed.
type StrategyError struct {
	Strategy string
	Path     string
	Err      error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Strategy, e.Path, e.Err)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}

// FallbackExhaustedError is returned when every strategy planned for a file failed.
type FallbackExhaustedError struct {
	Path     string
	Attempts []error
}

func (e *FallbackExhaustedError) Error() string {
	msgs := make([]string, len(e.Attempts))
	for i, err := range e.Attempts {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("all %d strategies failed for %s: %s", len(e.Attempts), e.Path, strings.Join(msgs, "; "))
}

func (e *FallbackExhaustedError) Unwrap() []error {
	return e.Attempts
}
