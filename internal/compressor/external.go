package compressor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// externalOptimizer runs an external optimizer binary such as pngquant:
//
//	<tool> --quality=<q> --force --output <tmp> <src>
//
// The tool writes to a temp file next to dst which is renamed over dst only
// after it produced output. fs must be the OS filesystem since the tool only
// sees real paths.
type externalOptimizer struct {
	fs      afero.Fs
	tool    string
	timeout time.Duration
}

func (s *externalOptimizer) Name() string { return filepath.Base(s.tool) }

func (s *externalOptimizer) Label(Options) string { return filepath.Base(s.tool) }

func (s *externalOptimizer) Compress(ctx context.Context, src, dst string, opts Options) error {
	tmp, err := tempSibling(s.fs, dst)
	if err != nil {
		return fmt.Errorf("create tmp file error: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	committed := false
	defer func() {
		if !committed {
			_ = s.fs.Remove(tmpPath)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.tool, fmt.Sprintf("--quality=%d", opts.Quality), "--force", "--output", tmpPath, src)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	hideWindow(cmd)

	err = cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out after %s", s.Name(), s.timeout)
	}
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", s.Name(), err, msg)
		}
		return fmt.Errorf("%s: %w", s.Name(), err)
	}

	// The temp file exists from the start, so only a non-empty one counts as output.
	info, err := s.fs.Stat(tmpPath)
	if err != nil {
		return fmt.Errorf("%s exited 0 but produced no output: %w", s.Name(), err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s exited 0 but produced no output", s.Name())
	}
	if err := s.fs.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("rename error: %w", err)
	}
	committed = true
	return nil
}
