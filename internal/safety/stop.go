// Package safety implements the operator kill switch. While the flag file
// exists the bridge accepts no inbound messages and sends nothing.
package safety

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const DefaultStopFile = "EMERGENCY_STOP"

// StopFlag is an emergency stop backed by a file. A zero path disables it.
type StopFlag struct {
	path string
}

func NewStopFlag(path string) StopFlag {
	return StopFlag{path: strings.TrimSpace(path)}
}

func (f StopFlag) Path() string { return f.path }

// Active reports whether the flag file exists.
func (f StopFlag) Active() bool {
	if f.path == "" {
		return false
	}
	_, err := os.Stat(f.path)
	return err == nil
}

// Set creates or removes the flag file.
func (f StopFlag) Set(on bool, reason string) error {
	if f.path == "" {
		return errors.New("safety: stop file path is not configured")
	}
	if !on {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("safety: remove stop file: %w", err)
		}
		return nil
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("safety: create stop file dir: %w", err)
		}
	}
	body := fmt.Sprintf("stopped_at=%s\nreason=%s\n", time.Now().UTC().Format(time.RFC3339), reason)
	if err := os.WriteFile(f.path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("safety: write stop file: %w", err)
	}
	return nil
}
