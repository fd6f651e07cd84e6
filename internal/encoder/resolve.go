package encoder

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

// ErrNotFound is returned by Resolve when neither the override path nor the
// PATH candidate can be probed successfully (error taxonomy
// "encoder-not-found").
var ErrNotFound = errors.New("encoder binary not found")

// Resolve implements SPEC_FULL.md 4.6 step 2 / 4.8 step 1: prefer an
// explicit override if it names an existing file, else probe the PATH
// candidate with a -version invocation.
func Resolve(override, pathCandidate string) (string, error) {
	if override != "" {
		if info, err := os.Stat(override); err == nil && !info.IsDir() {
			return override, nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, pathCandidate, "-version")
	if err := cmd.Run(); err != nil {
		return "", ErrNotFound
	}
	return pathCandidate, nil
}
