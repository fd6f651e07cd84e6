package encoder

import (
	"bytes"
	"context"
	"os/exec"
)

// runCaptured runs name with args and returns the combined stdout+stderr
// text, matching the original prototype's "-encoders" probing: a non-zero
// exit is not itself an error here, since ffmpeg's -encoders listing is
// informational and callers only care about the text contents.
func runCaptured(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
