// Package encoder implements the encoder process adapter (C1): it spawns
// the external encoder binary as a subprocess that reads raw planar YUV420p
// from its stdin, and the encoder capability probe (C8). The subprocess
// management idiom - piped stdin as the sole writer, a dedicated stderr
// reader goroutine, a done-channel Wait goroutine - is grounded on the
// parent agent's executor.Execute and terminal pty pattern.
package encoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rzhang57/capture-sidecar/internal/logging"
)

var log = logging.L("encoder")

// CodecArg is one codec's fixed extra-argument set, keyed on the closed set
// of encoder tags the control channel accepts.
type CodecArg struct {
	Codec string
	Args  []string
}

// codecTable is SPEC_FULL.md section 4.1's codec argument table.
var codecTable = map[string]CodecArg{
	"libx264": {
		Codec: "libx264",
		Args:  []string{"-preset", "medium", "-tune", "zerolatency"},
	},
	"h264_nvenc": {
		Codec: "h264_nvenc",
		Args:  []string{"-preset", "p4", "-tune", "ll", "-rc", "vbr", "-cq", "20"},
	},
	"hevc_nvenc": {
		Codec: "hevc_nvenc",
		Args:  []string{"-preset", "p4", "-tune", "ll", "-rc", "vbr", "-cq", "22"},
	},
	"h264_amf": {
		Codec: "h264_amf",
		Args:  []string{"-quality", "quality"},
	},
}

// SupportedTags reports the closed set of encoder tags start_capture accepts.
func SupportedTags() []string {
	return []string{"libx264", "h264_nvenc", "hevc_nvenc", "h264_amf"}
}

// IsSupportedTag reports whether tag is one of the closed set.
func IsSupportedTag(tag string) bool {
	_, ok := codecTable[tag]
	return ok
}

// Dimensions is a plain width/height pair.
type Dimensions struct {
	Width  int
	Height int
}

// SpawnConfig fully describes one encoder invocation.
type SpawnConfig struct {
	FFmpegPath string
	// InputWidth/InputHeight/InputFPS describe the raw planar YUV420p
	// rawvideo stream the sidecar writes to stdin.
	InputWidth  int
	InputHeight int
	InputFPS    int
	// ScaleTo, if non-nil, adds an output scale filter - used when the
	// monitor crop's target size differs from the raw capture size.
	ScaleTo *Dimensions
	Bitrate  int
	CodecTag string
	// ExtraArgs, when non-empty, fully overrides the codec table's default
	// extra arguments (SPEC_FULL.md 4.1: "Caller-supplied encoder arguments
	// fully override the defaults when non-empty").
	ExtraArgs  []string
	OutputPath string
}

// BuildArgs renders the ffmpeg argument list for cfg.
func BuildArgs(cfg SpawnConfig) ([]string, error) {
	codec, ok := codecTable[cfg.CodecTag]
	if !ok {
		return nil, fmt.Errorf("unsupported encoder tag: %s", cfg.CodecTag)
	}

	bitrate := cfg.Bitrate
	if bitrate < 1_000_000 {
		bitrate = 1_000_000
	}
	gop := cfg.InputFPS * 2
	bufsize := bitrate * 3

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "rawvideo",
		"-pixel_format", "yuv420p",
		"-video_size", fmt.Sprintf("%dx%d", cfg.InputWidth, cfg.InputHeight),
		"-framerate", strconv.Itoa(cfg.InputFPS),
		"-i", "pipe:0",
	}

	if cfg.ScaleTo != nil {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", cfg.ScaleTo.Width, cfg.ScaleTo.Height))
	}

	args = append(args,
		"-c:v", codec.Codec,
		"-b:v", strconv.Itoa(bitrate),
		"-maxrate", strconv.Itoa(bitrate),
		"-bufsize", strconv.Itoa(bufsize),
		"-g", strconv.Itoa(gop),
	)

	if len(cfg.ExtraArgs) > 0 {
		args = append(args, cfg.ExtraArgs...)
	} else {
		args = append(args, codec.Args...)
	}

	args = append(args, "-movflags", "+faststart", "-y", cfg.OutputPath)
	return args, nil
}

// stderrRing retains the last n non-empty stderr lines, matching
// SPEC_FULL.md 4.1's 30-line ring-truncation contract.
type stderrRing struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

func newStderrRing(cap int) *stderrRing {
	if cap <= 0 {
		cap = 30
	}
	return &stderrRing{cap: cap}
}

func (r *stderrRing) add(line string) {
	if line == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
}

func (r *stderrRing) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Adapter wraps a running encoder subprocess.
type Adapter struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	ring  *stderrRing

	done    chan struct{}
	waitErr error
}

// Spawn starts the encoder subprocess per cfg. The returned Adapter's stdin
// is the sole writer path for pixel bytes (invariant iv): callers must use
// WriteFrame exclusively and Close exactly once.
func Spawn(ctx context.Context, cfg SpawnConfig, stderrLines int) (*Adapter, error) {
	args, err := BuildArgs(cfg)
	if err != nil {
		return nil, err
	}
	return SpawnWithArgs(ctx, cfg.FFmpegPath, args, stderrLines)
}

// SpawnWithArgs starts ffmpegPath with a pre-built argument list. It backs
// Spawn and the macOS avfoundation path (session.startMacCapture), which
// builds its args independently of SpawnConfig's rawvideo-over-stdin shape.
func SpawnWithArgs(ctx context.Context, ffmpegPath string, args []string, stderrLines int) (*Adapter, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening encoder stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("opening encoder stderr pipe: %w", err)
	}
	cmd.Stdout = nil

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting encoder process: %w", err)
	}

	a := &Adapter{
		cmd:  cmd,
		stdin: stdin,
		ring: newStderrRing(stderrLines),
		done: make(chan struct{}),
	}

	go a.readStderr(stderr)
	go a.waitForExit()

	log.Info("encoder spawned", "path", ffmpegPath, "pid", cmd.Process.Pid)
	return a, nil
}

func (a *Adapter) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		a.ring.add(line)
		log.Debug("encoder stderr", "line", line)
	}
}

func (a *Adapter) waitForExit() {
	a.waitErr = a.cmd.Wait()
	close(a.done)
}

// HealthCheck waits grace and reports whether the process is still running.
// A terminal exit within the grace window is a fatal startup failure
// carrying the retained stderr tail (SPEC_FULL.md 4.1).
func (a *Adapter) HealthCheck(grace time.Duration) error {
	select {
	case <-time.After(grace):
		return nil
	case <-a.done:
		return fmt.Errorf("encoder exited during startup (status=%v): %s", a.waitErr, a.StderrExcerpt())
	}
}

// WriteFrame writes one raw YUV420p frame to the encoder's stdin.
func (a *Adapter) WriteFrame(frame []byte) error {
	_, err := a.stdin.Write(frame)
	return err
}

// StderrExcerpt returns the retained stderr tail joined with newlines.
func (a *Adapter) StderrExcerpt() string {
	lines := a.ring.snapshot()
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// Close signals end-of-stream by closing stdin (EOF) and waits up to
// timeout for the process to exit cleanly; on expiry the process is killed.
// Returns a non-nil error if the process exited non-zero or had to be
// killed (SPEC_FULL.md 4.1 teardown / error taxonomy "encoder-nonzero-exit").
func (a *Adapter) Close(timeout time.Duration) error {
	closeErr := a.stdin.Close()
	if closeErr != nil {
		log.Warn("closing encoder stdin", "error", closeErr)
	}

	select {
	case <-a.done:
	case <-time.After(timeout):
		log.Warn("encoder did not exit after EOF, killing", "pid", a.cmd.Process.Pid)
		_ = a.cmd.Process.Kill()
		<-a.done
		return fmt.Errorf("encoder killed after %s without exiting: %s", timeout, a.StderrExcerpt())
	}

	if a.waitErr != nil {
		return fmt.Errorf("encoder exited non-zero: %v: %s", a.waitErr, a.StderrExcerpt())
	}
	return nil
}
