package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rzhang57/capture-sidecar/internal/capture"
	"github.com/rzhang57/capture-sidecar/internal/config"
	"github.com/rzhang57/capture-sidecar/internal/encoder"
	"github.com/rzhang57/capture-sidecar/internal/protocol"
)

// fakeSource is a minimal capture.Source that always has a frame ready.
type fakeSource struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeSource) Setup(ctx context.Context) capture.SetupResult {
	return capture.SetupResult{RawWidth: 640, RawHeight: 480, Bounds: capture.Rect{Width: 640, Height: 480}}
}
func (f *fakeSource) WaitFrame(timeout time.Duration) { time.Sleep(time.Millisecond) }
func (f *fakeSource) DrainLatest() bool                { return true }
func (f *fakeSource) Ready() bool                      { return true }
func (f *fakeSource) MapOldest() ([]byte, int, int, int, error) {
	return make([]byte, 640*480*4), 640 * 4, 0, 0, nil
}
func (f *fakeSource) UnmapOldest() {}
func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// neverReadySource is a capture.Source that never has a frame to offer, used
// to exercise the "source never became visible" no-frames path (B4).
type neverReadySource struct{}

func (neverReadySource) Setup(ctx context.Context) capture.SetupResult {
	return capture.SetupResult{RawWidth: 640, RawHeight: 480, Bounds: capture.Rect{Width: 640, Height: 480}}
}
func (neverReadySource) WaitFrame(timeout time.Duration) { time.Sleep(time.Millisecond) }
func (neverReadySource) DrainLatest() bool               { return false }
func (neverReadySource) Ready() bool                     { return false }
func (neverReadySource) MapOldest() ([]byte, int, int, int, error) {
	return nil, 0, 0, 0, nil
}
func (neverReadySource) UnmapOldest() {}
func (neverReadySource) Close() error { return nil }

// fakeEncoder satisfies encoderHandle without spawning a process.
type fakeEncoder struct {
	mu           sync.Mutex
	frames       int
	bytesWritten int
	closed       bool
}

func (f *fakeEncoder) HealthCheck(grace time.Duration) error { return nil }
func (f *fakeEncoder) WriteFrame(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	f.bytesWritten += len(frame)
	return nil
}
func (f *fakeEncoder) Close(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func withFakes(t *testing.T) *fakeEncoder {
	t.Helper()
	origSource := newCaptureSource
	origSpawn := spawnEncoder
	origSpawnRaw := spawnEncoderRaw

	fe := &fakeEncoder{}
	newCaptureSource = func(req capture.Request) capture.Source { return &fakeSource{} }
	spawnEncoder = func(ctx context.Context, cfg encoder.SpawnConfig, stderrLines int) (encoderHandle, error) {
		return fe, nil
	}
	spawnEncoderRaw = func(ctx context.Context, ffmpegPath string, args []string, stderrLines int) (encoderHandle, error) {
		return fe, nil
	}

	t.Cleanup(func() {
		newCaptureSource = origSource
		spawnEncoder = origSpawn
		spawnEncoderRaw = origSpawnRaw
	})
	return fe
}

// withFakesNoFrames is withFakes but backed by a source that never produces
// a frame, for exercising the no-frames stop path (B4).
func withFakesNoFrames(t *testing.T) *fakeEncoder {
	t.Helper()
	fe := withFakes(t)
	origSource := newCaptureSource
	newCaptureSource = func(req capture.Request) capture.Source { return neverReadySource{} }
	t.Cleanup(func() { newCaptureSource = origSource })
	return fe
}

func baseRequest() protocol.StartCaptureRequest {
	return protocol.StartCaptureRequest{
		SessionID: "s1",
		Platform:  "win32",
		Source:    protocol.CaptureSource{Type: "screen", ID: "0"},
		Video:     protocol.VideoConfig{Width: 640, Height: 480, FPS: 30, Bitrate: 2_000_000, Encoder: "libx264"},
		Cursor:    protocol.CursorConfig{Mode: "show"},
		OutputPath: "/tmp/out.mp4",
	}
}

func TestStartCaptureThenStopSucceeds(t *testing.T) {
	withFakes(t)
	sup := New(config.Default())

	resp, err := sup.StartCapture(baseRequest())
	if err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	if resp.Status != "recording" {
		t.Fatalf("expected status recording, got %q", resp.Status)
	}

	time.Sleep(30 * time.Millisecond)

	stopResp, err := sup.StopCapture(protocol.StopCaptureRequest{SessionID: "s1"})
	if err != nil {
		t.Fatalf("StopCapture failed: %v", err)
	}
	if stopResp.Bytes <= 0 {
		t.Fatalf("expected bytes written > 0, got %d", stopResp.Bytes)
	}
	if stopResp.Width != 640 || stopResp.Height != 480 {
		t.Fatalf("expected 640x480, got %dx%d", stopResp.Width, stopResp.Height)
	}
}

func TestStartCaptureRejectsSecondSessionWhileRunning(t *testing.T) {
	withFakes(t)
	sup := New(config.Default())

	if _, err := sup.StartCapture(baseRequest()); err != nil {
		t.Fatalf("first StartCapture failed: %v", err)
	}

	_, err := sup.StartCapture(baseRequest())
	if err == nil {
		t.Fatal("expected second start_capture to fail while a session is running")
	}
	// E3: the wire error text is part of the conformance contract.
	if err.Error() != "capture already running" {
		t.Fatalf("expected exact error %q, got %q", "capture already running", err.Error())
	}

	_, _ = sup.StopCapture(protocol.StopCaptureRequest{SessionID: "s1"})
}

func TestStopCaptureWithoutActiveSessionErrors(t *testing.T) {
	sup := New(config.Default())
	_, err := sup.StopCapture(protocol.StopCaptureRequest{SessionID: "missing"})
	if err == nil {
		t.Fatal("expected stop_capture with no active session to fail")
	}
}

func TestStopCaptureWithWrongSessionIDReportsMismatch(t *testing.T) {
	withFakes(t)
	sup := New(config.Default())

	if _, err := sup.StartCapture(baseRequest()); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}

	// E4: wrong sessionId must report the exact "sessionId mismatch" text
	// and leave the active session running.
	_, err := sup.StopCapture(protocol.StopCaptureRequest{SessionID: "other"})
	if err == nil || err.Error() != "sessionId mismatch" {
		t.Fatalf("expected exact error %q, got %v", "sessionId mismatch", err)
	}

	if _, err := sup.StopCapture(protocol.StopCaptureRequest{SessionID: "s1"}); err != nil {
		t.Fatalf("expected stop_capture with the correct sessionId to succeed afterwards: %v", err)
	}
}

func TestStopCaptureReportsNoFramesWhenSourceNeverReady(t *testing.T) {
	withFakesNoFrames(t)
	sup := New(config.Default())

	if _, err := sup.StartCapture(baseRequest()); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	// B4: zero frames sent must report "no frames captured", not success.
	_, err := sup.StopCapture(protocol.StopCaptureRequest{SessionID: "s1"})
	if err == nil || err.Error() != "no frames captured" {
		t.Fatalf("expected exact error %q, got %v", "no frames captured", err)
	}
}

func TestStartCaptureValidatesRequest(t *testing.T) {
	sup := New(config.Default())

	bad := baseRequest()
	bad.Video.Width = 0
	if _, err := sup.StartCapture(bad); err == nil {
		t.Fatal("expected invalid video dimensions to be rejected")
	}

	bad = baseRequest()
	bad.Video.Encoder = "vp9"
	if _, err := sup.StartCapture(bad); err == nil {
		t.Fatal("expected unsupported encoder tag to be rejected")
	}
}

func TestIsWindowsPlatform(t *testing.T) {
	for _, p := range []string{"windows", "win32"} {
		if !isWindowsPlatform(p) {
			t.Errorf("expected %q to be treated as windows", p)
		}
	}
	if isWindowsPlatform("darwin") {
		t.Error("expected darwin to not be treated as windows")
	}
}

func TestToCaptureRequestParsesWindowHandle(t *testing.T) {
	req := baseRequest()
	req.Source = protocol.CaptureSource{Type: "window", ID: "0x1a2b"}

	creq, err := toCaptureRequest(req)
	if err != nil {
		t.Fatalf("toCaptureRequest failed: %v", err)
	}
	if creq.Kind != capture.SourceWindow {
		t.Fatalf("expected SourceWindow, got %v", creq.Kind)
	}
	if creq.WindowHandle != 0x1a2b {
		t.Fatalf("expected handle 0x1a2b, got 0x%x", creq.WindowHandle)
	}
}
