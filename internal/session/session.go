// Package session implements the session supervisor (C6): the
// Idle->Starting->Running->Stopping->Terminated state machine that owns at
// most one capture session process-wide and wires the capture loop, pacing
// loop and encoder adapter together behind the protocol.Dispatcher
// interface.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rzhang57/capture-sidecar/internal/capture"
	"github.com/rzhang57/capture-sidecar/internal/colorconv"
	"github.com/rzhang57/capture-sidecar/internal/config"
	"github.com/rzhang57/capture-sidecar/internal/encoder"
	"github.com/rzhang57/capture-sidecar/internal/logging"
	"github.com/rzhang57/capture-sidecar/internal/pacing"
	"github.com/rzhang57/capture-sidecar/internal/protocol"
)

var log = logging.L("session")

// State is the supervisor's lifecycle state (SPEC_FULL.md 4.6).
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// version is reported by the "init" command.
const version = "1.0.0"

// encoderHandle is the slice of *encoder.Adapter the supervisor depends on.
// Narrowing to an interface lets tests substitute a fake instead of
// spawning a real subprocess.
type encoderHandle interface {
	HealthCheck(grace time.Duration) error
	WriteFrame(frame []byte) error
	Close(timeout time.Duration) error
}

var _ encoderHandle = (*encoder.Adapter)(nil)

// newCaptureSource and spawnEncoder/spawnEncoderRaw are indirected through
// package vars so tests can substitute fakes without touching real GPU or
// process state.
var (
	newCaptureSource = capture.NewSource

	spawnEncoder = func(ctx context.Context, cfg encoder.SpawnConfig, stderrLines int) (encoderHandle, error) {
		return encoder.Spawn(ctx, cfg, stderrLines)
	}
	spawnEncoderRaw = func(ctx context.Context, ffmpegPath string, args []string, stderrLines int) (encoderHandle, error) {
		return encoder.SpawnWithArgs(ctx, ffmpegPath, args, stderrLines)
	}
)

// active holds everything belonging to the one in-flight capture session.
type active struct {
	id       string
	platform string
	fps      int
	outW     int
	outH     int
	rawW     int
	rawH     int
	start    time.Time
	bounds   capture.Rect

	// Windows GPU-capture path (nil on the macOS path).
	source      capture.Source
	captureLoop *capture.Loop
	latest      *capture.LatestFrame
	pacingLoop  *pacing.Loop
	pacingDone  chan pacingResult
	queue       *pacing.Queue
	writerDone  chan error

	enc        encoderHandle
	outputPath string

	// macGraceful marks the macOS avfoundation path, where stop must send a
	// graceful quit byte before closing stdin (SPEC_FULL.md 4.9).
	macGraceful bool

	bytesWritten int64
}

// pacingResult carries pacing.Loop.Run's return values across the goroutine
// boundary so stop() can collect them instead of calling Run a second time.
type pacingResult struct {
	stopInstant time.Time
	err         error
}

// Supervisor implements protocol.Dispatcher and enforces the process-wide
// singleton session invariant (SPEC_FULL.md 4.6 "Singleton enforcement").
type Supervisor struct {
	cfg *config.Config

	mu     sync.Mutex
	state  State
	active *active
}

var _ protocol.Dispatcher = (*Supervisor)(nil)

// New constructs an idle Supervisor.
func New(cfg *config.Config) *Supervisor {
	return &Supervisor{cfg: cfg, state: Idle}
}

// Init reports the sidecar's identity and readiness.
func (s *Supervisor) Init() (protocol.InitPayload, error) {
	backend := fmt.Sprintf("ffmpeg (%s)", hostSuffix())
	log.Info("init", "backend", backend)
	return protocol.InitPayload{Version: version, Backend: backend, Status: "ready"}, nil
}

// GetEncoderOptions implements C8's capability probe.
func (s *Supervisor) GetEncoderOptions(req protocol.EncoderOptionsRequest) (protocol.EncoderOptionsResponse, error) {
	ffmpegPath := req.FFmpegPath
	if ffmpegPath == "" {
		resolved, err := encoder.Resolve("", s.cfg.EncoderBinary)
		if err == nil {
			ffmpegPath = resolved
		}
	}

	opts := encoder.GetOptions(req.Platform, ffmpegPath)
	out := make([]protocol.EncoderOption, 0, len(opts))
	for _, o := range opts {
		out = append(out, protocol.EncoderOption{Codec: o.Codec, Label: o.Label, Hardware: o.Hardware})
	}
	return protocol.EncoderOptionsResponse{Options: out}, nil
}

// StartCapture validates the request, transitions Idle->Starting->Running,
// and wires the capture/pacing/encoder pipeline (SPEC_FULL.md 4.6).
func (s *Supervisor) StartCapture(req protocol.StartCaptureRequest) (protocol.StartCaptureResponse, error) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return protocol.StartCaptureResponse{}, errors.New("capture already running")
	}
	s.state = Starting
	s.mu.Unlock()

	sess, err := s.start(req)
	if err != nil {
		s.mu.Lock()
		s.state = Idle
		s.mu.Unlock()
		return protocol.StartCaptureResponse{}, err
	}

	s.mu.Lock()
	s.active = sess
	s.state = Running
	s.mu.Unlock()

	log.Info("capture started", "sessionId", sess.id, "platform", sess.platform, "outputPath", sess.outputPath)
	return protocol.StartCaptureResponse{Status: "recording", OutputPath: sess.outputPath}, nil
}

func (s *Supervisor) start(req protocol.StartCaptureRequest) (*active, error) {
	if err := validateStartRequest(req); err != nil {
		return nil, err
	}

	ffmpegPath, err := encoder.Resolve(req.FFmpegPath, s.cfg.EncoderBinary)
	if err != nil {
		return nil, fmt.Errorf("resolving encoder binary: %w", err)
	}

	if isWindowsPlatform(req.Platform) {
		return s.startWindowsCapture(req, ffmpegPath)
	}
	return s.startMacCapture(req, ffmpegPath)
}

func validateStartRequest(req protocol.StartCaptureRequest) error {
	if req.SessionID == "" {
		return errors.New("sessionId is required")
	}
	if req.Video.Width <= 0 || req.Video.Height <= 0 {
		return fmt.Errorf("invalid video dimensions %dx%d", req.Video.Width, req.Video.Height)
	}
	if req.Video.FPS <= 0 {
		return fmt.Errorf("invalid fps %d", req.Video.FPS)
	}
	if !encoder.IsSupportedTag(req.Video.Encoder) {
		return fmt.Errorf("unsupported encoder tag: %s", req.Video.Encoder)
	}
	if req.Source.Type != "screen" && req.Source.Type != "window" {
		return fmt.Errorf("unsupported source type: %s", req.Source.Type)
	}
	if req.Cursor.Mode != "show" && req.Cursor.Mode != "hide" {
		return fmt.Errorf("unsupported cursor mode: %s", req.Cursor.Mode)
	}
	if req.OutputPath == "" {
		return errors.New("outputPath is required")
	}
	return nil
}

func isWindowsPlatform(platform string) bool {
	switch platform {
	case "windows", "win32":
		return true
	default:
		return false
	}
}

func (s *Supervisor) startWindowsCapture(req protocol.StartCaptureRequest, ffmpegPath string) (*active, error) {
	creq, err := toCaptureRequest(req)
	if err != nil {
		return nil, err
	}

	source := newCaptureSource(creq)
	setupTimeout := time.Duration(s.cfg.CaptureSetupTimeoutSeconds) * time.Second
	if setupTimeout <= 0 {
		setupTimeout = capture.SetupTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	setupCh := make(chan capture.SetupResult, 1)
	go func() { setupCh <- source.Setup(ctx) }()

	var setup capture.SetupResult
	select {
	case setup = <-setupCh:
	case <-ctx.Done():
		return nil, fmt.Errorf("capture setup timed out after %s", setupTimeout)
	}
	if setup.Err != nil {
		return nil, fmt.Errorf("capture setup failed: %w", setup.Err)
	}

	outW := colorconv.EvenRound(req.Video.Width)
	outH := colorconv.EvenRound(req.Video.Height)

	enc, err := spawnEncoder(context.Background(), encoder.SpawnConfig{
		FFmpegPath:  ffmpegPath,
		InputWidth:  outW,
		InputHeight: outH,
		InputFPS:    req.Video.FPS,
		Bitrate:     req.Video.Bitrate,
		CodecTag:    req.Video.Encoder,
		OutputPath:  req.OutputPath,
	}, s.cfg.StderrRingLines)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("spawning encoder: %w", err)
	}

	grace := time.Duration(s.cfg.EncoderStartupGraceMillis) * time.Millisecond
	if err := enc.HealthCheck(grace); err != nil {
		source.Close()
		enc.Close(time.Duration(s.cfg.EncoderStopTimeoutSeconds) * time.Second)
		return nil, err
	}

	sess := &active{
		id:         req.SessionID,
		platform:   req.Platform,
		fps:        req.Video.FPS,
		outW:       outW,
		outH:       outH,
		rawW:       setup.RawWidth,
		rawH:       setup.RawHeight,
		start:      time.Now(),
		bounds:     setup.Bounds,
		source:     source,
		latest:     &capture.LatestFrame{},
		enc:        enc,
		outputPath: req.OutputPath,
	}

	sess.queue = pacing.NewQueue(pacing.QueueDepth)
	sess.captureLoop = capture.NewLoop(source, outW, outH, sess.latest)
	sess.pacingLoop = pacing.NewLoop(req.Video.FPS, sess.latest, sess.queue, sess.start)

	sess.writerDone = make(chan error, 1)
	go func() {
		sess.writerDone <- pacing.RunWriter(sess.queue, func(frame []byte) error {
			if err := enc.WriteFrame(frame); err != nil {
				return err
			}
			sess.bytesWritten += int64(len(frame))
			return nil
		})
	}()

	sess.pacingDone = make(chan pacingResult, 1)
	go func() {
		stopInstant, err := sess.pacingLoop.Run()
		sess.pacingDone <- pacingResult{stopInstant: stopInstant, err: err}
	}()

	go sess.captureLoop.Run()

	return sess, nil
}

func toCaptureRequest(req protocol.StartCaptureRequest) (capture.Request, error) {
	var kind capture.SourceKind
	var windowHandle, monitorHandle uintptr

	switch req.Source.Type {
	case "window":
		kind = capture.SourceWindow
		// Accepts "window:<handle>:<tag>" (only the handle is used) or a bare
		// handle; a zero handle is rejected.
		id := strings.TrimPrefix(req.Source.ID, "window:")
		if i := strings.IndexByte(id, ':'); i >= 0 {
			id = id[:i]
		}
		h, err := parseHandle(id)
		if err == nil && h == 0 {
			err = errors.New("handle is zero")
		}
		if err != nil {
			return capture.Request{}, fmt.Errorf("invalid window handle %q: %w", req.Source.ID, err)
		}
		windowHandle = h
	case "screen":
		kind = capture.SourceMonitor
		if req.Source.ID != "" {
			h, err := parseHandle(req.Source.ID)
			if err != nil {
				return capture.Request{}, fmt.Errorf("invalid monitor handle %q: %w", req.Source.ID, err)
			}
			monitorHandle = h
		}
	}

	var crop *capture.Rect
	if req.CaptureRegion != nil {
		crop = &capture.Rect{X: req.CaptureRegion.X, Y: req.CaptureRegion.Y, Width: req.CaptureRegion.Width, Height: req.CaptureRegion.Height}
	}

	return capture.Request{
		Kind:          kind,
		WindowHandle:  windowHandle,
		MonitorHandle: monitorHandle,
		Crop:          crop,
		HideCursor:    req.Cursor.Mode == "hide",
	}, nil
}

func parseHandle(id string) (uintptr, error) {
	v, err := strconv.ParseUint(id, 0, 64)
	if err != nil {
		return 0, err
	}
	return uintptr(v), nil
}

// StopCapture tears the active session down and reports its summary
// (SPEC_FULL.md 4.6 stop sequence).
func (s *Supervisor) StopCapture(req protocol.StopCaptureRequest) (protocol.StopCaptureResponse, error) {
	s.mu.Lock()
	if s.state != Running || s.active == nil {
		s.mu.Unlock()
		return protocol.StopCaptureResponse{}, fmt.Errorf("no running session with id %q", req.SessionID)
	}
	if s.active.id != req.SessionID {
		s.mu.Unlock()
		return protocol.StopCaptureResponse{}, errors.New("sessionId mismatch")
	}
	s.state = Stopping
	sess := s.active
	s.mu.Unlock()

	resp, err := s.stop(sess)

	s.mu.Lock()
	s.active = nil
	s.state = Idle
	s.mu.Unlock()

	if err != nil {
		log.Warn("stop_capture finished with error", "sessionId", sess.id, "error", err)
	} else {
		log.Info("capture stopped", "sessionId", sess.id, "durationMs", resp.DurationMs, "bytes", resp.Bytes)
	}
	return resp, err
}

func (s *Supervisor) stop(sess *active) (protocol.StopCaptureResponse, error) {
	stopTimeout := time.Duration(s.cfg.EncoderStopTimeoutSeconds) * time.Second
	cursorRestorePending.Store(false)

	if sess.pacingLoop != nil {
		sess.pacingLoop.Stop()
	}
	if sess.captureLoop != nil {
		sess.captureLoop.Stop()
	}

	var stopInstant time.Time
	var pacingErr error
	if sess.pacingDone != nil {
		select {
		case res := <-sess.pacingDone:
			stopInstant, pacingErr = res.stopInstant, res.err
		case <-time.After(stopTimeout):
			stopInstant = time.Now()
			pacingErr = fmt.Errorf("pacing loop did not finish shutdown padding within %s", stopTimeout)
		}
	} else {
		stopInstant = time.Now()
	}

	if sess.queue != nil {
		sess.queue.Close()
	}

	var writerErr error
	if sess.writerDone != nil {
		select {
		case writerErr = <-sess.writerDone:
		case <-time.After(stopTimeout):
			writerErr = fmt.Errorf("encoder writer did not drain within %s", stopTimeout)
		}
	}

	if sess.macGraceful && sess.enc != nil {
		_ = sess.enc.WriteFrame([]byte("q"))
	}

	var encErr error
	if sess.enc != nil {
		encErr = sess.enc.Close(stopTimeout)
	}

	if sess.source != nil {
		sess.source.Close()
	}

	durationMs := stopInstant.Sub(sess.start).Milliseconds()
	fpsActual := sess.fps
	if sess.pacingLoop != nil && durationMs > 0 {
		fpsActual = int(math.Round(float64(sess.pacingLoop.FramesSent()) / (float64(durationMs) / 1000.0)))
	}

	// Width/height are the raw capture dimensions where the source reported
	// them (Windows path); the macOS path has none and reports its output size.
	width, height := sess.outW, sess.outH
	if sess.rawW > 0 && sess.rawH > 0 {
		width, height = sess.rawW, sess.rawH
	}

	resp := protocol.StopCaptureResponse{
		OutputPath: sess.outputPath,
		DurationMs: durationMs,
		Width:      width,
		Height:     height,
		FPSActual:  fpsActual,
		Bytes:      sess.bytesWritten,
	}
	if sess.bounds != (capture.Rect{}) {
		resp.SourceBounds = &protocol.SourceBounds{X: sess.bounds.X, Y: sess.bounds.Y, Width: sess.bounds.Width, Height: sess.bounds.Height}
	}

	for _, err := range []error{pacingErr, writerErr, encErr} {
		if err != nil {
			return resp, err
		}
	}

	// B4 / spec.md "no frames captured": a source that never produced a
	// frame (e.g. a hidden or minimized window) must not be reported as a
	// normal success.
	if sess.pacingLoop != nil && sess.pacingLoop.FramesSent() == 0 {
		return resp, errors.New("no frames captured")
	}

	return resp, nil
}
