package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rzhang57/capture-sidecar/internal/encoder"
	"github.com/rzhang57/capture-sidecar/internal/protocol"
)

// cursorRestorePending records that a macOS session was started with cursor
// mode "hide". It is reset unconditionally on every stop of a running
// session, successful or not. Nothing in this package hides or restores the
// system cursor itself, and the avfoundation input is always started with
// cursor capture on.
var cursorRestorePending atomic.Bool

// startMacCapture implements C9: the supervisor drives ffmpeg's avfoundation
// input directly rather than owning a capture.Source and pacing loop - there
// is no GPU staging ring or bounded frame queue on this path, avfoundation
// paces its own capture.
func (s *Supervisor) startMacCapture(req protocol.StartCaptureRequest, ffmpegPath string) (*active, error) {
	deviceIndex := req.Source.ID
	if deviceIndex == "" {
		deviceIndex = "1:none" // default: first screen device, no audio track
	}

	var crop *encoder.Rect
	if req.CaptureRegion != nil {
		crop = &encoder.Rect{X: req.CaptureRegion.X, Y: req.CaptureRegion.Y, Width: req.CaptureRegion.Width, Height: req.CaptureRegion.Height}
	}

	args, err := encoder.BuildMacArgs(encoder.MacCaptureConfig{
		FFmpegPath:  ffmpegPath,
		DeviceIndex: deviceIndex,
		FPS:         req.Video.FPS,
		Bitrate:     req.Video.Bitrate,
		CodecTag:    req.Video.Encoder,
		Crop:        crop,
		OutputPath:  req.OutputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("building avfoundation args: %w", err)
	}

	enc, err := spawnEncoderRaw(context.Background(), ffmpegPath, args, s.cfg.StderrRingLines)
	if err != nil {
		return nil, fmt.Errorf("spawning encoder: %w", err)
	}

	grace := time.Duration(s.cfg.EncoderStartupGraceMillis) * time.Millisecond
	if err := enc.HealthCheck(grace); err != nil {
		enc.Close(time.Duration(s.cfg.EncoderStopTimeoutSeconds) * time.Second)
		return nil, err
	}

	if req.Cursor.Mode == "hide" {
		cursorRestorePending.Store(true)
	}

	outW := req.Video.Width
	outH := req.Video.Height
	if crop != nil {
		outW, outH = crop.Width, crop.Height
	}

	return &active{
		id:          req.SessionID,
		platform:    req.Platform,
		fps:         req.Video.FPS,
		outW:        outW,
		outH:        outH,
		start:       time.Now(),
		enc:         enc,
		outputPath:  req.OutputPath,
		macGraceful: true,
	}, nil
}
