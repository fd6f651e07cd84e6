// Package protocol implements the sidecar's control channel (C7): a
// line-delimited JSON request/response framing on stdin/stdout, matching the
// wire shapes of the native prototype this sidecar supersedes.
package protocol

import "encoding/json"

// Request is a single control-channel input line.
type Request struct {
	ID      string          `json:"id"`
	Cmd     string          `json:"cmd"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a single control-channel output line.
type Response struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK builds a successful response.
func OK(id string, payload any) Response {
	return Response{ID: id, OK: true, Payload: payload}
}

// Err builds a failed response.
func Err(id string, msg string) Response {
	return Response{ID: id, OK: false, Error: msg}
}

// InitPayload is the response body of the "init" command.
type InitPayload struct {
	Version string `json:"version"`
	Backend string `json:"backend"`
	Status  string `json:"status"`
}

// EncoderOptionsRequest is the payload of "get_encoder_options".
type EncoderOptionsRequest struct {
	Platform   string `json:"platform"`
	FFmpegPath string `json:"ffmpegPath,omitempty"`
}

// EncoderOption describes one codec the parent process may choose for a
// subsequent start_capture.
type EncoderOption struct {
	Codec    string `json:"codec"`
	Label    string `json:"label"`
	Hardware bool   `json:"hardware"`
}

// EncoderOptionsResponse is the response body of "get_encoder_options".
type EncoderOptionsResponse struct {
	Options []EncoderOption `json:"options"`
}

// CaptureSource identifies what is being recorded.
type CaptureSource struct {
	Type string `json:"type"` // "screen" | "window"
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// VideoConfig is the requested encode target.
type VideoConfig struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	FPS     int    `json:"fps"`
	Bitrate int    `json:"bitrate"`
	Encoder string `json:"encoder"`
}

// CursorConfig controls cursor visibility in the captured pixels.
type CursorConfig struct {
	Mode string `json:"mode"` // "show" | "hide"
}

// CaptureRegion crops a monitor source, in monitor-local coordinates.
type CaptureRegion struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// StartCaptureRequest is the payload of "start_capture".
type StartCaptureRequest struct {
	SessionID     string         `json:"sessionId"`
	Platform      string         `json:"platform"`
	Source        CaptureSource  `json:"source"`
	Video         VideoConfig    `json:"video"`
	Cursor        CursorConfig   `json:"cursor"`
	OutputPath    string         `json:"outputPath"`
	FFmpegPath    string         `json:"ffmpegPath,omitempty"`
	CaptureRegion *CaptureRegion `json:"captureRegion,omitempty"`
}

// StartCaptureResponse is the response body of a successful "start_capture".
type StartCaptureResponse struct {
	Status     string `json:"status"`
	OutputPath string `json:"outputPath"`
}

// StopCaptureRequest is the payload of "stop_capture".
type StopCaptureRequest struct {
	SessionID string `json:"sessionId"`
	Finalize  *bool  `json:"finalize,omitempty"`
}

// SourceBounds is the absolute, screen-space rectangle of the captured item,
// snapshotted once at session start.
type SourceBounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// StopCaptureResponse is the response body of "stop_capture".
type StopCaptureResponse struct {
	OutputPath   string        `json:"outputPath"`
	DurationMs   int64         `json:"durationMs"`
	Width        int           `json:"width"`
	Height       int           `json:"height"`
	FPSActual    int           `json:"fpsActual"`
	Bytes        int64         `json:"bytes"`
	SourceBounds *SourceBounds `json:"sourceBounds,omitempty"`
}
