package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type fakeDispatcher struct {
	startErr error
	stopErr  error
}

func (f *fakeDispatcher) Init() (InitPayload, error) {
	return InitPayload{Version: "1.0.0", Backend: "wgc-ffmpeg", Status: "ready"}, nil
}

func (f *fakeDispatcher) GetEncoderOptions(req EncoderOptionsRequest) (EncoderOptionsResponse, error) {
	return EncoderOptionsResponse{Options: []EncoderOption{{Codec: "libx264", Label: "Software (libx264)"}}}, nil
}

func (f *fakeDispatcher) StartCapture(req StartCaptureRequest) (StartCaptureResponse, error) {
	if f.startErr != nil {
		return StartCaptureResponse{}, f.startErr
	}
	return StartCaptureResponse{Status: "recording", OutputPath: req.OutputPath}, nil
}

func (f *fakeDispatcher) StopCapture(req StopCaptureRequest) (StopCaptureResponse, error) {
	if f.stopErr != nil {
		return StopCaptureResponse{}, f.stopErr
	}
	return StopCaptureResponse{OutputPath: "/tmp/out.mp4", DurationMs: 2000}, nil
}

func serveLines(t *testing.T, d Dispatcher, lines ...string) []Response {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	if err := Serve(in, &out, d); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}

	var responses []Response
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("failed to unmarshal response %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func TestServeInit(t *testing.T) {
	resp := serveLines(t, &fakeDispatcher{}, `{"id":"1","cmd":"init","payload":{}}`)
	if len(resp) != 1 || !resp[0].OK {
		t.Fatalf("expected ok init response, got %+v", resp)
	}
}

func TestServeUnknownCommand(t *testing.T) {
	resp := serveLines(t, &fakeDispatcher{}, `{"id":"2","cmd":"nonsense"}`)
	if len(resp) != 1 || resp[0].OK || resp[0].ID != "2" {
		t.Fatalf("expected error response preserving id, got %+v", resp)
	}
}

func TestServeMalformedJSONContinues(t *testing.T) {
	resp := serveLines(t, &fakeDispatcher{}, `not json`, `{"id":"3","cmd":"init"}`)
	if len(resp) != 2 {
		t.Fatalf("expected two responses, got %d: %+v", len(resp), resp)
	}
	if resp[0].OK {
		t.Fatalf("expected first response to be an error, got %+v", resp[0])
	}
	if !resp[1].OK || resp[1].ID != "3" {
		t.Fatalf("expected second response to succeed with id 3, got %+v", resp[1])
	}
}

func TestServeBlankLinesSkipped(t *testing.T) {
	resp := serveLines(t, &fakeDispatcher{}, ``, `   `, `{"id":"4","cmd":"init"}`)
	if len(resp) != 1 {
		t.Fatalf("expected blank lines to be skipped, got %d responses", len(resp))
	}
}

func TestServeStartCaptureFailurePropagatesError(t *testing.T) {
	resp := serveLines(t, &fakeDispatcher{startErr: errors.New("capture already running")},
		`{"id":"5","cmd":"start_capture","payload":{"sessionId":"s1","outputPath":"/tmp/o.mp4"}}`)
	if len(resp) != 1 || resp[0].OK || resp[0].Error != "capture already running" {
		t.Fatalf("expected propagated error, got %+v", resp)
	}
}

func TestServeStartCaptureSuccess(t *testing.T) {
	resp := serveLines(t, &fakeDispatcher{},
		`{"id":"6","cmd":"start_capture","payload":{"sessionId":"s1","outputPath":"/tmp/o.mp4"}}`)
	if len(resp) != 1 || !resp[0].OK {
		t.Fatalf("expected success, got %+v", resp)
	}
	payload, ok := resp[0].Payload.(map[string]any)
	if !ok || payload["outputPath"] != "/tmp/o.mp4" {
		t.Fatalf("expected outputPath echoed back, got %+v", resp[0].Payload)
	}
}
