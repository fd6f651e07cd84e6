package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rzhang57/capture-sidecar/internal/logging"
)

var log = logging.L("protocol")

// Dispatcher is implemented by the session supervisor. Each method maps
// 1:1 onto a control-channel command; the returned value becomes the
// response payload, and a non-nil error becomes the response error string.
type Dispatcher interface {
	Init() (InitPayload, error)
	GetEncoderOptions(req EncoderOptionsRequest) (EncoderOptionsResponse, error)
	StartCapture(req StartCaptureRequest) (StartCaptureResponse, error)
	StopCapture(req StopCaptureRequest) (StopCaptureResponse, error)
}

// Serve runs the control-channel loop until r reaches EOF: it reads one
// request per line, dispatches it, and writes one response per line,
// flushing immediately so the parent process never stalls waiting on a
// buffered pipe. It never blocks on the capture pipeline itself -
// start_capture/stop_capture return as soon as the supervisor call returns.
func Serve(r io.Reader, w io.Writer, d Dispatcher) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	bw := bufio.NewWriter(w)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			writeResponse(bw, Err("", fmt.Sprintf("invalid request json: %v", err)))
			continue
		}

		resp := dispatch(d, req)
		writeResponse(bw, resp)
	}

	return scanner.Err()
}

func dispatch(d Dispatcher, req Request) Response {
	switch req.Cmd {
	case "init":
		payload, err := d.Init()
		resp := toResponse(req.ID, payload, err)
		log.Info("command handled", "cmd", req.Cmd, "id", req.ID, "ok", resp.OK)
		return resp

	case "get_encoder_options":
		var body EncoderOptionsRequest
		if err := unmarshalPayload(req.Payload, &body); err != nil {
			return Err(req.ID, err.Error())
		}
		payload, err := d.GetEncoderOptions(body)
		resp := toResponse(req.ID, payload, err)
		log.Info("command handled", "cmd", req.Cmd, "id", req.ID, "ok", resp.OK)
		return resp

	case "start_capture":
		var body StartCaptureRequest
		if err := unmarshalPayload(req.Payload, &body); err != nil {
			return Err(req.ID, err.Error())
		}
		payload, err := d.StartCapture(body)
		resp := toResponse(req.ID, payload, err)
		if resp.OK {
			log.Info("start_capture succeeded", "id", req.ID, "sessionId", body.SessionID)
		} else {
			log.Warn("start_capture failed", "id", req.ID, "sessionId", body.SessionID, "error", resp.Error)
		}
		return resp

	case "stop_capture":
		var body StopCaptureRequest
		if err := unmarshalPayload(req.Payload, &body); err != nil {
			return Err(req.ID, err.Error())
		}
		payload, err := d.StopCapture(body)
		resp := toResponse(req.ID, payload, err)
		if resp.OK {
			log.Info("stop_capture succeeded", "id", req.ID, "sessionId", body.SessionID)
		} else {
			log.Warn("stop_capture failed", "id", req.ID, "sessionId", body.SessionID, "error", resp.Error)
		}
		return resp

	default:
		return Err(req.ID, fmt.Sprintf("unknown command: %s", req.Cmd))
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func toResponse(id string, payload any, err error) Response {
	if err != nil {
		return Err(id, err.Error())
	}
	return OK(id, payload)
}

func writeResponse(bw *bufio.Writer, resp Response) {
	line, err := json.Marshal(resp)
	if err != nil {
		log.Error("failed to marshal response", "error", err)
		return
	}
	bw.Write(line)
	bw.WriteByte('\n')
	bw.Flush()
}
