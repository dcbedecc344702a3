package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nerrad567/containment-core/internal/telemetry"
)

// maxCommandTimeout caps the per-call timeout a client may request.
const maxCommandTimeout = 2 * time.Minute

// commandRequest is the body of POST /commands.
type commandRequest struct {
	DeviceID      string         `json:"device_id"`
	Command       string         `json:"command"`
	Data          map[string]any `json:"data,omitempty"`
	Value         any            `json:"value,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	TimeoutMS     int            `json:"timeout_ms,omitempty"`
	CommandTopic  string         `json:"command_topic,omitempty"`
	ResponseTopic string         `json:"response_topic,omitempty"`
}

// commandResult is the body of a successful command call.
type commandResult struct {
	DeviceID   string              `json:"device_id"`
	Command    string              `json:"command"`
	DurationMS int64               `json:"duration_ms"`
	Response   *telemetry.Response `json:"response"`
}

// handleCommand publishes a command and waits for the correlated response.
//
// The device's own session is used when the registry holds one, otherwise
// the shared connection.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "command is required")
		return
	}
	if req.TimeoutMS < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "timeout_ms must not be negative")
		return
	}

	corr := s.correlatorFor(req.DeviceID)
	if corr == nil {
		writeUnavailable(w, "no broker connection available")
		return
	}

	data := req.Data
	if req.DeviceID != "" {
		if data == nil {
			data = make(map[string]any, 1)
		}
		if _, ok := data["device_id"]; !ok {
			data["device_id"] = req.DeviceID
		}
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout > maxCommandTimeout {
		timeout = maxCommandTimeout
	}

	call := telemetry.Request{
		CommandTopic:  firstNonEmpty(req.CommandTopic, s.corrCfg.CommandTopic),
		ResponseTopic: firstNonEmpty(req.ResponseTopic, s.corrCfg.ResponseTopic),
		Command: telemetry.Command{
			Command:       req.Command,
			Data:          data,
			Value:         req.Value,
			CorrelationID: req.CorrelationID,
		},
		Timeout: timeout,
	}

	start := time.Now()
	resp, err := corr.Call(r.Context(), call)
	if err != nil {
		s.logger.Warn("command failed",
			"device_id", req.DeviceID,
			"command", req.Command,
			"error", err,
		)
		writeCommandError(w, resp, err)
		return
	}

	writeJSON(w, http.StatusOK, commandResult{
		DeviceID:   req.DeviceID,
		Command:    req.Command,
		DurationMS: time.Since(start).Milliseconds(),
		Response:   resp,
	})
}

// correlatorFor returns the correlator serving deviceID, or nil.
func (s *Server) correlatorFor(deviceID string) *telemetry.Correlator {
	if deviceID != "" && s.registry != nil {
		if sess, ok := s.registry.Get(deviceID); ok {
			return sess.Correlator
		}
	}
	return s.corr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
