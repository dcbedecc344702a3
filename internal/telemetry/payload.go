package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Command is the JSON body published to a device command topic.
//
//	{"command":"testConnection","data":{"device_id":"7"}}
type Command struct {
	Command       string         `json:"command"`
	Data          map[string]any `json:"data,omitempty"`
	Value         any            `json:"value,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Response is the JSON body a device answers with.
//
// Devices report the outcome either as a status string or as a boolean
// success flag; both forms are accepted.
type Response struct {
	Command       string          `json:"command"`
	Status        string          `json:"status,omitempty"`
	Success       *bool           `json:"success,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Message       string          `json:"message,omitempty"`
	Error         string          `json:"error,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`

	// Topic is the topic the response arrived on.
	Topic string `json:"-"`
}

// Outcome reports whether the response signals success and whether it
// carries an outcome at all.
func (r *Response) Outcome() (ok, known bool) {
	if r.Success != nil {
		return *r.Success, true
	}
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "success", "ok":
		return true, true
	case "":
		// An error text without a status still counts as a failure.
		return false, r.Error != ""
	default:
		return false, true
	}
}

// DataField returns a top-level field of Data as a string.
func (r *Response) DataField(name string) (string, bool) {
	if len(r.Data) == 0 {
		return "", false
	}
	var fields map[string]any
	if err := json.Unmarshal(r.Data, &fields); err != nil {
		return "", false
	}
	return stringField(fields, name)
}

func stringField(fields map[string]any, name string) (string, bool) {
	v, ok := fields[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		// JSON numbers decode as float64; ids are integral.
		return fmt.Sprintf("%.0f", t), true
	default:
		s := fmt.Sprint(t)
		return s, s != ""
	}
}

// KeyStrategy derives the correlation key for outgoing commands and
// incoming responses.
type KeyStrategy interface {
	// Prepare returns the key for cmd and may stamp fields onto it.
	Prepare(cmd *Command) (string, error)

	// Match returns the key a response answers, or false if it carries none.
	Match(resp *Response) (string, bool)
}

// CorrelationIDStrategy keys operations by a unique correlation_id stamped
// on the command and echoed by the device.
type CorrelationIDStrategy struct{}

// Prepare keeps a preset correlation id or generates one.
func (CorrelationIDStrategy) Prepare(cmd *Command) (string, error) {
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	return cmd.CorrelationID, nil
}

// Match returns the echoed correlation id.
func (CorrelationIDStrategy) Match(resp *Response) (string, bool) {
	return resp.CorrelationID, resp.CorrelationID != ""
}

// CommandTargetStrategy keys operations by command name and target device,
// for firmware that cannot echo a correlation id. Only one operation per
// command and device can be pending at a time.
type CommandTargetStrategy struct {
	// TargetField is the data field naming the target. Empty means "device_id".
	TargetField string
}

func (s CommandTargetStrategy) field() string {
	if s.TargetField == "" {
		return "device_id"
	}
	return s.TargetField
}

// Prepare builds "<command>:<target>" from the command's data.
func (s CommandTargetStrategy) Prepare(cmd *Command) (string, error) {
	target, ok := stringField(cmd.Data, s.field())
	if !ok {
		return "", fmt.Errorf("%w: data.%s is required", ErrMissingTarget, s.field())
	}
	return cmd.Command + ":" + target, nil
}

// Match builds the same key from the response's command and data.
func (s CommandTargetStrategy) Match(resp *Response) (string, bool) {
	if resp.Command == "" {
		return "", false
	}
	target, ok := resp.DataField(s.field())
	if !ok {
		return "", false
	}
	return resp.Command + ":" + target, true
}

// KeyStrategyByName returns the strategy for a config name.
func KeyStrategyByName(name string) (KeyStrategy, error) {
	switch name {
	case "", "command_target":
		return CommandTargetStrategy{}, nil
	case "correlation_id":
		return CorrelationIDStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown key strategy %q", name)
	}
}
