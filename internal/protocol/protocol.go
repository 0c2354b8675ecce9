// Package protocol defines the framed JSON wire protocol spoken on the
// client-facing WebSocket link of the G2 gateway.
//
// Frames are JSON objects discriminated by a "type" field. Inbound
// (client → gateway) and outbound (gateway → client) frames live in disjoint
// type namespaces: an outbound type arriving on the inbound link is rejected
// the same way an unknown type is. Each type carries a fixed set of required
// fields with fixed JSON types; unknown extra fields are ignored.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

// ErrorCode is a stable machine-readable error identifier carried in the
// "code" field of outbound error frames. The set is part of the wire contract
// and must not change without versioning the protocol.
type ErrorCode string

const (
	CodeAuthFailed          ErrorCode = "auth-failed"
	CodeInvalidFrame        ErrorCode = "invalid-frame"
	CodeInvalidState        ErrorCode = "invalid-state"
	CodeBufferOverflow      ErrorCode = "buffer-overflow"
	CodeTranscriptionFailed ErrorCode = "transcription-failed"
	CodeTimeout             ErrorCode = "timeout"
	CodeOpenClaw            ErrorCode = "openclaw-error"
	CodeInternal            ErrorCode = "internal-error"
)

// StatusState is the value space of the outbound status frame.
type StatusState string

const (
	StatusLoading      StatusState = "loading"
	StatusRecording    StatusState = "recording"
	StatusTranscribing StatusState = "transcribing"
	StatusThinking     StatusState = "thinking"
	StatusStreaming    StatusState = "streaming"
	StatusIdle         StatusState = "idle"
	StatusError        StatusState = "error"
)

// IsValid reports whether s is a recognised status value.
func (s StatusState) IsValid() bool {
	switch s {
	case StatusLoading, StatusRecording, StatusTranscribing, StatusThinking,
		StatusStreaming, StatusIdle, StatusError:
		return true
	}
	return false
}

// FrameError describes a malformed or invalid frame. Its message is sent
// verbatim to the client as the error detail, so it names the offending field
// and the expected shape but never internal implementation detail.
type FrameError struct {
	Detail string
}

func (e *FrameError) Error() string { return e.Detail }

func frameErrorf(format string, args ...any) *FrameError {
	return &FrameError{Detail: fmt.Sprintf(format, args...)}
}

// Frame is a decoded protocol frame: the type discriminator plus the full
// field map as decoded JSON values (the "type" key included, so a frame can
// be re-serialized without loss).
type Frame struct {
	Type   string
	Fields map[string]any
}

// String returns the string value of the named field. The codec has already
// verified presence and type for required fields, so a missing field yields "".
func (f Frame) String(field string) string {
	s, _ := f.Fields[field].(string)
	return s
}

// Int returns the integer value of the named field, or 0 when absent.
func (f Frame) Int(field string) int {
	v, _ := f.Fields[field].(float64)
	return int(v)
}

// fieldKind is the JSON type expected for a known field.
type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
)

// inboundFields lists required fields per inbound frame type, excluding
// "type" itself. Presence in this map is what makes a type inbound-valid.
var inboundFields = map[string][]string{
	"start_audio": {"sampleRate", "channels", "sampleWidth"},
	"stop_audio":  {},
	"text":        {"message"},
	"pong":        {},
	"auth":        {"token"},
}

// outboundFields lists required fields per outbound frame type.
var outboundFields = map[string][]string{
	"connected":     {"version"},
	"status":        {"status"},
	"transcription": {"text"},
	"assistant":     {"delta"},
	"end":           {},
	"error":         {"detail", "code"},
	"ping":          {},
}

// fieldKinds maps every known field name to its expected JSON type. Field
// names are globally unique across frame types, so one flat table suffices.
var fieldKinds = map[string]fieldKind{
	"sampleRate":  kindInt,
	"channels":    kindInt,
	"sampleWidth": kindInt,
	"message":     kindString,
	"token":       kindString,
	"delta":       kindString,
	"text":        kindString,
	"detail":      kindString,
	"code":        kindString,
	"version":     kindString,
	"status":      kindString,
}

// checkFields verifies required fields are present and every known field has
// the expected JSON type. Unknown extra fields pass through untouched.
func checkFields(fields map[string]any, required []string, frameType string) error {
	for _, field := range required {
		if _, ok := fields[field]; !ok {
			return frameErrorf("Frame type '%s' missing required field '%s'", frameType, field)
		}
	}
	for field, value := range fields {
		kind, known := fieldKinds[field]
		if !known {
			continue
		}
		switch kind {
		case kindString:
			if _, ok := value.(string); !ok {
				return frameErrorf("Field '%s' must be a string", field)
			}
		case kindInt:
			f, ok := value.(float64)
			if !ok || f != math.Trunc(f) {
				return frameErrorf("Field '%s' must be an integer", field)
			}
		}
	}
	return nil
}

// ParseInbound decodes and validates a client → gateway JSON text frame.
// It returns a *FrameError on invalid JSON, a non-object root, a missing
// type, an unknown (or outbound) type, or a missing/mistyped field.
func ParseInbound(raw []byte) (Frame, error) {
	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		return Frame{}, frameErrorf("Invalid JSON frame")
	}
	fields, ok := root.(map[string]any)
	if !ok {
		return Frame{}, frameErrorf("Frame must be a JSON object")
	}

	typeVal, ok := fields["type"]
	if !ok {
		return Frame{}, frameErrorf("Frame missing 'type' field")
	}
	frameType, ok := typeVal.(string)
	if !ok {
		return Frame{}, frameErrorf("Frame 'type' must be a string")
	}

	required, ok := inboundFields[frameType]
	if !ok {
		return Frame{}, frameErrorf("Unknown frame type: %s", frameType)
	}
	if err := checkFields(fields, required, frameType); err != nil {
		return Frame{}, err
	}

	return Frame{Type: frameType, Fields: fields}, nil
}

// ValidateOutbound checks a gateway → client frame against the outbound
// schema. An unknown outbound type is a programmer error, but it is reported
// as a *FrameError like every other violation so callers have one taxonomy.
func ValidateOutbound(frame map[string]any) error {
	if frame == nil {
		return frameErrorf("Frame must be a JSON object")
	}
	typeVal, ok := frame["type"]
	if !ok {
		return frameErrorf("Frame missing 'type' field")
	}
	frameType, ok := typeVal.(string)
	if !ok {
		return frameErrorf("Frame 'type' must be a string")
	}
	required, ok := outboundFields[frameType]
	if !ok {
		return frameErrorf("Unknown outbound frame type: %s", frameType)
	}

	fields := make(map[string]any, len(frame))
	for k, v := range frame {
		if k == "type" {
			continue
		}
		// Outbound frames are built in-process; coerce the typed values the
		// runtime uses into the shapes checkFields understands.
		switch tv := v.(type) {
		case StatusState:
			fields[k] = string(tv)
		case ErrorCode:
			fields[k] = string(tv)
		case int:
			fields[k] = float64(tv)
		default:
			fields[k] = v
		}
	}
	if frameType == "status" {
		if s, ok := fields["status"].(string); ok && !StatusState(s).IsValid() {
			return frameErrorf("Field 'status' has unknown value: %s", s)
		}
	}
	return checkFields(fields, required, frameType)
}

// Serialize encodes a validated outbound frame as compact JSON.
func Serialize(frame map[string]any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal frame: %w", err)
	}
	return data, nil
}
