// Package protocol defines the versioned message envelope of the Fathom
// sandbox protocol, its JSON codec, and the framers that carry envelopes over
// a reliable ordered duplex byte stream.
package protocol

import (
	"fmt"
	"time"
)

// Version is the protocol version this engine speaks. Envelopes declaring any
// other version are rejected at decode time.
const Version = 1

// timestampLayout is ISO-8601 with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp marshals as ISO-8601 with milliseconds.
type Timestamp time.Time

// Now returns the current time as a Timestamp in UTC.
func Now() Timestamp {
	return Timestamp(time.Now().UTC())
}

// Time returns the underlying time.Time.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).Format(timestampLayout) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("timestamp is not a JSON string")
	}
	parsed, err := time.Parse(timestampLayout, string(data[1:len(data)-1]))
	if err != nil {
		// Accept RFC3339 variants with other fractional precision.
		parsed, err = time.Parse(time.RFC3339Nano, string(data[1:len(data)-1]))
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
	}
	*t = Timestamp(parsed)
	return nil
}

// MessageType identifies the payload carried by an envelope.
type MessageType string

// Initiator→responder message types.
const (
	TypeExecute MessageType = "execute"
	TypeCancel  MessageType = "cancel"
	TypePing    MessageType = "ping"
)

// Responder→initiator message types.
const (
	TypeAck    MessageType = "ack"
	TypeStatus MessageType = "status"
	TypeStdout MessageType = "stdout"
	TypeStderr MessageType = "stderr"
	TypeResult MessageType = "result"
	TypeError  MessageType = "error"
	TypePong   MessageType = "pong"
)

// scoped reports whether the message type is execution-scoped and therefore
// requires an execution id. Error envelopes may omit the id when reporting a
// connection-level failure.
func (t MessageType) scoped() bool {
	switch t {
	case TypePing, TypePong, TypeError:
		return false
	}
	return true
}

// known reports whether t is a member of the closed message type enum.
func (t MessageType) known() bool {
	switch t {
	case TypeExecute, TypeCancel, TypePing,
		TypeAck, TypeStatus, TypeStdout, TypeStderr, TypeResult, TypeError, TypePong:
		return true
	}
	return false
}

// Envelope is the versioned wrapper common to every protocol message. Exactly
// one payload field is populated, matching Type. Envelopes are immutable once
// constructed.
type Envelope struct {
	V    int         `json:"v"`
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`
	TS   Timestamp   `json:"ts"`

	Execute *ExecutePayload `json:"execute,omitempty"`
	Status  *StatusPayload  `json:"status,omitempty"`
	Stdout  *DataPayload    `json:"stdout,omitempty"`
	Stderr  *DataPayload    `json:"stderr,omitempty"`
	Result  *ResultPayload  `json:"result,omitempty"`
	Err     *Error          `json:"error,omitempty"`
	Pong    *PongPayload    `json:"pong,omitempty"`
}

// LimitsPayload carries resource bounds on the wire.
type LimitsPayload struct {
	TimeoutMS      int64 `json:"timeout_ms"`
	MemoryMB       int   `json:"memory_mb"`
	CPUShares      int   `json:"cpu_shares,omitempty"`
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// ExecutePayload is the body of an execute request. Code travels as text;
// Stdin is base64-encoded by the JSON codec.
type ExecutePayload struct {
	Language string            `json:"language"`
	Code     string            `json:"code"`
	Stdin    []byte            `json:"stdin,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Limits   LimitsPayload     `json:"limits"`
}

// StatusPayload reports an execution status transition.
type StatusPayload struct {
	Status string `json:"status"`
}

// DataPayload carries one output chunk for a single stream direction.
type DataPayload struct {
	Data string `json:"data"`
}

// UsagePayload reports measured resource consumption.
type UsagePayload struct {
	PeakMemoryBytes int64 `json:"peak_memory_bytes,omitempty"`
	CPUTimeMS       int64 `json:"cpu_time_ms,omitempty"`
}

// ResultPayload is attached after a terminal status. ExitCode is null when
// the process never exited on its own.
type ResultPayload struct {
	ExitCode      *int          `json:"exit_code"`
	DurationMS    int64         `json:"duration_ms"`
	ResourceUsage *UsagePayload `json:"resource_usage,omitempty"`
}

// LoadInfo is the optional load snapshot carried by pong.
type LoadInfo struct {
	ActiveExecutions int `json:"active_executions"`
	QueueDepth       int `json:"queue_depth"`
}

// PongPayload answers a ping.
type PongPayload struct {
	Load *LoadInfo `json:"load,omitempty"`
}

// NewEnvelope constructs an envelope of the given type at the current time.
// The payload field is set by the caller.
func NewEnvelope(t MessageType, id string) *Envelope {
	return &Envelope{V: Version, Type: t, ID: id, TS: Now()}
}
