// Package protocol defines the JSON request/response envelope agents
// exchange with the engine over stdin/stdout or a Unix-domain socket.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/j-tyler/ken/internal/session"
)

// RequestType discriminates the envelope's type field.
type RequestType string

const (
	TypeComplete       RequestType = "complete"
	TypeFail           RequestType = "fail"
	TypeSleep          RequestType = "sleep"
	TypeSpawnAndSleep  RequestType = "spawn_and_sleep"
	TypeCheckpoint     RequestType = "checkpoint"
)

// ChildSpec describes one child session requested by spawn_and_sleep.
type ChildSpec struct {
	KenPath  string           `json:"ken"`
	Task     string           `json:"task"`
	DoneWhen *session.DoneWhen `json:"done_when,omitempty"`
}

// Envelope is the outer shape every request shares; Raw carries the
// full message so handlers can re-decode type-specific fields.
type Envelope struct {
	Type      RequestType     `json:"type"`
	SessionID string          `json:"session_id"`
	Raw       json.RawMessage `json:"-"`
}

// ParseEnvelope decodes the common envelope fields from one line of
// request JSON, keeping the raw bytes for a second, type-specific pass.
func ParseEnvelope(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: malformed json: %w", err)
	}
	env.Raw = line
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: missing type")
	}
	if env.SessionID == "" {
		return Envelope{}, fmt.Errorf("protocol: missing session_id")
	}
	return env, nil
}

// CompleteRequest is the complete verb's payload.
type CompleteRequest struct {
	Type      RequestType `json:"type"`
	SessionID string      `json:"session_id"`
	Result    string      `json:"result"`
}

// FailRequest is the fail verb's payload.
type FailRequest struct {
	Type      RequestType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

// SleepRequest is the sleep verb's payload.
type SleepRequest struct {
	Type       RequestType     `json:"type"`
	SessionID  string          `json:"session_id"`
	Trigger    session.Trigger `json:"trigger"`
	Checkpoint string          `json:"checkpoint"`
}

// SpawnAndSleepRequest is the spawn_and_sleep verb's payload.
type SpawnAndSleepRequest struct {
	Type       RequestType     `json:"type"`
	SessionID  string          `json:"session_id"`
	Children   []ChildSpec     `json:"children"`
	Trigger    session.Trigger `json:"trigger"`
	Checkpoint string          `json:"checkpoint"`
}

// CheckpointRequest is the supplemental non-terminal checkpoint verb.
type CheckpointRequest struct {
	Type       RequestType `json:"type"`
	SessionID  string      `json:"session_id"`
	Checkpoint string      `json:"checkpoint"`
}

// Response is the envelope returned for every request.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// OK builds a successful response, optionally carrying data.
func OK(data interface{}) Response {
	if data == nil {
		return Response{OK: true}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Fail(fmt.Sprintf("protocol: marshal response data: %v", err))
	}
	return Response{OK: true, Data: b}
}

// Fail builds a failure response carrying the given error message.
func Fail(msg string) Response {
	return Response{OK: false, Error: msg}
}
