// Package protocol defines the wire envelope spoken between the edbridge host
// and its worker, together with the domain error taxonomy both sides share.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType tags an envelope on the wire.
type MessageType string

// Message type constants.
const (
	MsgHello           MessageType = "hello"
	MsgCapability      MessageType = "capability"
	MsgPing            MessageType = "ping"
	MsgPong            MessageType = "pong"
	MsgExecute         MessageType = "execute"
	MsgResult          MessageType = "result"
	MsgSubmitJob       MessageType = "submit_job"
	MsgSubmitJobResult MessageType = "submit_job_result"
	MsgGetJobStatus    MessageType = "get_job_status"
	MsgJobStatus       MessageType = "job_status"
	MsgCancel          MessageType = "cancel"
	MsgCancelResult    MessageType = "cancel_result"
	MsgEditorStatus    MessageType = "editor_status"
	MsgError           MessageType = "error"
)

// ResponseKind returns the envelope type a worker answers req with, and false
// for types that are not correlated requests.
func ResponseKind(req MessageType) (MessageType, bool) {
	switch req {
	case MsgExecute:
		return MsgResult, true
	case MsgSubmitJob:
		return MsgSubmitJobResult, true
	case MsgGetJobStatus:
		return MsgJobStatus, true
	case MsgCancel:
		return MsgCancelResult, true
	case MsgPing:
		return MsgPong, true
	default:
		return "", false
	}
}

// Mutating reports whether a request of this type may change worker state.
// Failures after such a request left the process cannot be assumed harmless.
func (t MessageType) Mutating() bool {
	switch t {
	case MsgExecute, MsgSubmitJob, MsgCancel:
		return true
	default:
		return false
	}
}

// Envelope is one frame on the bridge connection. Exactly one payload pointer
// is set, matching Type.
type Envelope struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocol_version"`
	RequestID       string      `json:"request_id,omitempty"`

	Hello           *HelloPayload           `json:"hello,omitempty"`
	Capability      *CapabilityPayload      `json:"capability,omitempty"`
	Pong            *PongPayload            `json:"pong,omitempty"`
	Execute         *ExecutePayload         `json:"execute,omitempty"`
	Result          *ResultPayload          `json:"result,omitempty"`
	SubmitJob       *SubmitJobPayload       `json:"submit_job,omitempty"`
	SubmitJobResult *SubmitJobResultPayload `json:"submit_job_result,omitempty"`
	GetJobStatus    *JobRefPayload          `json:"get_job_status,omitempty"`
	JobStatus       *JobStatusPayload       `json:"job_status,omitempty"`
	Cancel          *JobRefPayload          `json:"cancel,omitempty"`
	CancelResult    *CancelResultPayload    `json:"cancel_result,omitempty"`
	EditorStatus    *StatusPayload          `json:"editor_status,omitempty"`
	Error           *ErrorPayload           `json:"error,omitempty"`

	// ReadOnly marks an execute request that has no side effects on the
	// worker. It never goes on the wire.
	ReadOnly bool `json:"-"`
}

// Mutating reports whether sending e may change worker state.
func (e Envelope) Mutating() bool {
	return !e.ReadOnly && e.Type.Mutating()
}

// New returns an envelope of the given type stamped with ProtocolVersion.
func New(t MessageType, requestID string) Envelope {
	return Envelope{Type: t, ProtocolVersion: ProtocolVersion, RequestID: requestID}
}

// HelloPayload is the worker's handshake.
type HelloPayload struct {
	WorkerInstanceID string      `json:"worker_instance_id"`
	WorkerVersion    string      `json:"worker_version,omitempty"`
	State            WorkerState `json:"state"`
	Seq              uint64      `json:"seq"`
	Port             int         `json:"port,omitempty"`
}

// CapabilityPayload is the host's reply to the first hello on a connection.
type CapabilityPayload struct {
	HostVersion         string   `json:"host_version"`
	HeartbeatIntervalMS int64    `json:"heartbeat_interval_ms"`
	Features            []string `json:"features,omitempty"`
}

// PongPayload answers a ping. State and Seq are optional.
type PongPayload struct {
	State WorkerState `json:"state,omitempty"`
	Seq   *uint64     `json:"seq,omitempty"`
}

// ExecutePayload asks the worker to run a named tool synchronously.
type ExecutePayload struct {
	ToolName  string          `json:"tool_name"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

// Result status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ResultPayload answers an execute request.
type ResultPayload struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// SubmitJobPayload asks the worker to queue a long-running job.
type SubmitJobPayload struct {
	Kind      string `json:"kind"`
	Mode      string `json:"mode,omitempty"`
	Filter    string `json:"filter,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// SubmitJobResultPayload carries the id assigned to a submitted job.
type SubmitJobResultPayload struct {
	JobID string   `json:"job_id"`
	State JobState `json:"state"`
}

// JobRefPayload names a job for status and cancel requests.
type JobRefPayload struct {
	JobID string `json:"job_id"`
}

// JobStatusPayload reports a job's current state and last result.
type JobStatusPayload struct {
	JobID     string          `json:"job_id"`
	State     JobState        `json:"state"`
	Result    json.RawMessage `json:"result,omitempty"`
	UpdatedAt string          `json:"updated_at,omitempty"`
}

// CancelResultPayload reports the outcome of a cancel request.
type CancelResultPayload struct {
	JobID  string       `json:"job_id"`
	Status CancelStatus `json:"status"`
}

// StatusPayload is an unsolicited worker lifecycle update.
type StatusPayload struct {
	State WorkerState `json:"state"`
	Seq   uint64      `json:"seq"`
}

// ErrorPayload is the wire form of an Error.
type ErrorPayload struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Validate checks the fields every envelope must carry. A version mismatch is
// reported as CodeProtocolMismatch so the caller can reply before closing.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return Errorf(CodeInvalidResponse, "envelope missing type")
	}
	if e.ProtocolVersion != ProtocolVersion {
		return &Error{
			Code:    CodeProtocolMismatch,
			Message: fmt.Sprintf("protocol version %d not supported (want %d)", e.ProtocolVersion, ProtocolVersion),
			Details: map[string]any{"received": e.ProtocolVersion, "expected": ProtocolVersion},
		}
	}
	return nil
}

// Decode parses a single frame into an envelope and validates it.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, Errorf(CodeInvalidResponse, "malformed envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		return env, err
	}
	return env, nil
}

// Encode marshals an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// ErrorEnvelope builds an error reply for requestID.
func ErrorEnvelope(requestID string, err *Error) Envelope {
	env := New(MsgError, requestID)
	env.Error = err.Payload()
	return env
}
