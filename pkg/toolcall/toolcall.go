// Package toolcall exposes bridge operations as named tools. Every call
// returns a Result: a success payload, or an error rendered with its retry
// semantics so the caller can tell whether a retry is safe.
package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"edbridge/pkg/bridge"
	"edbridge/pkg/protocol"
)

// Backend is the set of bridge operations the tools drive. *bridge.Bridge
// implements it.
type Backend interface {
	ReadState(ctx context.Context) (bridge.StateReport, error)
	SyncCall(ctx context.Context, toolName string, params json.RawMessage, timeoutMS int64) (json.RawMessage, error)
	SubmitJob(ctx context.Context, req bridge.JobRequest) (bridge.JobHandle, error)
	PollJob(ctx context.Context, jobID string) (bridge.JobStatus, error)
	CancelJob(ctx context.Context, jobID string) (bridge.CancelResult, error)
	Status() bridge.Status
}

// Content is one text block of a result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the outcome of one tool call.
type Result struct {
	IsError           bool      `json:"isError,omitempty"`
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
}

// Tool describes one callable tool.
type Tool struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Required    []string `json:"required,omitempty"`
	Optional    []string `json:"optional,omitempty"`
}

type handler func(ctx context.Context, args json.RawMessage) (any, error)

// Dispatcher routes tool calls to a Backend.
type Dispatcher struct {
	backend Backend
	log     *zap.Logger
	tools   map[string]Tool
	funcs   map[string]handler
}

// New creates a dispatcher over backend.
func New(backend Backend, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		backend: backend,
		log:     logger,
		tools:   make(map[string]Tool),
		funcs:   make(map[string]handler),
	}
	d.register(Tool{Name: "read_state", Description: "Report bridge and worker state, read from the worker."}, d.readState)
	d.register(Tool{Name: "bridge_status", Description: "Report the host's local view without contacting the worker."}, d.bridgeStatus)
	d.register(Tool{
		Name:        "execute",
		Description: "Run a worker tool and wait for its result.",
		Required:    []string{"tool_name"},
		Optional:    []string{"params", "timeout_ms"},
	}, d.execute)
	d.register(Tool{
		Name:        "submit_job",
		Description: "Queue a test run on the worker and return its job id.",
		Optional:    []string{"kind", "mode", "filter", "timeout_ms"},
	}, d.submitJob)
	d.register(Tool{Name: "get_job_status", Description: "Poll a submitted job.", Required: []string{"job_id"}}, d.getJobStatus)
	d.register(Tool{Name: "cancel_job", Description: "Cancel a queued or running job.", Required: []string{"job_id"}}, d.cancelJob)
	return d
}

func (d *Dispatcher) register(t Tool, h handler) {
	d.tools[t.Name] = t
	d.funcs[t.Name] = h
}

// Catalog lists the tools sorted by name.
func (d *Dispatcher) Catalog() []Tool {
	out := make([]Tool, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call runs the named tool with args, a JSON object or empty.
func (d *Dispatcher) Call(ctx context.Context, name string, args json.RawMessage) Result {
	h, ok := d.funcs[name]
	if !ok {
		return ErrorResult(&protocol.Error{
			Code:    protocol.CodeUnknownTool,
			Message: fmt.Sprintf("unknown tool %q", name),
			Details: map[string]any{"tool": name},
		})
	}
	v, err := h(ctx, args)
	if err != nil {
		d.log.Debug("tool call failed", zap.String("tool", name), zap.Error(err))
		return ErrorResult(err)
	}
	return SuccessResult(v)
}

// SuccessResult renders v as structured content plus its JSON text.
func SuccessResult(v any) Result {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrorResult(protocol.Errorf(protocol.CodeInternal, "marshal result: %v", err))
	}
	return Result{Content: []Content{{Type: "text", Text: string(data)}}, StructuredContent: v}
}

// ErrorResult renders err with its retry semantics.
func ErrorResult(err error) Result {
	desc := protocol.Describe(err)
	return Result{
		IsError:           true,
		Content:           []Content{{Type: "text", Text: fmt.Sprintf("%s: %s", desc.Code, desc.Message)}},
		StructuredContent: desc,
	}
}

// decodeArgs strictly decodes args into v. Unknown fields and non-object
// input are invalid_params.
func decodeArgs(args json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return protocol.Errorf(protocol.CodeInvalidParams, "invalid arguments: %v", err)
	}
	if dec.More() {
		return protocol.Errorf(protocol.CodeInvalidParams, "invalid arguments: trailing data")
	}
	return nil
}

func (d *Dispatcher) readState(ctx context.Context, args json.RawMessage) (any, error) {
	if err := decodeArgs(args, &struct{}{}); err != nil {
		return nil, err
	}
	return d.backend.ReadState(ctx)
}

func (d *Dispatcher) bridgeStatus(_ context.Context, args json.RawMessage) (any, error) {
	if err := decodeArgs(args, &struct{}{}); err != nil {
		return nil, err
	}
	return d.backend.Status(), nil
}

type executeArgs struct {
	ToolName  string          `json:"tool_name"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

func (d *Dispatcher) execute(ctx context.Context, args json.RawMessage) (any, error) {
	var a executeArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.ToolName == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "tool_name is required")
	}
	out, err := d.backend.SyncCall(ctx, a.ToolName, a.Params, a.TimeoutMS)
	if err != nil {
		return nil, err
	}
	return map[string]json.RawMessage{"result": out}, nil
}

func (d *Dispatcher) submitJob(ctx context.Context, args json.RawMessage) (any, error) {
	var req bridge.JobRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return d.backend.SubmitJob(ctx, req)
}

type jobArgs struct {
	JobID string `json:"job_id"`
}

func (a jobArgs) validate() error {
	if a.JobID == "" {
		return protocol.Errorf(protocol.CodeInvalidParams, "job_id is required")
	}
	return nil
}

func (d *Dispatcher) getJobStatus(ctx context.Context, args json.RawMessage) (any, error) {
	var a jobArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return d.backend.PollJob(ctx, a.JobID)
}

func (d *Dispatcher) cancelJob(ctx context.Context, args json.RawMessage) (any, error) {
	var a jobArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return d.backend.CancelJob(ctx, a.JobID)
}
