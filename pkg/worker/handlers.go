package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"edbridge/pkg/protocol"
)

// ReadStateTool is the built-in read-only tool reporting the worker's view
// of itself.
const ReadStateTool = "read_state"

// Handler runs one tool. The returned value is marshalled as the result.
// Returning a *protocol.Error preserves its code in the reply.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Handle registers h under name, replacing any previous handler.
// read_state cannot be replaced.
func (a *Agent) Handle(name string, h Handler) error {
	if name == "" || h == nil {
		return protocol.Errorf(protocol.CodeInvalidParams, "handler needs a name and a function")
	}
	if name == ReadStateTool {
		return protocol.Errorf(protocol.CodeInvalidParams, "%s is built in", ReadStateTool)
	}
	a.mu.Lock()
	a.handlers[name] = h
	a.mu.Unlock()
	return nil
}

// Tools returns the registered tool names.
func (a *Agent) Tools() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.handlers))
	for name := range a.handlers {
		names = append(names, name)
	}
	return names
}

func callHandler(ctx context.Context, h Handler, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &protocol.Error{
				Code:    protocol.CodeExecutionFailed,
				Message: fmt.Sprintf("panic: %v", r),
				Details: map[string]any{"stack": string(debug.Stack())},
			}
		}
	}()
	return h(ctx, params)
}

// WorkerReport is the read_state result.
type WorkerReport struct {
	InstanceID string               `json:"worker_instance_id"`
	Version    string               `json:"worker_version"`
	State      protocol.WorkerState `json:"state"`
	Seq        uint64               `json:"seq"`
	Port       int                  `json:"port,omitempty"`
	Jobs       int                  `json:"jobs"`
	Tools      int                  `json:"tools"`
}

func (a *Agent) readState(_ context.Context, _ json.RawMessage) (any, error) {
	a.mu.Lock()
	report := WorkerReport{
		InstanceID: a.cfg.InstanceID,
		Version:    a.cfg.Version,
		State:      a.state,
		Seq:        a.seq,
		Port:       a.cfg.Port,
		Tools:      len(a.handlers),
	}
	a.mu.Unlock()
	if a.exec != nil {
		report.Jobs = a.exec.Len()
	}
	return report, nil
}
