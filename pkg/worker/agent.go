// Package worker implements the worker side of the bridge: an agent that
// answers host requests over one connection, and a reconnect manager that
// keeps that connection alive across host restarts and port changes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edbridge/internal/appversion"
	"edbridge/pkg/jobs"
	"edbridge/pkg/protocol"
	"edbridge/pkg/transport"
)

// replyTimeout bounds a single reply frame.
const replyTimeout = 5 * time.Second

// AgentConfig identifies the worker to the host.
type AgentConfig struct {
	// InstanceID is stable for the life of the worker process so a
	// reconnect supersedes the old connection instead of being rejected.
	InstanceID string
	Version    string
	// Port is reported in hello for diagnostics.
	Port int
}

// Agent answers host requests on whichever connection the reconnect
// manager hands it.
type Agent struct {
	cfg  AgentConfig
	exec *jobs.Executor
	log  *zap.Logger

	mu         sync.Mutex
	handlers   map[string]Handler
	state      protocol.WorkerState
	seq        uint64
	conn       transport.Conn
	capability *protocol.CapabilityPayload

	calls sync.WaitGroup
}

// NewAgent creates an agent routing job envelopes to exec. The agent starts
// in state unknown; call SetState once the editor is usable.
func NewAgent(cfg AgentConfig, exec *jobs.Executor, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Version == "" {
		cfg.Version = appversion.String()
	}
	a := &Agent{
		cfg:      cfg,
		exec:     exec,
		log:      logger.With(zap.String("worker", cfg.InstanceID)),
		handlers: make(map[string]Handler),
		state:    protocol.WorkerUnknown,
	}
	a.handlers[ReadStateTool] = a.readState
	return a
}

// InstanceID returns the id sent in hello.
func (a *Agent) InstanceID() string { return a.cfg.InstanceID }

// SetPort updates the port reported in the next hello.
func (a *Agent) SetPort(port int) {
	a.mu.Lock()
	a.cfg.Port = port
	a.mu.Unlock()
}

// State returns the current state and its sequence number.
func (a *Agent) State() (protocol.WorkerState, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.seq
}

// Capability returns the host capability from the current connection.
func (a *Agent) Capability() (protocol.CapabilityPayload, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.capability == nil {
		return protocol.CapabilityPayload{}, false
	}
	return *a.capability, true
}

// SetState records a lifecycle change under a fresh sequence number and
// reports it to the host if connected. A disconnected agent reports the
// state in its next hello instead.
func (a *Agent) SetState(ctx context.Context, state protocol.WorkerState) error {
	if _, err := protocol.ParseWorkerState(string(state)); err != nil {
		return err
	}
	a.mu.Lock()
	a.seq++
	a.state = state
	seq, conn := a.seq, a.conn
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	env := protocol.New(protocol.MsgEditorStatus, "")
	env.EditorStatus = &protocol.StatusPayload{State: state, Seq: seq}
	if err := conn.Send(ctx, env); err != nil {
		return fmt.Errorf("send editor status: %w", err)
	}
	return nil
}

// Serve says hello on conn and answers host frames until conn closes or ctx
// is cancelled. It satisfies ServeFunc.
func (a *Agent) Serve(ctx context.Context, conn transport.Conn) error {
	a.mu.Lock()
	a.capability = nil
	hello := protocol.New(protocol.MsgHello, "")
	hello.Hello = &protocol.HelloPayload{
		WorkerInstanceID: a.cfg.InstanceID,
		WorkerVersion:    a.cfg.Version,
		State:            a.state,
		Seq:              a.seq,
		Port:             a.cfg.Port,
	}
	a.mu.Unlock()

	// conn is published only after hello: the host closes a connection whose
	// first frame is anything else.
	if err := conn.Send(ctx, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	state, seq := a.state, a.seq
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
	}()

	if seq != hello.Hello.Seq {
		// A state change landed while hello was in flight.
		env := protocol.New(protocol.MsgEditorStatus, "")
		env.EditorStatus = &protocol.StatusPayload{State: state, Seq: seq}
		if err := conn.Send(ctx, env); err != nil {
			return fmt.Errorf("send editor status: %w", err)
		}
	}

	for {
		data, err := conn.Recv(ctx)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			return a.rejectFrame(conn, err)
		}
		a.handle(ctx, conn, env)
	}
}

// Wait blocks until in-flight tool calls have replied.
func (a *Agent) Wait() { a.calls.Wait() }

// rejectFrame answers a protocol violation. The caller closes conn.
func (a *Agent) rejectFrame(conn transport.Conn, err error) error {
	pe, ok := protocol.AsError(err)
	if ok && pe.Code == protocol.CodeProtocolMismatch {
		a.log.Warn("host protocol mismatch", zap.Error(err))
		a.reply(conn, protocol.ErrorEnvelope("", pe))
	}
	return fmt.Errorf("bad frame from host: %w", err)
}

func (a *Agent) handle(ctx context.Context, conn transport.Conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.MsgCapability:
		if env.Capability == nil {
			return
		}
		a.mu.Lock()
		c := *env.Capability
		a.capability = &c
		a.mu.Unlock()
		a.log.Info("host accepted connection",
			zap.String("host_version", c.HostVersion), zap.Int64("heartbeat_interval_ms", c.HeartbeatIntervalMS))
	case protocol.MsgPing:
		state, seq := a.State()
		pong := protocol.New(protocol.MsgPong, env.RequestID)
		pong.Pong = &protocol.PongPayload{State: state, Seq: &seq}
		a.reply(conn, pong)
	case protocol.MsgExecute:
		a.calls.Add(1)
		go func() {
			defer a.calls.Done()
			a.reply(conn, a.execute(ctx, env))
		}()
	case protocol.MsgSubmitJob:
		a.reply(conn, a.submitJob(env))
	case protocol.MsgGetJobStatus:
		a.reply(conn, a.jobStatus(env))
	case protocol.MsgCancel:
		a.reply(conn, a.cancelJob(env))
	case protocol.MsgError:
		if env.Error != nil {
			a.log.Warn("host reported error",
				zap.String("code", string(env.Error.Code)), zap.String("message", env.Error.Message))
		}
	default:
		a.log.Debug("ignoring frame", zap.String("type", string(env.Type)))
	}
}

func (a *Agent) reply(conn transport.Conn, env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	if err := conn.Send(ctx, env); err != nil {
		a.log.Debug("reply failed", zap.String("type", string(env.Type)), zap.String("request_id", env.RequestID), zap.Error(err))
	}
}

func (a *Agent) execute(ctx context.Context, req protocol.Envelope) protocol.Envelope {
	p := req.Execute
	if p == nil {
		return errorReply(req, protocol.Errorf(protocol.CodeInvalidParams, "execute without payload"))
	}
	a.mu.Lock()
	h, ok := a.handlers[p.ToolName]
	a.mu.Unlock()
	if !ok {
		return errorReply(req, &protocol.Error{
			Code:    protocol.CodeUnknownTool,
			Message: fmt.Sprintf("unknown tool %q", p.ToolName),
			Details: map[string]any{"tool_name": p.ToolName},
		})
	}

	if p.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	result, err := callHandler(ctx, h, p.Params)

	resp := protocol.New(protocol.MsgResult, req.RequestID)
	if err != nil {
		pe, ok := protocol.AsError(err)
		if !ok {
			pe = &protocol.Error{Code: protocol.CodeExecutionFailed, Message: err.Error()}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			pe = &protocol.Error{Code: protocol.CodeRequestTimeout, Message: "tool timed out"}
		}
		resp.Result = &protocol.ResultPayload{Status: protocol.StatusError, Error: pe.Payload()}
		return resp
	}
	data, err := json.Marshal(result)
	if err != nil {
		resp.Result = &protocol.ResultPayload{
			Status: protocol.StatusError,
			Error:  protocol.Errorf(protocol.CodeInternal, "marshal result: %v", err).Payload(),
		}
		return resp
	}
	resp.Result = &protocol.ResultPayload{Status: protocol.StatusOK, Result: data}
	return resp
}

func (a *Agent) submitJob(req protocol.Envelope) protocol.Envelope {
	p := req.SubmitJob
	if p == nil {
		return errorReply(req, protocol.Errorf(protocol.CodeInvalidParams, "submit_job without payload"))
	}
	if a.exec == nil {
		return errorReply(req, protocol.Errorf(protocol.CodeInternal, "this worker does not run jobs"))
	}
	snap, err := a.exec.Submit(jobs.Spec{
		Kind:    p.Kind,
		Mode:    p.Mode,
		Filter:  p.Filter,
		Timeout: time.Duration(p.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return errorReply(req, err)
	}
	resp := protocol.New(protocol.MsgSubmitJobResult, req.RequestID)
	resp.SubmitJobResult = &protocol.SubmitJobResultPayload{JobID: snap.ID, State: snap.State}
	return resp
}

func (a *Agent) jobStatus(req protocol.Envelope) protocol.Envelope {
	p := req.GetJobStatus
	if p == nil || p.JobID == "" {
		return errorReply(req, protocol.Errorf(protocol.CodeInvalidParams, "get_job_status requires job_id"))
	}
	if a.exec == nil {
		return errorReply(req, protocol.Errorf(protocol.CodeInternal, "this worker does not run jobs"))
	}
	snap, err := a.exec.Status(p.JobID)
	if err != nil {
		return errorReply(req, err)
	}
	resp := protocol.New(protocol.MsgJobStatus, req.RequestID)
	resp.JobStatus = &protocol.JobStatusPayload{
		JobID:     snap.ID,
		State:     snap.State,
		Result:    snap.Result,
		UpdatedAt: snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	return resp
}

func (a *Agent) cancelJob(req protocol.Envelope) protocol.Envelope {
	p := req.Cancel
	if p == nil || p.JobID == "" {
		return errorReply(req, protocol.Errorf(protocol.CodeInvalidParams, "cancel requires job_id"))
	}
	if a.exec == nil {
		return errorReply(req, protocol.Errorf(protocol.CodeInternal, "this worker does not run jobs"))
	}
	status, err := a.exec.Cancel(p.JobID)
	if err != nil {
		return errorReply(req, err)
	}
	resp := protocol.New(protocol.MsgCancelResult, req.RequestID)
	resp.CancelResult = &protocol.CancelResultPayload{JobID: p.JobID, Status: status}
	return resp
}

func errorReply(req protocol.Envelope, err error) protocol.Envelope {
	pe, ok := protocol.AsError(err)
	if !ok {
		pe = &protocol.Error{Code: protocol.CodeInternal, Message: err.Error()}
	}
	return protocol.ErrorEnvelope(req.RequestID, pe)
}
