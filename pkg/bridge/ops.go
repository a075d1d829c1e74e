package bridge

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"edbridge/pkg/eventlog"
	"edbridge/pkg/protocol"
)

// ReadStateTool is the read-only worker tool behind ReadState.
const ReadStateTool = "read_state"

// StateReport combines the host's view with the worker's own state report.
type StateReport struct {
	Bridge Snapshot        `json:"bridge"`
	Worker json.RawMessage `json:"worker,omitempty"`
}

// JobRequest describes a job to submit to the worker.
type JobRequest struct {
	Kind      string `json:"kind"`
	Mode      string `json:"mode"`
	Filter    string `json:"filter,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// JobHandle identifies a submitted job.
type JobHandle struct {
	JobID string            `json:"job_id"`
	State protocol.JobState `json:"state"`
}

// JobStatus is a job's state as last reported by the worker.
type JobStatus struct {
	JobID     string            `json:"job_id"`
	State     protocol.JobState `json:"state"`
	Result    json.RawMessage   `json:"result,omitempty"`
	UpdatedAt string            `json:"updated_at,omitempty"`
}

// CancelResult is the worker's answer to a cancel request.
type CancelResult struct {
	JobID  string                `json:"job_id"`
	Status protocol.CancelStatus `json:"status"`
}

// ReadState asks the worker for its state report. It is read-only: a
// disconnect after the send stays retryable.
func (b *Bridge) ReadState(ctx context.Context) (StateReport, error) {
	env := protocol.New(protocol.MsgExecute, b.newID())
	env.ReadOnly = true
	env.Execute = &protocol.ExecutePayload{ToolName: ReadStateTool, TimeoutMS: b.cfg.RequestTimeout.Milliseconds()}

	resp, err := b.roundTrip(ctx, env, b.cfg.RequestTimeout)
	if err != nil {
		return StateReport{}, err
	}
	result, err := executeResult(resp)
	if err != nil {
		return StateReport{}, err
	}
	return StateReport{Bridge: b.state.Snapshot(), Worker: result}, nil
}

// SyncCall runs toolName on the worker and waits for its result. A zero
// timeout uses the configured request timeout.
func (b *Bridge) SyncCall(ctx context.Context, toolName string, params json.RawMessage, timeoutMS int64) (json.RawMessage, error) {
	if toolName == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "tool_name is required")
	}
	timeout, err := b.requestTimeout(timeoutMS)
	if err != nil {
		return nil, err
	}
	env := protocol.New(protocol.MsgExecute, b.newID())
	env.Execute = &protocol.ExecutePayload{ToolName: toolName, Params: params, TimeoutMS: timeout.Milliseconds()}

	resp, err := b.roundTrip(ctx, env, timeout)
	if err != nil {
		return nil, err
	}
	return executeResult(resp)
}

// SubmitJob queues a job on the worker and returns its id without waiting
// for it to run.
func (b *Bridge) SubmitJob(ctx context.Context, req JobRequest) (JobHandle, error) {
	if req.Kind == "" {
		req.Kind = protocol.JobKindRunTests
	}
	if req.Kind != protocol.JobKindRunTests {
		return JobHandle{}, protocol.Errorf(protocol.CodeInvalidParams, "unsupported job kind %q", req.Kind)
	}
	if req.Mode == "" {
		req.Mode = protocol.ModeEdit
	}
	if err := protocol.ValidateMode(req.Mode); err != nil {
		return JobHandle{}, err
	}
	if req.TimeoutMS < 0 {
		return JobHandle{}, protocol.Errorf(protocol.CodeInvalidParams, "timeout_ms must not be negative")
	}

	env := protocol.New(protocol.MsgSubmitJob, b.newID())
	env.SubmitJob = &protocol.SubmitJobPayload{Kind: req.Kind, Mode: req.Mode, Filter: req.Filter, TimeoutMS: req.TimeoutMS}

	resp, err := b.roundTrip(ctx, env, b.cfg.RequestTimeout)
	if err != nil {
		return JobHandle{}, err
	}
	p := resp.SubmitJobResult
	if p == nil || p.JobID == "" {
		return JobHandle{}, invalidResponse(resp, "submit_job_result without job_id")
	}
	state, err := protocol.ParseJobState(string(p.State))
	if err != nil {
		return JobHandle{}, err
	}
	return JobHandle{JobID: p.JobID, State: state}, nil
}

// PollJob fetches a job's current status.
func (b *Bridge) PollJob(ctx context.Context, jobID string) (JobStatus, error) {
	if jobID == "" {
		return JobStatus{}, protocol.Errorf(protocol.CodeInvalidParams, "job_id is required")
	}
	env := protocol.New(protocol.MsgGetJobStatus, b.newID())
	env.GetJobStatus = &protocol.JobRefPayload{JobID: jobID}

	resp, err := b.roundTrip(ctx, env, b.cfg.RequestTimeout)
	if err != nil {
		return JobStatus{}, err
	}
	p := resp.JobStatus
	if p == nil {
		return JobStatus{}, invalidResponse(resp, "job_status without payload")
	}
	state, err := protocol.ParseJobState(string(p.State))
	if err != nil {
		return JobStatus{}, err
	}
	return JobStatus{JobID: p.JobID, State: state, Result: p.Result, UpdatedAt: p.UpdatedAt}, nil
}

// CancelJob asks the worker to cancel a job. A terminal job yields status
// "rejected", not an error.
func (b *Bridge) CancelJob(ctx context.Context, jobID string) (CancelResult, error) {
	if jobID == "" {
		return CancelResult{}, protocol.Errorf(protocol.CodeInvalidParams, "job_id is required")
	}
	env := protocol.New(protocol.MsgCancel, b.newID())
	env.Cancel = &protocol.JobRefPayload{JobID: jobID}

	resp, err := b.roundTrip(ctx, env, b.cfg.RequestTimeout)
	if err != nil {
		return CancelResult{}, err
	}
	p := resp.CancelResult
	if p == nil {
		return CancelResult{}, invalidResponse(resp, "cancel_result without payload")
	}
	status, err := protocol.ParseCancelStatus(string(p.Status))
	if err != nil {
		return CancelResult{}, err
	}
	return CancelResult{JobID: p.JobID, Status: status}, nil
}

func (b *Bridge) requestTimeout(timeoutMS int64) (time.Duration, error) {
	switch {
	case timeoutMS < 0:
		return 0, protocol.Errorf(protocol.CodeInvalidParams, "timeout_ms must not be negative")
	case timeoutMS == 0:
		return b.cfg.RequestTimeout, nil
	}
	timeout := time.Duration(timeoutMS) * time.Millisecond
	if timeout > b.cfg.MaxRequestTimeout {
		return 0, &protocol.Error{
			Code:    protocol.CodeInvalidParams,
			Message: "timeout_ms exceeds the maximum request timeout",
			Details: map[string]any{"max_timeout_ms": b.cfg.MaxRequestTimeout.Milliseconds()},
		}
	}
	return timeout, nil
}

// roundTrip admits env through the scheduler and dispatches it.
func (b *Bridge) roundTrip(ctx context.Context, env protocol.Envelope, timeout time.Duration) (protocol.Envelope, error) {
	var resp protocol.Envelope
	err := b.sched.Do(ctx, func(ctx context.Context) error {
		r, err := b.dispatch(ctx, env, timeout)
		resp = r
		return err
	})
	if err != nil {
		code := protocol.CodeOf(err)
		b.log.Debug("bridge request failed",
			zap.String("type", string(env.Type)), zap.String("request_id", env.RequestID), zap.String("code", string(code)))
		b.record(eventlog.TypeRequestFailed, "", "",
			map[string]any{"type": env.Type, "request_id": env.RequestID, "code": code})
		return protocol.Envelope{}, err
	}
	return resp, nil
}

// dispatch waits for a ready worker, sends env and waits for its response.
// Every failure is classified by whether it happened before or after the
// frame left the process.
func (b *Bridge) dispatch(ctx context.Context, env protocol.Envelope, timeout time.Duration) (protocol.Envelope, error) {
	if !b.state.WaitUntilWorkerReady(ctx, b.cfg.ReadyWait) {
		if ctx.Err() != nil {
			return protocol.Envelope{}, protocol.ReclassifyEnvelope(
				protocol.Errorf(protocol.CodeRequestCancelled, "cancelled while waiting for worker: %v", ctx.Err()),
				protocol.StageBeforeSend, env)
		}
		snap := b.state.Snapshot()
		return protocol.Envelope{}, protocol.ReclassifyEnvelope(&protocol.Error{
			Code:    protocol.CodeWorkerNotReady,
			Message: "worker not ready within " + b.cfg.ReadyWait.String(),
			Details: map[string]any{
				"bridge_state":   string(snap.BridgeState),
				"worker_state":   string(snap.WorkerState),
				"waiting_reason": string(snap.WaitingReason),
			},
		}, protocol.StageBeforeSend, env)
	}

	conn := b.registry.Active()
	if conn == nil {
		return protocol.Envelope{}, protocol.ReclassifyEnvelope(
			protocol.Errorf(protocol.CodeWorkerDisconnected, "no active worker connection"),
			protocol.StageBeforeSend, env)
	}

	expected, ok := protocol.ResponseKind(env.Type)
	if !ok {
		return protocol.Envelope{}, protocol.Errorf(protocol.CodeInternal, "%s is not a request type", env.Type)
	}
	pending, err := b.table.Register(env.RequestID, conn.ID(), expected, timeout)
	if err != nil {
		return protocol.Envelope{}, protocol.ReclassifyEnvelope(err, protocol.StageBeforeSend, env)
	}

	if err := conn.Send(ctx, env); err != nil {
		b.table.Remove(env.RequestID)
		if ctx.Err() != nil {
			return protocol.Envelope{}, protocol.ReclassifyEnvelope(
				protocol.Errorf(protocol.CodeRequestCancelled, "cancelled before send: %v", ctx.Err()),
				protocol.StageBeforeSend, env)
		}
		return protocol.Envelope{}, protocol.ReclassifyEnvelope(
			protocol.Errorf(protocol.CodeWorkerDisconnected, "send failed: %v", err),
			protocol.StageBeforeSend, env)
	}

	resp, err := pending.Wait(ctx)
	if err != nil {
		return protocol.Envelope{}, protocol.ReclassifyEnvelope(err, protocol.StageAfterSend, env)
	}
	return resp, nil
}

// executeResult unwraps a result envelope. A non-ok status becomes an
// execution_failed error carrying the full response.
func executeResult(resp protocol.Envelope) (json.RawMessage, error) {
	r := resp.Result
	if r == nil {
		return nil, invalidResponse(resp, "result without payload")
	}
	switch r.Status {
	case protocol.StatusOK:
		return r.Result, nil
	case protocol.StatusError:
		pe := &protocol.Error{
			Code:    protocol.CodeExecutionFailed,
			Message: "worker reported failure",
			Details: map[string]any{"response": r},
		}
		if r.Error != nil {
			if r.Error.Message != "" {
				pe.Message = r.Error.Message
			}
			if r.Error.Code != "" {
				pe.Details["worker_code"] = string(r.Error.Code)
			}
		}
		return nil, pe
	default:
		return nil, invalidResponse(resp, "unknown result status "+r.Status)
	}
}

func invalidResponse(resp protocol.Envelope, msg string) *protocol.Error {
	return &protocol.Error{
		Code:    protocol.CodeInvalidResponse,
		Message: msg,
		Details: map[string]any{"request_id": resp.RequestID, "type": string(resp.Type)},
	}
}
