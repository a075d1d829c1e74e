package toolcall_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"edbridge/pkg/bridge"
	"edbridge/pkg/protocol"
	"edbridge/pkg/toolcall"
)

// fakeBackend records calls and answers from canned values.
type fakeBackend struct {
	lastTool    string
	lastParams  string
	lastTimeout int64
	lastJob     bridge.JobRequest
	syncErr     error
	status      bridge.Status
}

func (f *fakeBackend) ReadState(context.Context) (bridge.StateReport, error) {
	return bridge.StateReport{Bridge: f.status.Snapshot, Worker: json.RawMessage(`{"state":"ready"}`)}, nil
}

func (f *fakeBackend) SyncCall(_ context.Context, tool string, params json.RawMessage, timeoutMS int64) (json.RawMessage, error) {
	f.lastTool, f.lastParams, f.lastTimeout = tool, string(params), timeoutMS
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeBackend) SubmitJob(_ context.Context, req bridge.JobRequest) (bridge.JobHandle, error) {
	f.lastJob = req
	return bridge.JobHandle{JobID: "job-1", State: protocol.JobQueued}, nil
}

func (f *fakeBackend) PollJob(_ context.Context, id string) (bridge.JobStatus, error) {
	if id != "job-1" {
		return bridge.JobStatus{}, &protocol.Error{Code: protocol.CodeJobNotFound, Message: "job not found"}
	}
	return bridge.JobStatus{JobID: id, State: protocol.JobRunning}, nil
}

func (f *fakeBackend) CancelJob(_ context.Context, id string) (bridge.CancelResult, error) {
	return bridge.CancelResult{JobID: id, Status: protocol.CancelRequested}, nil
}

func (f *fakeBackend) Status() bridge.Status { return f.status }

// decodeStructured round-trips a result's structured content through JSON.
func decodeStructured(t *testing.T, r toolcall.Result, v any) {
	t.Helper()
	data, err := json.Marshal(r.StructuredContent)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal structured content: %v", err)
	}
}

func TestCatalog_ListsEveryTool(t *testing.T) {
	t.Parallel()

	d := toolcall.New(&fakeBackend{}, nil)
	var names []string
	for _, tool := range d.Catalog() {
		names = append(names, tool.Name)
	}
	want := "bridge_status,cancel_job,execute,get_job_status,read_state,submit_job"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("catalog = %s, want %s", got, want)
	}
}

func TestCall_Execute(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{}
	d := toolcall.New(fb, nil)
	r := d.Call(context.Background(), "execute", json.RawMessage(`{"tool_name":"spawn","params":{"n":2},"timeout_ms":500}`))
	if r.IsError {
		t.Fatalf("unexpected error: %+v", r)
	}
	if fb.lastTool != "spawn" || fb.lastParams != `{"n":2}` || fb.lastTimeout != 500 {
		t.Errorf("backend saw %s %s %d", fb.lastTool, fb.lastParams, fb.lastTimeout)
	}
	if len(r.Content) != 1 || r.Content[0].Type != "text" || r.Content[0].Text != `{"result":{"ok":true}}` {
		t.Errorf("content = %+v", r.Content)
	}
}

func TestCall_ArgumentValidation(t *testing.T) {
	t.Parallel()

	d := toolcall.New(&fakeBackend{}, nil)
	tests := []struct {
		tool string
		args string
	}{
		{"execute", `{}`},
		{"execute", `{"tool_name":"x","bogus":1}`},
		{"execute", `[1,2]`},
		{"get_job_status", ``},
		{"cancel_job", `{"job_id":""}`},
		{"read_state", `{"verbose":true}`},
		{"submit_job", `{"mode":"edit"} {"mode":"play"}`},
	}
	for _, tt := range tests {
		r := d.Call(context.Background(), tt.tool, json.RawMessage(tt.args))
		if !r.IsError {
			t.Errorf("%s(%s): expected error", tt.tool, tt.args)
			continue
		}
		var desc protocol.Description
		decodeStructured(t, r, &desc)
		if desc.Code != protocol.CodeInvalidParams || desc.Retryable {
			t.Errorf("%s(%s): %+v", tt.tool, tt.args, desc)
		}
		if desc.Details["recovery_action"] != string(protocol.RecoveryFixRequest) {
			t.Errorf("%s(%s): recovery = %v", tt.tool, tt.args, desc.Details["recovery_action"])
		}
	}
}

func TestCall_UnknownTool(t *testing.T) {
	t.Parallel()

	r := toolcall.New(&fakeBackend{}, nil).Call(context.Background(), "reboot", nil)
	var desc protocol.Description
	decodeStructured(t, r, &desc)
	if !r.IsError || desc.Code != protocol.CodeUnknownTool {
		t.Errorf("result = %+v", r)
	}
	if !strings.HasPrefix(r.Content[0].Text, "unknown_tool:") {
		t.Errorf("text = %q", r.Content[0].Text)
	}
}

func TestCall_ErrorSemantics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		err           error
		wantRetryable bool
		wantGuarantee protocol.ExecutionGuarantee
	}{
		{
			name:          "disconnected before send",
			err:           protocol.ReclassifyForStage(protocol.Errorf(protocol.CodeWorkerDisconnected, "gone"), protocol.StageBeforeSend, protocol.MsgExecute),
			wantRetryable: true,
			wantGuarantee: protocol.NotExecuted,
		},
		{
			name:          "disconnected after send",
			err:           protocol.ReclassifyForStage(protocol.Errorf(protocol.CodeWorkerDisconnected, "gone"), protocol.StageAfterSend, protocol.MsgExecute),
			wantRetryable: false,
			wantGuarantee: protocol.ExecutionUnknown,
		},
		{
			name:          "queue full",
			err:           protocol.Errorf(protocol.CodeQueueFull, "busy"),
			wantRetryable: true,
			wantGuarantee: protocol.NotExecuted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := toolcall.New(&fakeBackend{syncErr: tt.err}, nil)
			r := d.Call(context.Background(), "execute", json.RawMessage(`{"tool_name":"spawn"}`))
			var desc protocol.Description
			decodeStructured(t, r, &desc)
			if !r.IsError || desc.Retryable != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v (%+v)", desc.Retryable, tt.wantRetryable, desc)
			}
			if desc.Details["execution_guarantee"] != string(tt.wantGuarantee) {
				t.Errorf("guarantee = %v, want %s", desc.Details["execution_guarantee"], tt.wantGuarantee)
			}
		})
	}
}

func TestCall_JobTools(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{}
	d := toolcall.New(fb, nil)

	r := d.Call(context.Background(), "submit_job", json.RawMessage(`{"mode":"all","filter":"Physics","timeout_ms":1000}`))
	var handle bridge.JobHandle
	decodeStructured(t, r, &handle)
	if r.IsError || handle.JobID != "job-1" {
		t.Fatalf("submit = %+v", r)
	}
	if fb.lastJob.Mode != "all" || fb.lastJob.Filter != "Physics" || fb.lastJob.TimeoutMS != 1000 {
		t.Errorf("backend saw %+v", fb.lastJob)
	}

	r = d.Call(context.Background(), "get_job_status", json.RawMessage(`{"job_id":"job-1"}`))
	var status bridge.JobStatus
	decodeStructured(t, r, &status)
	if r.IsError || status.State != protocol.JobRunning {
		t.Errorf("status = %+v", r)
	}

	r = d.Call(context.Background(), "get_job_status", json.RawMessage(`{"job_id":"job-2"}`))
	var desc protocol.Description
	decodeStructured(t, r, &desc)
	if !r.IsError || desc.Code != protocol.CodeJobNotFound {
		t.Errorf("missing job = %+v", r)
	}

	r = d.Call(context.Background(), "cancel_job", json.RawMessage(`{"job_id":"job-1"}`))
	var cancel bridge.CancelResult
	decodeStructured(t, r, &cancel)
	if r.IsError || cancel.Status != protocol.CancelRequested {
		t.Errorf("cancel = %+v", r)
	}
}

func TestCall_StatusTools(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{status: bridge.Status{Snapshot: bridge.Snapshot{BridgeState: protocol.BridgeReady, Connected: true}, Queued: 2}}
	d := toolcall.New(fb, nil)

	r := d.Call(context.Background(), "bridge_status", nil)
	var st bridge.Status
	decodeStructured(t, r, &st)
	if r.IsError || st.BridgeState != protocol.BridgeReady || st.Queued != 2 {
		t.Errorf("bridge_status = %+v", r)
	}

	r = d.Call(context.Background(), "read_state", json.RawMessage(`null`))
	var report bridge.StateReport
	decodeStructured(t, r, &report)
	if r.IsError || string(report.Worker) != `{"state":"ready"}` {
		t.Errorf("read_state = %+v", r)
	}
}
