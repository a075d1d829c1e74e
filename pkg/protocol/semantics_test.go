package protocol_test

import (
	"testing"

	"edbridge/pkg/protocol"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      protocol.Code
		retryable bool
		guarantee protocol.ExecutionGuarantee
		action    protocol.RecoveryAction
	}{
		{protocol.CodeWorkerNotReady, true, protocol.NotExecuted, protocol.RecoveryRetryAllowed},
		{protocol.CodeDispatchTimeout, true, protocol.NotExecuted, protocol.RecoveryRetryAllowed},
		{protocol.CodeWorkerDisconnected, true, protocol.NotExecuted, protocol.RecoveryRetryAllowed},
		{protocol.CodeQueueFull, true, protocol.NotExecuted, protocol.RecoveryRetryAllowed},
		{protocol.CodeReconnectTimeout, false, protocol.ExecutionUnknown, protocol.RecoveryInspectThenRetry},
		{protocol.CodeRequestTimeout, false, protocol.ExecutionUnknown, protocol.RecoveryInspectThenRetry},
		{protocol.CodeInvalidParams, false, protocol.NotExecuted, protocol.RecoveryFixRequest},
		{protocol.CodeExecutionFailed, false, protocol.ExecutionUnknown, protocol.RecoveryInspectThenRetry},
		{protocol.Code("something_new"), false, protocol.ExecutionUnknown, protocol.RecoveryInspectThenRetry},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()
			sem := protocol.Classify(tt.code)
			if sem.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", sem.Retryable, tt.retryable)
			}
			if sem.ExecutionGuarantee != tt.guarantee {
				t.Errorf("guarantee = %q, want %q", sem.ExecutionGuarantee, tt.guarantee)
			}
			if sem.RecoveryAction != tt.action {
				t.Errorf("action = %q, want %q", sem.RecoveryAction, tt.action)
			}
		})
	}
}

func TestReclassifyForStage(t *testing.T) {
	t.Parallel()

	disconnected := protocol.Errorf(protocol.CodeWorkerDisconnected, "connection closed")

	tests := []struct {
		name  string
		stage protocol.Stage
		kind  protocol.MessageType
		want  protocol.Code
	}{
		{"before send stays disconnected", protocol.StageBeforeSend, protocol.MsgExecute, protocol.CodeWorkerDisconnected},
		{"after send execute upgrades", protocol.StageAfterSend, protocol.MsgExecute, protocol.CodeReconnectTimeout},
		{"after send submit upgrades", protocol.StageAfterSend, protocol.MsgSubmitJob, protocol.CodeReconnectTimeout},
		{"after send cancel upgrades", protocol.StageAfterSend, protocol.MsgCancel, protocol.CodeReconnectTimeout},
		{"after send read stays disconnected", protocol.StageAfterSend, protocol.MsgGetJobStatus, protocol.CodeWorkerDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := protocol.ReclassifyForStage(disconnected, tt.stage, tt.kind)
			if code := protocol.CodeOf(got); code != tt.want {
				t.Fatalf("code = %q, want %q", code, tt.want)
			}
			pe, _ := protocol.AsError(got)
			if pe.Details["dispatch_stage"] != string(tt.stage) {
				t.Errorf("dispatch_stage = %v, want %q", pe.Details["dispatch_stage"], tt.stage)
			}
		})
	}

	if disconnected.Code != protocol.CodeWorkerDisconnected || disconnected.Details != nil {
		t.Error("ReclassifyForStage mutated its input")
	}
}

func TestDescribe_DisconnectAfterSendIsNotRetryable(t *testing.T) {
	t.Parallel()

	err := protocol.ReclassifyForStage(
		protocol.Errorf(protocol.CodeWorkerDisconnected, "dropped"),
		protocol.StageAfterSend, protocol.MsgExecute)

	d := protocol.Describe(err)
	if d.Code != protocol.CodeReconnectTimeout {
		t.Errorf("code = %q", d.Code)
	}
	if d.Retryable {
		t.Error("expected retryable=false")
	}
	if d.Details["execution_guarantee"] != string(protocol.ExecutionUnknown) {
		t.Errorf("execution_guarantee = %v", d.Details["execution_guarantee"])
	}
}

func TestDescribe_CancelAfterMutatingSendIsUnknown(t *testing.T) {
	t.Parallel()

	err := protocol.ReclassifyForStage(
		protocol.Errorf(protocol.CodeRequestCancelled, "caller gone"),
		protocol.StageAfterSend, protocol.MsgSubmitJob)

	d := protocol.Describe(err)
	if d.Retryable {
		t.Error("cancel after a mutating send must not be retryable")
	}
	if d.Details["execution_guarantee"] != string(protocol.ExecutionUnknown) {
		t.Errorf("execution_guarantee = %v", d.Details["execution_guarantee"])
	}
}

func TestReclassifyEnvelope_ReadOnlyExecuteKeepsDisconnected(t *testing.T) {
	t.Parallel()

	env := protocol.New(protocol.MsgExecute, "r1")
	env.ReadOnly = true
	err := protocol.ReclassifyEnvelope(
		protocol.Errorf(protocol.CodeWorkerDisconnected, "dropped"),
		protocol.StageAfterSend, env)
	if code := protocol.CodeOf(err); code != protocol.CodeWorkerDisconnected {
		t.Fatalf("read-only execute: code = %q, want worker_disconnected", code)
	}

	env.ReadOnly = false
	err = protocol.ReclassifyEnvelope(
		protocol.Errorf(protocol.CodeWorkerDisconnected, "dropped"),
		protocol.StageAfterSend, env)
	if code := protocol.CodeOf(err); code != protocol.CodeReconnectTimeout {
		t.Fatalf("mutating execute: code = %q, want reconnect_timeout", code)
	}
}
