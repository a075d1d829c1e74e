package protocol

// ProtocolVersion is the only envelope version this build speaks. Peers must
// match it exactly.
const ProtocolVersion = 1

// WorkerState is the worker's self-reported lifecycle state.
type WorkerState string

// Worker state constants.
const (
	WorkerUnknown   WorkerState = "unknown"
	WorkerReady     WorkerState = "ready"
	WorkerCompiling WorkerState = "compiling"
	WorkerReloading WorkerState = "reloading"
)

// ParseWorkerState rejects anything outside the four known states.
func ParseWorkerState(s string) (WorkerState, error) {
	switch ws := WorkerState(s); ws {
	case WorkerUnknown, WorkerReady, WorkerCompiling, WorkerReloading:
		return ws, nil
	default:
		return "", Errorf(CodeInvalidResponse, "unknown worker state %q", s)
	}
}

// BridgeState is the host's own lifecycle state.
type BridgeState string

// Bridge state constants.
const (
	BridgeBooting       BridgeState = "booting"
	BridgeWaitingWorker BridgeState = "waiting_worker"
	BridgeReady         BridgeState = "ready"
	BridgeStopping      BridgeState = "stopping"
	BridgeStopped       BridgeState = "stopped"
)

// WaitingReason explains to callers why the bridge is not ready.
type WaitingReason string

// Waiting reason constants.
const (
	WaitingNone         WaitingReason = "none"
	WaitingCompiling    WaitingReason = "compiling"
	WaitingReloading    WaitingReason = "reloading"
	WaitingReconnecting WaitingReason = "reconnecting"
)

// JobState is a job's position in its state machine.
type JobState string

// Job state constants.
const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobTimeout   JobState = "timeout"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimeout, JobCancelled:
		return true
	default:
		return false
	}
}

// ParseJobState parses a wire job state. Unrecognized values are an
// invalid_response, never coerced to a default.
func ParseJobState(s string) (JobState, error) {
	switch js := JobState(s); js {
	case JobQueued, JobRunning, JobSucceeded, JobFailed, JobTimeout, JobCancelled:
		return js, nil
	default:
		return "", Errorf(CodeInvalidResponse, "unknown job state %q", s)
	}
}

// CancelStatus is the outcome of a cancel request.
type CancelStatus string

// Cancel status constants.
const (
	CancelCancelled CancelStatus = "cancelled"
	CancelRequested CancelStatus = "cancel_requested"
	CancelRejected  CancelStatus = "rejected"
)

// ParseCancelStatus parses a wire cancel status strictly.
func ParseCancelStatus(s string) (CancelStatus, error) {
	switch cs := CancelStatus(s); cs {
	case CancelCancelled, CancelRequested, CancelRejected:
		return cs, nil
	default:
		return "", Errorf(CodeInvalidResponse, "unknown cancel status %q", s)
	}
}

// Job kinds and test modes understood by the worker.
const (
	JobKindRunTests = "run_tests"

	ModeEdit = "edit"
	ModePlay = "play"
	ModeAll  = "all"
)

// ValidateMode checks a run_tests mode.
func ValidateMode(mode string) error {
	switch mode {
	case ModeEdit, ModePlay, ModeAll:
		return nil
	default:
		return Errorf(CodeInvalidParams, "unknown test mode %q (want edit, play or all)", mode)
	}
}
