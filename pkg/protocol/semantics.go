package protocol

// ExecutionGuarantee tells a caller whether a failed operation is known not to
// have run on the worker.
type ExecutionGuarantee string

// Execution guarantee values.
const (
	NotExecuted      ExecutionGuarantee = "not_executed"
	ExecutionUnknown ExecutionGuarantee = "unknown"
)

// RecoveryAction is the suggested caller reaction to an error.
type RecoveryAction string

// Recovery action values.
const (
	RecoveryRetryAllowed     RecoveryAction = "retry_allowed"
	RecoveryInspectThenRetry RecoveryAction = "inspect_state_then_retry"
	RecoveryFixRequest       RecoveryAction = "fix_request"
)

// Semantics is the retry contract attached to an error code.
type Semantics struct {
	Retryable          bool               `json:"retryable"`
	ExecutionGuarantee ExecutionGuarantee `json:"execution_guarantee"`
	RecoveryAction     RecoveryAction     `json:"recovery_action"`
}

var (
	retrySafe  = Semantics{Retryable: true, ExecutionGuarantee: NotExecuted, RecoveryAction: RecoveryRetryAllowed}
	inspect    = Semantics{Retryable: false, ExecutionGuarantee: ExecutionUnknown, RecoveryAction: RecoveryInspectThenRetry}
	badRequest = Semantics{Retryable: false, ExecutionGuarantee: NotExecuted, RecoveryAction: RecoveryFixRequest}
)

// Classify maps an error code to its retry semantics. Unknown codes fall back
// to the conservative inspect-then-retry contract.
func Classify(code Code) Semantics {
	switch code {
	case CodeWorkerNotReady, CodeDispatchTimeout, CodeWorkerDisconnected, CodeQueueFull, CodeRequestCancelled:
		return retrySafe
	case CodeReconnectTimeout, CodeRequestTimeout:
		return inspect
	case CodeInvalidParams, CodeUnknownTool, CodeJobNotFound, CodeDuplicateRequestID:
		return badRequest
	default:
		return inspect
	}
}

// Stage records where in the dispatch path a failure happened.
type Stage string

// Dispatch stages.
const (
	StageBeforeSend Stage = "before_send"
	StageAfterSend  Stage = "after_send"
)

// ReclassifyForStage upgrades a worker_disconnected error observed after a
// mutating request left the process to reconnect_timeout: the worker may have
// executed it before dying. A cancellation after such a send is likewise marked
// with unknown execution. Other errors only gain the dispatch_stage detail.
func ReclassifyForStage(err error, stage Stage, kind MessageType) error {
	return reclassify(err, stage, kind.Mutating())
}

// ReclassifyEnvelope is ReclassifyForStage for a concrete request, honouring
// its ReadOnly flag.
func ReclassifyEnvelope(err error, stage Stage, env Envelope) error {
	return reclassify(err, stage, env.Mutating())
}

func reclassify(err error, stage Stage, mutating bool) error {
	pe, ok := AsError(err)
	if !ok {
		return err
	}
	out := pe.WithDetail("dispatch_stage", string(stage))
	if stage != StageAfterSend || !mutating {
		return out
	}
	switch pe.Code {
	case CodeWorkerDisconnected:
		out.Code = CodeReconnectTimeout
		out.Details["original_code"] = string(CodeWorkerDisconnected)
	case CodeRequestCancelled:
		out.Details["execution_guarantee"] = string(ExecutionUnknown)
	}
	return out
}

// Description is the caller-facing rendering of an error.
type Description struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details"`
}

// Describe renders err with its retry semantics merged into details. Details
// already present on the error (for example a stage-specific execution
// guarantee) take precedence over the table defaults.
func Describe(err error) Description {
	pe, ok := AsError(err)
	if !ok {
		pe = &Error{Code: CodeInternal, Message: err.Error()}
	}
	sem := Classify(pe.Code)
	details := map[string]any{
		"execution_guarantee": string(sem.ExecutionGuarantee),
		"recovery_action":     string(sem.RecoveryAction),
	}
	for k, v := range pe.Details {
		details[k] = v
	}
	retryable := sem.Retryable
	if g, ok := details["execution_guarantee"].(string); ok && g != string(NotExecuted) {
		retryable = false
	}
	return Description{Code: pe.Code, Message: pe.Message, Retryable: retryable, Details: details}
}
