package model

// State is the lifecycle state of a job.
type State string

// Constants.

const (
	// PendingState means the job has a spec but has not been accepted by the backend yet.
	PendingState State = "PENDING"
	// SubmittedState means the backend accepted the job and returned a handle.
	SubmittedState State = "SUBMITTED"
	// RunningState means the backend reports the job as executing.
	RunningState State = "RUNNING"
	// SucceededState means the job reported a final result. Terminal.
	SucceededState State = "SUCCEEDED"
	// FailedState means the job failed; the record carries the reason. Terminal.
	FailedState State = "FAILED"
	// ConcludedWithoutResultState means the backend reported completion but no final
	// result was ever received. Treated as a failure; success requires an explicit
	// report from the job itself. Terminal.
	ConcludedWithoutResultState State = "CONCLUDED_WITHOUT_RESULT"
	// ResubmitRequestedState means the job asked to be checkpointed and resubmitted.
	// Terminal for this id; a linked successor spec is minted with a fresh id.
	ResubmitRequestedState State = "RESUBMIT_REQUESTED"
)

// Well-known failure reasons recorded on FAILED jobs.
const (
	ReasonTimeout      = "timeout"
	ReasonEarlyStopped = "early-stopped"
	ReasonSubmission   = "submission failed"
	ReasonBackend      = "backend reported failure"
	ReasonCanceled     = "run canceled"
)

// TerminalStates are the states a job never leaves through the regular transition
// table. The report-precedence override in the registry is the single sanctioned
// exception (see ReportOverrides).
var TerminalStates = map[State]bool{
	SucceededState:              true,
	FailedState:                 true,
	ConcludedWithoutResultState: true,
	ResubmitRequestedState:      true,
}

// ActiveStates are the states that occupy a concurrency slot.
var ActiveStates = map[State]bool{
	SubmittedState: true,
	RunningState:   true,
}

// JobTransitions maps job states to their allowed successor states.
var JobTransitions = map[State]map[State]bool{
	PendingState: {
		SubmittedState: true,
		FailedState:    true,
	},
	SubmittedState: {
		RunningState:                true,
		SucceededState:              true,
		FailedState:                 true,
		ConcludedWithoutResultState: true,
		ResubmitRequestedState:      true,
	},
	RunningState: {
		SucceededState:              true,
		FailedState:                 true,
		ConcludedWithoutResultState: true,
		ResubmitRequestedState:      true,
	},
	SucceededState:              {},
	FailedState:                 {},
	ConcludedWithoutResultState: {},
	ResubmitRequestedState:      {},
}

// TransitionValid checks whether the transition from one state to another is allowed.
func TransitionValid(from, to State) bool {
	return JobTransitions[from][to]
}

// ReportOverrides reports whether a terminal message from the job itself (final
// result or resume request) may replace the given terminal state. A job's own
// report beats a terminal state inferred from backend status, since the exit-code
// inference is weaker evidence than an explicit report. Orchestrator-decided
// terminal states (timeout, early-stop, submission failure) are never overridden:
// once the loop has deliberately killed a job, a straggling datagram must not
// resurrect it.
func ReportOverrides(from State, backendInferred bool) bool {
	if !backendInferred {
		return false
	}
	return from == FailedState || from == ConcludedWithoutResultState
}
