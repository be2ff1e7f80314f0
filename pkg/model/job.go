package model

import (
	"time"
)

// JobID identifies one job for the lifetime of a run. IDs are assigned
// monotonically by the registry and never reused, even across resubmission.
type JobID int

// Handle is the backend-assigned opaque token for a submitted job.
type Handle string

// Params is one parameter assignment for a job, keyed by parameter name.
// Values are JSON-compatible.
type Params map[string]interface{}

// Metrics maps metric names to numeric values.
type Metrics map[string]float64

// Annotations carries the non-numeric metric payload entries reported by a job.
type Annotations map[string]string

// BackendStatus is the scheduler-reported status of a submitted job.
type BackendStatus string

// Constants.

const (
	// StatusQueued means the backend has the job but it is not executing yet.
	StatusQueued BackendStatus = "QUEUED"
	// StatusRunning means the backend reports the job as executing.
	StatusRunning BackendStatus = "RUNNING"
	// StatusCompleted means the job process exited cleanly.
	StatusCompleted BackendStatus = "COMPLETED"
	// StatusFailed means the job process exited with an error.
	StatusFailed BackendStatus = "FAILED"
	// StatusResumeExit means the job exited with the reserved checkpoint-and-resubmit
	// exit code. Equivalent to a resume-requested report.
	StatusResumeExit BackendStatus = "RESUME_EXIT"
	// StatusUnknown means the status query failed or the handle is not known;
	// the poller retries next tick.
	StatusUnknown BackendStatus = "UNKNOWN"
)

// Resources describes a job's resource requirements. The orchestrator passes it
// through to the backend untouched.
type Resources struct {
	CPUs     int               `json:"cpus,omitempty"`
	GPUs     int               `json:"gpus,omitempty"`
	MemoryMB int               `json:"memory_mb,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// JobSpec is the immutable description of one job.
type JobSpec struct {
	ID            JobID     `json:"id"`
	Params        Params    `json:"params"`
	WorkDir       string    `json:"work_dir"`
	Resources     Resources `json:"resources"`
	Resubmissions int       `json:"resubmissions"`
	// ResumesJob links a resubmitted job back to the id it continues.
	ResumesJob *JobID `json:"resumes_job,omitempty"`
}

// IntermediateResult is one partial metrics report from a running job. The
// timestamp is the sender's, kept for the receiver's own ordering.
type IntermediateResult struct {
	Timestamp time.Time `json:"timestamp"`
	Metrics   Metrics   `json:"metrics"`
}

// JobRecord is the mutable per-job state. It is owned by the registry; all
// writes go through the registry's synchronized update path.
type JobRecord struct {
	Spec  JobSpec `json:"spec"`
	State State   `json:"state"`

	Handle        Handle        `json:"handle,omitempty"`
	BackendStatus BackendStatus `json:"backend_status,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ConcludedAt *time.Time `json:"concluded_at,omitempty"`
	// LastContact is the last time anything was heard about the job, from either
	// a channel message or a backend status change.
	LastContact time.Time `json:"last_contact"`

	Progress      *float64             `json:"progress,omitempty"`
	Intermediates []IntermediateResult `json:"intermediates,omitempty"`
	FinalResult   Metrics              `json:"final_result,omitempty"`
	Annotations   Annotations          `json:"annotations,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`

	SubmitFailures int `json:"submit_failures,omitempty"`
	// BackendInferred marks a terminal state derived from polled backend status
	// rather than from the job's own report or an orchestrator decision. Only
	// backend-inferred terminal states yield to a later explicit report.
	BackendInferred bool `json:"backend_inferred,omitempty"`
}

// Terminal reports whether the record has reached a terminal state.
func (r *JobRecord) Terminal() bool {
	return TerminalStates[r.State]
}

// Copy returns a deep copy of the record, safe to hand outside the registry.
func (r *JobRecord) Copy() JobRecord {
	out := *r
	out.Spec.Params = copyParams(r.Spec.Params)
	if r.Spec.ResumesJob != nil {
		resumed := *r.Spec.ResumesJob
		out.Spec.ResumesJob = &resumed
	}
	if r.Spec.Resources.Extra != nil {
		extra := make(map[string]string, len(r.Spec.Resources.Extra))
		for k, v := range r.Spec.Resources.Extra {
			extra[k] = v
		}
		out.Spec.Resources.Extra = extra
	}
	if r.Progress != nil {
		p := *r.Progress
		out.Progress = &p
	}
	if r.SubmittedAt != nil {
		t := *r.SubmittedAt
		out.SubmittedAt = &t
	}
	if r.ConcludedAt != nil {
		t := *r.ConcludedAt
		out.ConcludedAt = &t
	}
	if r.Intermediates != nil {
		out.Intermediates = make([]IntermediateResult, len(r.Intermediates))
		for i, ir := range r.Intermediates {
			out.Intermediates[i] = IntermediateResult{
				Timestamp: ir.Timestamp,
				Metrics:   copyMetrics(ir.Metrics),
			}
		}
	}
	out.FinalResult = copyMetrics(r.FinalResult)
	if r.Annotations != nil {
		ann := make(Annotations, len(r.Annotations))
		for k, v := range r.Annotations {
			ann[k] = v
		}
		out.Annotations = ann
	}
	return out
}

func copyParams(p Params) Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func copyMetrics(m Metrics) Metrics {
	if m == nil {
		return nil
	}
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
