// Package registry holds the authoritative in-memory table of job records.
// It is the only owner of job-record mutation: both the backend-polling path
// and the report-channel path write through its synchronized operations, so
// any interleaving of the two resolves deterministically.
package registry

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/sweepline-ai/sweepline/internal/prom"
	"github.com/sweepline-ai/sweepline/pkg/model"
)

// Sentinel errors returned to the report-channel receiver; it logs and drops.
var (
	// ErrUnknownJob marks a message for a job id the registry has never seen.
	ErrUnknownJob = errors.New("unknown job id")
	// ErrStaleMessage marks a message for a job already in a terminal state that
	// the message is not allowed to override.
	ErrStaleMessage = errors.New("message for terminal job ignored")
)

// Registry is the synchronized job table. All exported methods are safe for
// concurrent use; each is one atomic read-modify-write, which makes updates
// linearizable per job id.
type Registry struct {
	mu     sync.Mutex
	jobs   map[model.JobID]*model.JobRecord
	order  []model.JobID
	nextID model.JobID

	log *log.Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		jobs:   make(map[model.JobID]*model.JobRecord),
		nextID: 1,
		log:    log.WithField("component", "registry"),
	}
}

// Create assigns the next job id, invokes the builder with it, and stores a
// PENDING record for the resulting spec. Ids are monotonic and never reused.
// The builder runs under the registry lock and must not call back in.
func (r *Registry) Create(build func(model.JobID) model.JobSpec) model.JobID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	spec := build(id)
	spec.ID = id

	now := time.Now()
	r.jobs[id] = &model.JobRecord{
		Spec:        spec,
		State:       model.PendingState,
		CreatedAt:   now,
		LastContact: now,
	}
	r.order = append(r.order, id)
	prom.JobsByState.WithLabelValues(string(model.PendingState)).Inc()
	return id
}

// Get returns a deep copy of the record for the given id.
func (r *Registry) Get(id model.JobID) (model.JobRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return model.JobRecord{}, false
	}
	return rec.Copy(), true
}

// List returns copies of all records in the given states, in creation order.
// With no states given it returns every record.
func (r *Registry) List(states ...model.State) []model.JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.JobRecord
	for _, id := range r.order {
		rec := r.jobs[id]
		if len(states) == 0 {
			out = append(out, rec.Copy())
			continue
		}
		for _, s := range states {
			if rec.State == s {
				out = append(out, rec.Copy())
				break
			}
		}
	}
	return out
}

// Count returns how many records are in the given states.
func (r *Registry) Count(states ...model.State) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.jobs {
		for _, s := range states {
			if rec.State == s {
				n++
				break
			}
		}
	}
	return n
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Snapshot returns a consistent copy of every record, in creation order.
func (r *Registry) Snapshot() []model.JobRecord {
	return r.List()
}

// transitionLocked moves a record to a new state, keeping the state gauges
// current. Callers hold r.mu.
func (r *Registry) transitionLocked(rec *model.JobRecord, to model.State, backendInferred bool) error {
	if !model.TransitionValid(rec.State, to) {
		return errors.Errorf("illegal transition %s -> %s for job %d", rec.State, to, rec.Spec.ID)
	}
	r.moveGaugeLocked(rec.State, to)
	rec.State = to
	rec.BackendInferred = backendInferred
	if rec.Terminal() {
		now := time.Now()
		rec.ConcludedAt = &now
	}
	return nil
}

// overrideTerminalLocked replaces a backend-inferred terminal state with a
// report-driven one. This is the precedence rule's only backward edge.
func (r *Registry) overrideTerminalLocked(rec *model.JobRecord, to model.State) {
	r.log.WithFields(log.Fields{
		"job":  rec.Spec.ID,
		"from": rec.State,
		"to":   to,
	}).Info("job report overrides backend-inferred terminal state")
	r.moveGaugeLocked(rec.State, to)
	rec.State = to
	rec.BackendInferred = false
	rec.FailureReason = ""
	now := time.Now()
	rec.ConcludedAt = &now
}

func (r *Registry) moveGaugeLocked(from, to model.State) {
	prom.JobsByState.WithLabelValues(string(from)).Dec()
	prom.JobsByState.WithLabelValues(string(to)).Inc()
}

// MarkSubmitted records a successful backend submission.
func (r *Registry) MarkSubmitted(id model.JobID, handle model.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return errors.Wrapf(ErrUnknownJob, "job %d", id)
	}
	if err := r.transitionLocked(rec, model.SubmittedState, false); err != nil {
		return err
	}
	now := time.Now()
	rec.Handle = handle
	rec.SubmittedAt = &now
	rec.LastContact = now
	return nil
}

// RecordSubmitFailure counts a retryable submission failure and returns the
// total so far. The record stays PENDING; the loop decides when the retry
// budget is exhausted.
func (r *Registry) RecordSubmitFailure(id model.JobID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownJob, "job %d", id)
	}
	rec.SubmitFailures++
	return rec.SubmitFailures, nil
}

// MarkFailed moves a non-terminal job to FAILED with the given reason.
func (r *Registry) MarkFailed(id model.JobID, reason string, backendInferred bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return errors.Wrapf(ErrUnknownJob, "job %d", id)
	}
	if rec.Terminal() {
		return errors.Errorf("job %d is already terminal in %s", id, rec.State)
	}
	if err := r.transitionLocked(rec, model.FailedState, backendInferred); err != nil {
		return err
	}
	rec.FailureReason = reason
	return nil
}

// ApplyBackendStatus folds one polled backend status into the record. Unknown
// statuses are recorded nowhere: the poller retries next tick.
func (r *Registry) ApplyBackendStatus(id model.JobID, status model.BackendStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return errors.Wrapf(ErrUnknownJob, "job %d", id)
	}
	if status == model.StatusUnknown || rec.Terminal() {
		return nil
	}
	if rec.BackendStatus != status {
		rec.LastContact = time.Now()
	}
	rec.BackendStatus = status

	switch status {
	case model.StatusQueued:
		return nil
	case model.StatusRunning:
		if rec.State == model.SubmittedState {
			return r.transitionLocked(rec, model.RunningState, false)
		}
		return nil
	case model.StatusCompleted:
		// The process exited cleanly but never reported a final result; had it
		// reported, the record would already be SUCCEEDED. Success requires the
		// job's own report, so this is a failure flavor.
		return r.transitionLocked(rec, model.ConcludedWithoutResultState, true)
	case model.StatusFailed:
		if err := r.transitionLocked(rec, model.FailedState, true); err != nil {
			return err
		}
		rec.FailureReason = model.ReasonBackend
		return nil
	case model.StatusResumeExit:
		// The reserved exit code is the job's own deliberate signal, equivalent
		// to a resume-requested message.
		return r.transitionLocked(rec, model.ResubmitRequestedState, false)
	default:
		return errors.Errorf("unexpected backend status %q for job %d", status, id)
	}
}

// HandleRegister records first contact from a running job.
func (r *Registry) HandleRegister(id model.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return errors.Wrapf(ErrUnknownJob, "job %d", id)
	}
	if rec.Terminal() {
		return errors.Wrapf(ErrStaleMessage, "register for job %d in %s", id, rec.State)
	}
	rec.LastContact = time.Now()
	// A register datagram can beat the first poll round-trip.
	if rec.State == model.SubmittedState {
		return r.transitionLocked(rec, model.RunningState, false)
	}
	return nil
}

// HandleProgress records a fraction-finished estimate.
func (r *Registry) HandleProgress(id model.JobID, fraction float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return errors.Wrapf(ErrUnknownJob, "job %d", id)
	}
	if rec.Terminal() {
		return errors.Wrapf(ErrStaleMessage, "progress for job %d in %s", id, rec.State)
	}
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	rec.Progress = &fraction
	rec.LastContact = time.Now()
	return nil
}

// HandleIntermediate appends a partial result. Intermediates never overwrite
// each other; the sender timestamp is kept for the receiver's own ordering.
func (r *Registry) HandleIntermediate(
	id model.JobID, metrics model.Metrics, annotations model.Annotations, ts time.Time,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return errors.Wrapf(ErrUnknownJob, "job %d", id)
	}
	if rec.Terminal() {
		return errors.Wrapf(ErrStaleMessage, "intermediate result for job %d in %s", id, rec.State)
	}
	rec.Intermediates = append(rec.Intermediates, model.IntermediateResult{
		Timestamp: ts,
		Metrics:   metrics,
	})
	for k, v := range annotations {
		if rec.Annotations == nil {
			rec.Annotations = make(model.Annotations)
		}
		rec.Annotations[k] = v
	}
	rec.LastContact = time.Now()
	return nil
}

// HandleFinalResult applies a job's final report. A duplicate for an already
// SUCCEEDED job is ignored; a report for a backend-inferred terminal failure
// overrides it (the job's own report wins over an exit-code inference); any
// other terminal state keeps the message out.
func (r *Registry) HandleFinalResult(
	id model.JobID, metrics model.Metrics, annotations model.Annotations,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return errors.Wrapf(ErrUnknownJob, "job %d", id)
	}
	switch {
	case rec.State == model.SucceededState:
		// Idempotent: the first final result is immutable, later ones are dropped.
		return nil
	case rec.Terminal():
		if !model.ReportOverrides(rec.State, rec.BackendInferred) {
			return errors.Wrapf(ErrStaleMessage, "final result for job %d in %s", id, rec.State)
		}
		r.overrideTerminalLocked(rec, model.SucceededState)
	default:
		if err := r.transitionLocked(rec, model.SucceededState, false); err != nil {
			return err
		}
	}
	rec.FinalResult = metrics
	for k, v := range annotations {
		if rec.Annotations == nil {
			rec.Annotations = make(model.Annotations)
		}
		rec.Annotations[k] = v
	}
	rec.LastContact = time.Now()
	return nil
}

// HandleResumeRequest applies a job's checkpoint-and-resubmit request, with the
// same precedence as a final result.
func (r *Registry) HandleResumeRequest(id model.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return errors.Wrapf(ErrUnknownJob, "job %d", id)
	}
	switch {
	case rec.State == model.ResubmitRequestedState:
		return nil
	case rec.Terminal():
		if !model.ReportOverrides(rec.State, rec.BackendInferred) {
			return errors.Wrapf(ErrStaleMessage, "resume request for job %d in %s", id, rec.State)
		}
		r.overrideTerminalLocked(rec, model.ResubmitRequestedState)
	default:
		if err := r.transitionLocked(rec, model.ResubmitRequestedState, false); err != nil {
			return err
		}
	}
	rec.LastContact = time.Now()
	return nil
}
