package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sweepline-ai/sweepline/pkg/model"
)

func specBuilder(params model.Params) func(model.JobID) model.JobSpec {
	return func(id model.JobID) model.JobSpec {
		return model.JobSpec{ID: id, Params: params}
	}
}

func newRunningJob(t *testing.T, r *Registry) model.JobID {
	t.Helper()
	id := r.Create(specBuilder(model.Params{"lr": 0.1}))
	require.NoError(t, r.MarkSubmitted(id, model.Handle("h")))
	require.NoError(t, r.ApplyBackendStatus(id, model.StatusRunning))
	return id
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	r := New()
	first := r.Create(specBuilder(nil))
	second := r.Create(specBuilder(nil))
	require.Equal(t, model.JobID(1), first)
	require.Equal(t, model.JobID(2), second)

	rec, ok := r.Get(first)
	require.True(t, ok)
	require.Equal(t, model.PendingState, rec.State)
	require.Equal(t, first, rec.Spec.ID)
}

func TestCreateBuilderSeesAssignedID(t *testing.T) {
	r := New()
	var seen model.JobID
	id := r.Create(func(id model.JobID) model.JobSpec {
		seen = id
		return model.JobSpec{}
	})
	require.Equal(t, id, seen)
}

func TestFinalResultIsIdempotent(t *testing.T) {
	r := New()
	id := newRunningJob(t, r)

	require.NoError(t, r.HandleFinalResult(id, model.Metrics{"loss": 0.5}, nil))
	// A retransmitted datagram must not clobber the stored result.
	require.NoError(t, r.HandleFinalResult(id, model.Metrics{"loss": 9.9}, nil))

	rec, _ := r.Get(id)
	require.Equal(t, model.SucceededState, rec.State)
	require.Equal(t, 0.5, rec.FinalResult["loss"])
}

func TestFinalResultOverridesBackendInferredFailure(t *testing.T) {
	// Poll sees the process gone before the final-result datagram arrives.
	r := New()
	id := newRunningJob(t, r)

	require.NoError(t, r.ApplyBackendStatus(id, model.StatusCompleted))
	rec, _ := r.Get(id)
	require.Equal(t, model.ConcludedWithoutResultState, rec.State)

	require.NoError(t, r.HandleFinalResult(id, model.Metrics{"loss": 0.5}, nil))
	rec, _ = r.Get(id)
	require.Equal(t, model.SucceededState, rec.State)
	require.Empty(t, rec.FailureReason)
	require.Equal(t, 0.5, rec.FinalResult["loss"])
}

func TestFinalResultBeforePollSticks(t *testing.T) {
	// The other interleaving: datagram first, poll later. Same outcome.
	r := New()
	id := newRunningJob(t, r)

	require.NoError(t, r.HandleFinalResult(id, model.Metrics{"loss": 0.5}, nil))
	require.NoError(t, r.ApplyBackendStatus(id, model.StatusCompleted))

	rec, _ := r.Get(id)
	require.Equal(t, model.SucceededState, rec.State)
	require.Equal(t, 0.5, rec.FinalResult["loss"])
}

func TestFinalResultDoesNotOverrideOrchestratorFailure(t *testing.T) {
	r := New()
	id := newRunningJob(t, r)

	// Timeout is an orchestrator decision, not a backend inference.
	require.NoError(t, r.MarkFailed(id, model.ReasonTimeout, false))
	err := r.HandleFinalResult(id, model.Metrics{"loss": 0.5}, nil)
	require.ErrorIs(t, err, ErrStaleMessage)

	rec, _ := r.Get(id)
	require.Equal(t, model.FailedState, rec.State)
	require.Equal(t, model.ReasonTimeout, rec.FailureReason)
}

func TestResumeRequestOverridesBackendFailure(t *testing.T) {
	r := New()
	id := newRunningJob(t, r)

	require.NoError(t, r.ApplyBackendStatus(id, model.StatusFailed))
	rec, _ := r.Get(id)
	require.Equal(t, model.FailedState, rec.State)
	require.Equal(t, model.ReasonBackend, rec.FailureReason)

	require.NoError(t, r.HandleResumeRequest(id))
	rec, _ = r.Get(id)
	require.Equal(t, model.ResubmitRequestedState, rec.State)
	require.Empty(t, rec.FailureReason)
}

func TestResumeExitStatusRequestsResubmission(t *testing.T) {
	r := New()
	id := newRunningJob(t, r)

	require.NoError(t, r.ApplyBackendStatus(id, model.StatusResumeExit))
	rec, _ := r.Get(id)
	require.Equal(t, model.ResubmitRequestedState, rec.State)
	// The reserved exit code expresses the job's own intent; a later report
	// must not override it.
	require.False(t, rec.BackendInferred)
}

func TestIntermediatesAppendOnly(t *testing.T) {
	r := New()
	id := newRunningJob(t, r)

	base := time.Now()
	require.NoError(t, r.HandleIntermediate(id, model.Metrics{"loss": 2.0}, nil, base))
	require.NoError(t, r.HandleIntermediate(id, model.Metrics{"loss": 1.0},
		model.Annotations{"stage": "warmup"}, base.Add(time.Second)))

	rec, _ := r.Get(id)
	require.Len(t, rec.Intermediates, 2)
	require.Equal(t, 2.0, rec.Intermediates[0].Metrics["loss"])
	require.Equal(t, 1.0, rec.Intermediates[1].Metrics["loss"])
	require.Equal(t, "warmup", rec.Annotations["stage"])
}

func TestMessagesForUnknownAndTerminalJobs(t *testing.T) {
	r := New()
	require.ErrorIs(t, r.HandleProgress(99, 0.5), ErrUnknownJob)

	id := newRunningJob(t, r)
	require.NoError(t, r.MarkFailed(id, model.ReasonTimeout, false))
	require.ErrorIs(t, r.HandleProgress(id, 0.5), ErrStaleMessage)
	require.ErrorIs(t, r.HandleIntermediate(id, nil, nil, time.Now()), ErrStaleMessage)
	require.ErrorIs(t, r.HandleRegister(id), ErrStaleMessage)
}

func TestProgressClamped(t *testing.T) {
	r := New()
	id := newRunningJob(t, r)

	require.NoError(t, r.HandleProgress(id, 1.7))
	rec, _ := r.Get(id)
	require.Equal(t, 1.0, *rec.Progress)

	require.NoError(t, r.HandleProgress(id, -0.3))
	rec, _ = r.Get(id)
	require.Equal(t, 0.0, *rec.Progress)
}

func TestRegisterPromotesSubmittedJob(t *testing.T) {
	r := New()
	id := r.Create(specBuilder(nil))
	require.NoError(t, r.MarkSubmitted(id, "h"))

	// The register datagram can arrive before the first poll sees RUNNING.
	require.NoError(t, r.HandleRegister(id))
	rec, _ := r.Get(id)
	require.Equal(t, model.RunningState, rec.State)
}

func TestSubmitFailureCounting(t *testing.T) {
	r := New()
	id := r.Create(specBuilder(nil))

	n, err := r.RecordSubmitFailure(id)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = r.RecordSubmitFailure(id)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rec, _ := r.Get(id)
	require.Equal(t, model.PendingState, rec.State)
}

func TestUnknownBackendStatusIsNoOp(t *testing.T) {
	r := New()
	id := r.Create(specBuilder(nil))
	require.NoError(t, r.MarkSubmitted(id, "h"))

	require.NoError(t, r.ApplyBackendStatus(id, model.StatusUnknown))
	rec, _ := r.Get(id)
	require.Equal(t, model.SubmittedState, rec.State)
}

func TestListAndCountByState(t *testing.T) {
	r := New()
	a := r.Create(specBuilder(nil))
	b := r.Create(specBuilder(nil))
	require.NoError(t, r.MarkSubmitted(b, "h"))

	pending := r.List(model.PendingState)
	require.Len(t, pending, 1)
	require.Equal(t, a, pending[0].Spec.ID)

	require.Equal(t, 2, r.Len())
	require.Equal(t, 1, r.Count(model.SubmittedState))
	require.Len(t, r.Snapshot(), 2)
}
