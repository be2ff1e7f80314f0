package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	valid := [][2]State{
		{PendingState, SubmittedState},
		{PendingState, FailedState},
		{SubmittedState, RunningState},
		{SubmittedState, ConcludedWithoutResultState},
		{RunningState, SucceededState},
		{RunningState, FailedState},
		{RunningState, ResubmitRequestedState},
	}
	for _, tr := range valid {
		require.True(t, TransitionValid(tr[0], tr[1]), "%s -> %s should be valid", tr[0], tr[1])
	}

	invalid := [][2]State{
		{PendingState, RunningState},
		{PendingState, SucceededState},
		{RunningState, PendingState},
		{SucceededState, FailedState},
		{FailedState, SucceededState},
		{ResubmitRequestedState, PendingState},
	}
	for _, tr := range invalid {
		require.False(t, TransitionValid(tr[0], tr[1]), "%s -> %s should be invalid", tr[0], tr[1])
	}
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	for state := range TerminalStates {
		require.Empty(t, JobTransitions[state], "terminal state %s must not transition", state)
	}
}

func TestReportOverrides(t *testing.T) {
	// A job report beats backend-inferred failures only.
	require.True(t, ReportOverrides(FailedState, true))
	require.True(t, ReportOverrides(ConcludedWithoutResultState, true))

	// Orchestrator-decided failures stand.
	require.False(t, ReportOverrides(FailedState, false))
	// A succeeded job is never overridden.
	require.False(t, ReportOverrides(SucceededState, false))
}

func TestRecordCopyIsDeep(t *testing.T) {
	p := 0.5
	rec := JobRecord{
		Spec: JobSpec{
			ID:     3,
			Params: Params{"lr": 0.1},
		},
		State:    RunningState,
		Progress: &p,
		Intermediates: []IntermediateResult{
			{Metrics: Metrics{"loss": 1.0}},
		},
		FinalResult: Metrics{"loss": 0.5},
	}

	cp := rec.Copy()
	cp.Spec.Params["lr"] = 0.2
	cp.Intermediates[0].Metrics["loss"] = 9.9
	cp.FinalResult["loss"] = 9.9
	*cp.Progress = 1.0

	require.Equal(t, 0.1, rec.Spec.Params["lr"])
	require.Equal(t, 1.0, rec.Intermediates[0].Metrics["loss"])
	require.Equal(t, 0.5, rec.FinalResult["loss"])
	require.Equal(t, 0.5, *rec.Progress)
}
