package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sweepline-ai/sweepline/pkg/model"
	"github.com/sweepline-ai/sweepline/pkg/ptrs"
	"github.com/sweepline-ai/sweepline/pkg/searcher"
)

func succeeded(id model.JobID, loss float64, resumes *model.JobID) model.JobRecord {
	return model.JobRecord{
		Spec:        model.JobSpec{ID: id, Params: model.Params{"lr": 0.1}, ResumesJob: resumes},
		State:       model.SucceededState,
		FinalResult: model.Metrics{"loss": loss},
	}
}

func TestBestPicksByMetricDirection(t *testing.T) {
	records := []model.JobRecord{
		succeeded(1, 0.5, nil),
		succeeded(2, 0.2, nil),
		{Spec: model.JobSpec{ID: 3}, State: model.FailedState},
	}

	smaller := New(filepath.Join(t.TempDir(), "r.json"),
		&searcher.MetricConfig{Name: "loss", SmallerIsBetter: true})
	best := smaller.best(records)
	require.NotNil(t, best)
	require.Equal(t, model.JobID(2), best.JobID)

	larger := New(filepath.Join(t.TempDir(), "r.json"),
		&searcher.MetricConfig{Name: "loss", SmallerIsBetter: false})
	require.Equal(t, model.JobID(1), larger.best(records).JobID)
}

func TestBestWithoutMetric(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "r.json"), nil)
	require.Nil(t, r.best([]model.JobRecord{succeeded(1, 0.5, nil)}))
}

func TestLineageWalksResumeChain(t *testing.T) {
	records := []model.JobRecord{
		{Spec: model.JobSpec{ID: 1}, State: model.ResubmitRequestedState},
		{Spec: model.JobSpec{ID: 2, ResumesJob: ptrs.Ptr(model.JobID(1))}, State: model.ResubmitRequestedState},
		succeeded(3, 0.1, ptrs.Ptr(model.JobID(2))),
	}
	r := New(filepath.Join(t.TempDir(), "r.json"),
		&searcher.MetricConfig{Name: "loss", SmallerIsBetter: true})

	best := r.best(records)
	require.Equal(t, model.JobID(3), best.JobID)
	require.Equal(t, []model.JobID{1, 2}, best.Lineage)
}

func TestWriteSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.json")
	r := New(path, &searcher.MetricConfig{Name: "loss", SmallerIsBetter: true})

	require.NoError(t, r.WriteSummary([]model.JobRecord{succeeded(1, 0.5, nil)}))

	bs, err := os.ReadFile(path)
	require.NoError(t, err)
	var summary Summary
	require.NoError(t, json.Unmarshal(bs, &summary))
	require.Equal(t, r.RunID(), summary.RunID)
	require.Len(t, summary.Jobs, 1)
	require.NotNil(t, summary.Best)
	require.Equal(t, model.JobID(1), summary.Best.JobID)
}
