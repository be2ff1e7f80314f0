// Package report aggregates registry snapshots for human consumption. It is a
// pure observer: invoked at iteration boundaries and run end, never mutating
// core state. Richer renderings (CSV, PDF) belong to external collaborators
// consuming the same JSON summary.
package report

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/sweepline-ai/sweepline/pkg/model"
	"github.com/sweepline-ai/sweepline/pkg/searcher"
)

// BestResult is the winning job of a run, with its resume lineage resolved.
type BestResult struct {
	JobID   model.JobID   `json:"job_id"`
	Params  model.Params  `json:"params"`
	Metrics model.Metrics `json:"metrics"`
	// Lineage lists the chain of job ids this result continues, oldest first,
	// for jobs that went through checkpoint-and-resubmit cycles.
	Lineage []model.JobID `json:"lineage,omitempty"`
}

// Summary is the run-end JSON document.
type Summary struct {
	RunID       string                 `json:"run_id"`
	GeneratedAt time.Time              `json:"generated_at"`
	Metric      *searcher.MetricConfig `json:"metric,omitempty"`
	Jobs        []model.JobRecord      `json:"jobs"`
	Best        *BestResult            `json:"best,omitempty"`
}

// Reporter writes run summaries and iteration-boundary log lines.
type Reporter struct {
	path   string
	runID  string
	metric *searcher.MetricConfig
	log    *log.Entry
}

// New creates a reporter writing to the given path. The metric is optional;
// without one the summary carries no best result.
func New(path string, metric *searcher.MetricConfig) *Reporter {
	runID := uuid.NewString()
	return &Reporter{
		path:   path,
		runID:  runID,
		metric: metric,
		log:    log.WithFields(log.Fields{"component": "report", "run": runID}),
	}
}

// RunID returns the generated run identifier.
func (r *Reporter) RunID() string {
	return r.runID
}

// IterationDone logs a one-line progress summary at a batch boundary.
func (r *Reporter) IterationDone(iteration int, records []model.JobRecord) {
	var succeeded, failed int
	for i := range records {
		switch records[i].State {
		case model.SucceededState:
			succeeded++
		case model.FailedState, model.ConcludedWithoutResultState:
			failed++
		}
	}
	entry := r.log.WithFields(log.Fields{
		"iteration": iteration,
		"jobs":      len(records),
		"succeeded": succeeded,
		"failed":    failed,
	})
	if best := r.best(records); best != nil {
		entry = entry.WithField("best", best.Metrics[r.metric.Name])
	}
	entry.Info("iteration complete")
}

// WriteSummary writes the run-end JSON document from a registry snapshot.
func (r *Reporter) WriteSummary(records []model.JobRecord) error {
	summary := Summary{
		RunID:       r.runID,
		GeneratedAt: time.Now(),
		Metric:      r.metric,
		Jobs:        records,
		Best:        r.best(records),
	}
	bs, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return errors.Wrap(err, "error encoding run summary")
	}
	if err := os.WriteFile(r.path, bs, 0o644); err != nil {
		return errors.Wrapf(err, "error writing run summary to %q", r.path)
	}
	r.log.WithField("path", r.path).Info("wrote run summary")
	return nil
}

// best picks the winning SUCCEEDED record by the configured metric.
func (r *Reporter) best(records []model.JobRecord) *BestResult {
	if r.metric == nil {
		return nil
	}
	var best *model.JobRecord
	for i := range records {
		rec := &records[i]
		if rec.State != model.SucceededState {
			continue
		}
		v, ok := rec.FinalResult[r.metric.Name]
		if !ok {
			continue
		}
		if best == nil {
			best = rec
			continue
		}
		b := best.FinalResult[r.metric.Name]
		if (r.metric.SmallerIsBetter && v < b) || (!r.metric.SmallerIsBetter && v > b) {
			best = rec
		}
	}
	if best == nil {
		return nil
	}
	return &BestResult{
		JobID:   best.Spec.ID,
		Params:  best.Spec.Params,
		Metrics: best.FinalResult,
		Lineage: lineage(records, best),
	}
}

// lineage walks the resumes-links back to the job's original submission.
func lineage(records []model.JobRecord, rec *model.JobRecord) []model.JobID {
	byID := make(map[model.JobID]*model.JobRecord, len(records))
	for i := range records {
		byID[records[i].Spec.ID] = &records[i]
	}
	var chain []model.JobID
	cur := rec
	for cur.Spec.ResumesJob != nil {
		parent, ok := byID[*cur.Spec.ResumesJob]
		if !ok {
			break
		}
		chain = append([]model.JobID{parent.Spec.ID}, chain...)
		cur = parent
	}
	return chain
}
