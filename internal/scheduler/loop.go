// Package scheduler runs the top-level control loop of a run: it submits
// pending jobs under the concurrency limit, polls the backend in batches,
// sweeps timeouts, prunes hopeless jobs, mints resubmissions and drives the
// search method at batch boundaries. The loop and the report-channel receiver
// are the only concurrent actors; both touch shared state exclusively through
// the registry's synchronized operations.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/sweepline-ai/sweepline/internal/backend"
	"github.com/sweepline-ai/sweepline/internal/comms"
	"github.com/sweepline-ai/sweepline/internal/config"
	"github.com/sweepline-ai/sweepline/internal/errgroupx"
	"github.com/sweepline-ai/sweepline/internal/prom"
	"github.com/sweepline-ai/sweepline/internal/registry"
	"github.com/sweepline-ai/sweepline/internal/report"
	"github.com/sweepline-ai/sweepline/pkg/model"
	"github.com/sweepline-ai/sweepline/pkg/searcher"
	"github.com/sweepline-ai/sweepline/pkg/set"
)

// Loop is the orchestration context of one run. Construct with New, run once.
type Loop struct {
	cfg      *config.Config
	reg      *registry.Registry
	backend  backend.Backend
	method   searcher.Method
	sctx     searcher.Context
	server   *comms.Server
	reporter *report.Reporter

	canceled   map[model.JobID]bool      // cancel already issued for this id
	respawned  map[model.JobID]bool      // RESUBMIT_REQUESTED already reborn
	retryAfter map[model.JobID]time.Time // submission backoff deadlines

	pollFailures int
	iteration    int
	// drained is set once the method stops proposing; the run ends when it is
	// set and no job is live.
	drained bool

	log *log.Entry
}

// New assembles a run from its already-constructed parts.
func New(
	cfg *config.Config,
	reg *registry.Registry,
	b backend.Backend,
	method searcher.Method,
	server *comms.Server,
	reporter *report.Reporter,
) *Loop {
	return &Loop{
		cfg:        cfg,
		reg:        reg,
		backend:    b,
		method:     method,
		sctx:       searcher.NewContext(cfg.Optimizer.Seed, cfg.Optimizer.Space()),
		server:     server,
		reporter:   reporter,
		canceled:   make(map[model.JobID]bool),
		respawned:  make(map[model.JobID]bool),
		retryAfter: make(map[model.JobID]time.Time),
		log:        log.WithField("component", "scheduler"),
	}
}

// Run executes the loop and the report-channel receiver until the search
// completes, a run-level fatal error occurs, or the context is canceled.
// Whatever the exit path, all non-terminal jobs are canceled best-effort and
// the final registry snapshot is flushed to the reporter.
func (l *Loop) Run(ctx context.Context) error {
	g := errgroupx.WithContext(ctx)
	g.Go(l.server.Run)
	g.Go(func(ctx context.Context) error {
		defer g.Cancel()
		return l.run(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		l.log.Info("run canceled, shutting down")
		err = nil
	}

	l.cancelRemaining()
	if werr := l.reporter.WriteSummary(l.reg.Snapshot()); werr != nil {
		l.log.WithError(werr).Error("failed to write run summary")
		if err == nil {
			err = werr
		}
	}
	return err
}

func (l *Loop) run(ctx context.Context) error {
	// Seed the first batch before the first tick.
	if err := l.advance(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(l.cfg.Scheduler.TickInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				return err
			}
			if l.done() {
				l.log.WithField("jobs", l.reg.Len()).Info("search complete")
				return nil
			}
		}
	}
}

func (l *Loop) tick(ctx context.Context) error {
	if err := l.pollBackend(ctx); err != nil {
		return err
	}
	l.sweepTimeouts(ctx)
	l.pruneHopeless(ctx)
	l.mintResubmissions()
	l.submitPending(ctx)
	if l.batchBoundary() {
		if err := l.advance(ctx); err != nil {
			return err
		}
	}
	return nil
}

// pollBackend runs one batched status query and folds the results into the
// registry. Consecutive query failures beyond the configured budget abort the
// run; anything less is retried next tick.
func (l *Loop) pollBackend(ctx context.Context) error {
	active := l.reg.List(model.SubmittedState, model.RunningState)
	if len(active) == 0 {
		return nil
	}
	handles := set.New[model.Handle]()
	byHandle := make(map[model.Handle]model.JobID, len(active))
	for i := range active {
		handles.Insert(active[i].Handle)
		byHandle[active[i].Handle] = active[i].Spec.ID
	}

	stop := prom.Time(prom.PollSeconds)
	statuses, err := l.backend.Poll(ctx, handles)
	stop()
	if err != nil {
		l.pollFailures++
		l.log.WithError(err).WithField("consecutive", l.pollFailures).Warn("backend status query failed")
		if l.pollFailures >= l.cfg.Scheduler.PollFailureBudget {
			return errors.Wrap(err, "backend unreachable, poll retry budget exhausted")
		}
	} else {
		l.pollFailures = 0
	}

	for handle, status := range statuses {
		id, ok := byHandle[handle]
		if !ok {
			continue
		}
		if aerr := l.reg.ApplyBackendStatus(id, status); aerr != nil {
			l.log.WithError(aerr).WithField("job", id).Warn("failed to apply backend status")
		}
	}
	return nil
}

// sweepTimeouts fails every non-terminal job past its deadline, issuing one
// best-effort cancel for it.
func (l *Loop) sweepTimeouts(ctx context.Context) {
	timeout := l.cfg.Scheduler.JobTimeout.D()
	now := time.Now()
	for _, rec := range l.reg.List(model.PendingState, model.SubmittedState, model.RunningState) {
		start := rec.CreatedAt
		if rec.SubmittedAt != nil {
			start = *rec.SubmittedAt
		}
		if now.Sub(start) <= timeout {
			continue
		}
		l.log.WithFields(log.Fields{"job": rec.Spec.ID, "timeout": timeout}).Warn("job deadline exceeded")
		l.cancelOnce(ctx, rec.Spec.ID, rec.Handle)
		if err := l.reg.MarkFailed(rec.Spec.ID, model.ReasonTimeout, false); err != nil {
			l.log.WithError(err).WithField("job", rec.Spec.ID).Warn("failed to mark timeout")
		}
	}
}

// pruneHopeless cancels running jobs whose reported partial results are
// already worse than the search method's elite threshold.
func (l *Loop) pruneHopeless(ctx context.Context) {
	pruner, ok := l.method.(searcher.Pruner)
	if !ok {
		return
	}
	threshold, ok := pruner.EliteThreshold()
	if !ok {
		return
	}
	metric, ok := l.cfg.Optimizer.Metric()
	if !ok {
		return
	}
	for _, rec := range l.reg.List(model.RunningState) {
		v, ok := latestIntermediate(&rec, metric.Name)
		if !ok {
			continue
		}
		worse := v > threshold
		if !metric.SmallerIsBetter {
			worse = v < threshold
		}
		if !worse {
			continue
		}
		l.log.WithFields(log.Fields{
			"job":       rec.Spec.ID,
			"value":     v,
			"threshold": threshold,
		}).Info("early-stopping job, partial result worse than elite threshold")
		l.cancelOnce(ctx, rec.Spec.ID, rec.Handle)
		if err := l.reg.MarkFailed(rec.Spec.ID, model.ReasonEarlyStopped, false); err != nil {
			l.log.WithError(err).WithField("job", rec.Spec.ID).Warn("failed to mark early stop")
		}
	}
}

func latestIntermediate(rec *model.JobRecord, metric string) (float64, bool) {
	for i := len(rec.Intermediates) - 1; i >= 0; i-- {
		if v, ok := rec.Intermediates[i].Metrics[metric]; ok {
			return v, true
		}
	}
	return 0, false
}

// mintResubmissions creates the successor spec for every resume request not
// yet reborn. The original id stays terminal in RESUBMIT_REQUESTED; the
// successor carries a fresh id linked through the resumes relation.
func (l *Loop) mintResubmissions() {
	for _, rec := range l.reg.List(model.ResubmitRequestedState) {
		if l.respawned[rec.Spec.ID] {
			continue
		}
		l.respawned[rec.Spec.ID] = true
		parent := rec.Spec
		id := l.createJob(parent.Params, func(spec *model.JobSpec) {
			spec.Resubmissions = parent.Resubmissions + 1
			resumes := parent.ID
			spec.ResumesJob = &resumes
		})
		l.log.WithFields(log.Fields{
			"job":           id,
			"resumes":       parent.ID,
			"resubmissions": parent.Resubmissions + 1,
		}).Info("resubmitting job")
	}
}

// createJob registers a new PENDING job for the given parameters.
func (l *Loop) createJob(params model.Params, mutate func(*model.JobSpec)) model.JobID {
	merged := make(model.Params, len(l.cfg.FixedParams)+len(params))
	for k, v := range l.cfg.FixedParams {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return l.reg.Create(func(id model.JobID) model.JobSpec {
		spec := model.JobSpec{
			Params:    merged,
			WorkDir:   filepath.Join(l.cfg.WorkRoot, fmt.Sprintf("job-%04d", id)),
			Resources: l.cfg.Backend.Resources,
		}
		if mutate != nil {
			mutate(&spec)
		}
		return spec
	})
}

// submitPending fills free concurrency slots with PENDING jobs, retrying
// transient submission failures with bounded backoff.
func (l *Loop) submitPending(ctx context.Context) {
	slots := l.cfg.Scheduler.ConcurrencyLimit - l.reg.Count(model.SubmittedState, model.RunningState)
	if slots <= 0 {
		return
	}
	now := time.Now()
	for _, rec := range l.reg.List(model.PendingState) {
		if slots <= 0 {
			return
		}
		if until, ok := l.retryAfter[rec.Spec.ID]; ok && now.Before(until) {
			continue
		}

		prom.SubmissionsTotal.Inc()
		handle, err := l.backend.Submit(ctx, rec.Spec)
		if err == nil {
			delete(l.retryAfter, rec.Spec.ID)
			if merr := l.reg.MarkSubmitted(rec.Spec.ID, handle); merr != nil {
				l.log.WithError(merr).WithField("job", rec.Spec.ID).Warn("failed to mark submission")
				continue
			}
			slots--
			l.log.WithFields(log.Fields{"job": rec.Spec.ID, "handle": handle}).Info("submitted job")
			continue
		}

		if backend.IsFatalSubmission(err) {
			l.log.WithError(err).WithField("job", rec.Spec.ID).Error("fatal submission failure")
			l.failPending(rec.Spec.ID)
			continue
		}
		failures, rerr := l.reg.RecordSubmitFailure(rec.Spec.ID)
		if rerr != nil {
			l.log.WithError(rerr).WithField("job", rec.Spec.ID).Warn("failed to record submit failure")
			continue
		}
		if failures > l.cfg.Scheduler.SubmitRetries {
			l.log.WithError(err).WithFields(log.Fields{
				"job":      rec.Spec.ID,
				"attempts": failures,
			}).Error("submission retries exhausted")
			l.failPending(rec.Spec.ID)
			continue
		}
		backoff := time.Duration(failures) * l.cfg.Scheduler.SubmitBackoff.D()
		l.retryAfter[rec.Spec.ID] = now.Add(backoff)
		l.log.WithError(err).WithFields(log.Fields{
			"job":     rec.Spec.ID,
			"attempt": failures,
			"backoff": backoff,
		}).Warn("submission failed, will retry")
	}
}

func (l *Loop) failPending(id model.JobID) {
	delete(l.retryAfter, id)
	if err := l.reg.MarkFailed(id, model.ReasonSubmission, false); err != nil {
		l.log.WithError(err).WithField("job", id).Warn("failed to mark submission failure")
	}
}

// batchBoundary reports whether the current iteration has fully drained.
func (l *Loop) batchBoundary() bool {
	return l.reg.Count(model.PendingState, model.SubmittedState, model.RunningState) == 0
}

// advance hands the finished history to the search method and registers the
// proposed batch. A proposal outside the declared space is a configuration or
// algorithm bug, fatal to the run.
func (l *Loop) advance(ctx context.Context) error {
	if l.drained {
		return nil
	}
	if l.iteration > 0 {
		l.reporter.IterationDone(l.iteration, l.reg.Snapshot())
	}

	var history []searcher.Trial
	for _, rec := range l.reg.List(model.SucceededState) {
		history = append(history, searcher.Trial{
			Params:  rec.Spec.Params,
			Metrics: rec.FinalResult,
		})
	}
	proposals, err := l.method.Propose(l.sctx, history)
	if err != nil {
		return errors.Wrap(err, "search method failed")
	}
	if len(proposals) == 0 {
		l.drained = true
		return nil
	}

	space := l.cfg.Optimizer.Space()
	for _, params := range proposals {
		if verr := searcher.ValidateParams(space, params); verr != nil {
			return errors.Wrap(verr, "search method proposal violates the declared space")
		}
	}
	l.iteration++
	for _, params := range proposals {
		l.createJob(params, nil)
	}
	l.log.WithFields(log.Fields{
		"iteration": l.iteration,
		"proposed":  len(proposals),
	}).Info("proposed new batch")
	return nil
}

func (l *Loop) done() bool {
	return l.drained && l.batchBoundary()
}

// cancelOnce issues at most one best-effort cancel per job id.
func (l *Loop) cancelOnce(ctx context.Context, id model.JobID, handle model.Handle) {
	if l.canceled[id] || handle == "" {
		return
	}
	l.canceled[id] = true
	prom.CancelsTotal.Inc()
	if err := l.backend.Cancel(ctx, handle); err != nil {
		l.log.WithError(err).WithField("job", id).Warn("best-effort cancel failed")
	}
}

// cancelRemaining cancels every non-terminal job during teardown and fails its
// record so the summary reflects the abort.
func (l *Loop) cancelRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var result *multierror.Error
	for _, rec := range l.reg.List(model.PendingState, model.SubmittedState, model.RunningState) {
		l.cancelOnce(ctx, rec.Spec.ID, rec.Handle)
		if err := l.reg.MarkFailed(rec.Spec.ID, model.ReasonCanceled, false); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		l.log.WithError(err).Warn("errors while canceling remaining jobs")
	}
}
