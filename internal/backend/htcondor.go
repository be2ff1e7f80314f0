package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sweepline-ai/sweepline/internal/config"
	"github.com/sweepline-ai/sweepline/pkg/model"
	"github.com/sweepline-ai/sweepline/pkg/set"
)

// HTCondor drives jobs through condor_submit, condor_q/condor_history and
// condor_rm. Statuses are queried in two batched calls per poll: condor_q for
// live jobs and condor_history for ones that already left the queue.
type HTCondor struct {
	cfg        config.BackendConfig
	condor     config.HTCondorConfig
	script     string
	reportAddr string

	run     commandRunner
	limiter *rate.Limiter
	log     *log.Entry
}

// NewHTCondor creates an HTCondor backend.
func NewHTCondor(cfg config.BackendConfig, script, reportAddr string) *HTCondor {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if interval := cfg.MinPollInterval.D(); interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	h := &HTCondor{
		cfg:        cfg,
		script:     script,
		reportAddr: reportAddr,
		run:        execRunner,
		limiter:    limiter,
		log:        log.WithField("component", "backend-htcondor"),
	}
	if cfg.HTCondor != nil {
		h.condor = *cfg.HTCondor
	}
	return h
}

var condorClusterRe = regexp.MustCompile(`^(\d+)\.`)

// Submit writes a submit description and hands it to condor_submit.
func (h *HTCondor) Submit(ctx context.Context, spec model.JobSpec) (model.Handle, error) {
	paramsPath, err := prepareWorkDir(spec)
	if err != nil {
		return "", &SubmissionError{Fatal: true, Err: err}
	}
	subPath := filepath.Join(spec.WorkDir, "condor.sub")
	if err := os.WriteFile(subPath, []byte(h.submitDescription(spec, paramsPath)), 0o644); err != nil {
		return "", &SubmissionError{Fatal: true, Err: errors.Wrap(err, "error writing submit description")}
	}

	out, err := h.run(ctx, "condor_submit", "-terse", subPath)
	if err != nil {
		return "", &SubmissionError{Fatal: false, Err: err}
	}
	// -terse prints "42.0 - 42.0"; the cluster id is what condor_q keys on.
	m := condorClusterRe.FindStringSubmatch(strings.TrimSpace(string(out)))
	if m == nil {
		return "", &SubmissionError{Fatal: true, Err: errors.Errorf("unparseable condor_submit output %q", out)}
	}
	return model.Handle(m[1]), nil
}

func (h *HTCondor) submitDescription(spec model.JobSpec, paramsPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "executable = %s\n", h.script)
	fmt.Fprintf(&b, "initialdir = %s\n", spec.WorkDir)
	fmt.Fprintf(&b, "environment = \"%s\"\n", strings.Join(jobEnv(spec, h.reportAddr, paramsPath), " "))
	if spec.Resources.CPUs > 0 {
		fmt.Fprintf(&b, "request_cpus = %d\n", spec.Resources.CPUs)
	}
	if spec.Resources.MemoryMB > 0 {
		fmt.Fprintf(&b, "request_memory = %dMB\n", spec.Resources.MemoryMB)
	}
	if spec.Resources.GPUs > 0 {
		fmt.Fprintf(&b, "request_gpus = %d\n", spec.Resources.GPUs)
	}
	if h.condor.Requirements != "" {
		fmt.Fprintf(&b, "requirements = %s\n", h.condor.Requirements)
	}
	for _, line := range h.condor.ExtraLines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("queue\n")
	return b.String()
}

// Poll queries the live queue, then history for whatever already left it.
func (h *HTCondor) Poll(
	ctx context.Context, handles set.Set[model.Handle],
) (map[model.Handle]model.BackendStatus, error) {
	out := make(map[model.Handle]model.BackendStatus, handles.Len())
	for handle := range handles {
		out[handle] = model.StatusUnknown
	}
	if handles.Len() == 0 {
		return out, nil
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return out, err
	}

	ids := make([]string, 0, handles.Len())
	for handle := range handles {
		ids = append(ids, string(handle))
	}
	sort.Strings(ids)

	queueArgs := append([]string{}, ids...)
	queueArgs = append(queueArgs, "-af", "ClusterId", "JobStatus", "ExitCode")
	raw, err := h.run(ctx, "condor_q", queueArgs...)
	if err != nil {
		return out, errors.Wrap(err, "condor_q query failed")
	}
	live := parseCondor(raw)

	var missing []string
	for _, id := range ids {
		if _, ok := live[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		histArgs := append([]string{}, missing...)
		histArgs = append(histArgs, "-af", "ClusterId", "JobStatus", "ExitCode")
		raw, err := h.run(ctx, "condor_history", histArgs...)
		if err != nil {
			return out, errors.Wrap(err, "condor_history query failed")
		}
		for id, status := range parseCondor(raw) {
			live[id] = status
		}
	}

	for id, status := range live {
		handle := model.Handle(id)
		if handles.Contains(handle) {
			out[handle] = status
		}
	}
	return out, nil
}

// parseCondor maps `-af ClusterId JobStatus ExitCode` rows to statuses. The
// ExitCode attribute is "undefined" until the job completes.
func parseCondor(raw []byte) map[string]model.BackendStatus {
	out := make(map[string]model.BackendStatus)
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		jobStatus, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		exitCode := ""
		if len(fields) > 2 {
			exitCode = fields[2]
		}
		out[fields[0]] = condorStatus(jobStatus, exitCode)
	}
	return out
}

func condorStatus(jobStatus int, exitCode string) model.BackendStatus {
	switch jobStatus {
	case 1, 5: // idle, held
		return model.StatusQueued
	case 2, 6: // running, transferring output
		return model.StatusRunning
	case 3: // removed
		return model.StatusFailed
	case 4: // completed
		switch exitCode {
		case "0":
			return model.StatusCompleted
		case strconv.Itoa(ResumeExitCode):
			return model.StatusResumeExit
		default:
			return model.StatusFailed
		}
	default:
		return model.StatusUnknown
	}
}

// Cancel runs condor_rm; failure to cancel is the caller's to log, not fatal.
func (h *HTCondor) Cancel(ctx context.Context, handle model.Handle) error {
	if _, err := h.run(ctx, "condor_rm", string(handle)); err != nil {
		return errors.Wrapf(err, "error removing condor job %s", handle)
	}
	return nil
}

// Close is a no-op: condor holds no orchestrator-side resources.
func (h *HTCondor) Close() error {
	return nil
}
