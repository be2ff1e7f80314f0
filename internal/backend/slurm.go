package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
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

// commandRunner abstracts scheduler CLI invocations so tests can feed canned
// output without a cluster.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "%s failed: %s", name, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Slurm drives jobs through sbatch, sacct and scancel. All status queries are
// batched into a single sacct call per poll and throttled to keep load on the
// scheduler bounded.
type Slurm struct {
	cfg        config.BackendConfig
	slurm      config.SlurmConfig
	script     string
	reportAddr string

	run     commandRunner
	limiter *rate.Limiter
	log     *log.Entry
}

// NewSlurm creates a Slurm backend.
func NewSlurm(cfg config.BackendConfig, script, reportAddr string) *Slurm {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if interval := cfg.MinPollInterval.D(); interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	s := &Slurm{
		cfg:        cfg,
		script:     script,
		reportAddr: reportAddr,
		run:        execRunner,
		limiter:    limiter,
		log:        log.WithField("component", "backend-slurm"),
	}
	if cfg.Slurm != nil {
		s.slurm = *cfg.Slurm
	}
	return s
}

// Submit writes a batch script and hands it to sbatch.
func (s *Slurm) Submit(ctx context.Context, spec model.JobSpec) (model.Handle, error) {
	paramsPath, err := prepareWorkDir(spec)
	if err != nil {
		return "", &SubmissionError{Fatal: true, Err: err}
	}
	scriptPath := filepath.Join(spec.WorkDir, "sbatch.sh")
	if err := os.WriteFile(scriptPath, []byte(s.batchScript(spec, paramsPath)), 0o755); err != nil {
		return "", &SubmissionError{Fatal: true, Err: errors.Wrap(err, "error writing batch script")}
	}

	args := []string{"--parsable"}
	args = append(args, s.slurm.SbatchArgs...)
	args = append(args, scriptPath)
	out, err := s.run(ctx, "sbatch", args...)
	if err != nil {
		// Queue hiccups and submit-host load are transient; let the loop retry.
		return "", &SubmissionError{Fatal: false, Err: err}
	}
	// --parsable prints "jobid" or "jobid;cluster".
	id := strings.SplitN(strings.TrimSpace(string(out)), ";", 2)[0]
	if _, err := strconv.Atoi(id); err != nil {
		return "", &SubmissionError{Fatal: true, Err: errors.Errorf("unparseable sbatch output %q", out)}
	}
	return model.Handle(id), nil
}

func (s *Slurm) batchScript(spec model.JobSpec, paramsPath string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=sweepline-%d\n", spec.ID)
	fmt.Fprintf(&b, "#SBATCH --chdir=%s\n", spec.WorkDir)
	if spec.Resources.CPUs > 0 {
		fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%d\n", spec.Resources.CPUs)
	}
	if spec.Resources.MemoryMB > 0 {
		fmt.Fprintf(&b, "#SBATCH --mem=%dM\n", spec.Resources.MemoryMB)
	}
	if spec.Resources.GPUs > 0 {
		fmt.Fprintf(&b, "#SBATCH --gres=gpu:%d\n", spec.Resources.GPUs)
	}
	if s.slurm.Partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", s.slurm.Partition)
	}
	if s.slurm.Account != "" {
		fmt.Fprintf(&b, "#SBATCH --account=%s\n", s.slurm.Account)
	}
	for k, v := range spec.Resources.Extra {
		fmt.Fprintf(&b, "#SBATCH --%s=%s\n", k, v)
	}
	for _, kv := range jobEnv(spec, s.reportAddr, paramsPath) {
		fmt.Fprintf(&b, "export %s\n", kv)
	}
	fmt.Fprintf(&b, "exec %s\n", s.script)
	return b.String()
}

// Poll queries sacct once for all handles. A query failure maps every handle
// to StatusUnknown and surfaces the error for the loop's failure budget.
func (s *Slurm) Poll(
	ctx context.Context, handles set.Set[model.Handle],
) (map[model.Handle]model.BackendStatus, error) {
	out := make(map[model.Handle]model.BackendStatus, handles.Len())
	for handle := range handles {
		out[handle] = model.StatusUnknown
	}
	if handles.Len() == 0 {
		return out, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return out, err
	}

	ids := make([]string, 0, handles.Len())
	for handle := range handles {
		ids = append(ids, string(handle))
	}
	sort.Strings(ids)

	raw, err := s.run(ctx, "sacct",
		"-X", "-n", "-P",
		"-o", "JobID,State,ExitCode",
		"-j", strings.Join(ids, ","))
	if err != nil {
		return out, errors.Wrap(err, "sacct query failed")
	}

	for id, status := range parseSacct(raw) {
		handle := model.Handle(id)
		if handles.Contains(handle) {
			out[handle] = status
		}
	}
	// Handles missing from sacct output are freshly submitted jobs the
	// accounting database has not seen yet; report them queued.
	for handle, status := range out {
		if status == model.StatusUnknown {
			out[handle] = model.StatusQueued
		}
	}
	return out, nil
}

// parseSacct maps `sacct -X -n -P -o JobID,State,ExitCode` lines to statuses.
func parseSacct(raw []byte) map[string]model.BackendStatus {
	out := make(map[string]model.BackendStatus)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 3 {
			continue
		}
		// "CANCELLED by 1234" carries the canceling uid; only the first word
		// names the state.
		state := strings.Fields(fields[1])[0]
		exit := strings.SplitN(fields[2], ":", 2)[0]
		out[fields[0]] = slurmStatus(state, exit)
	}
	return out
}

func slurmStatus(state, exitCode string) model.BackendStatus {
	switch state {
	case "PENDING", "REQUEUED", "SUSPENDED", "RESIZING":
		return model.StatusQueued
	case "RUNNING", "COMPLETING":
		return model.StatusRunning
	case "COMPLETED":
		return model.StatusCompleted
	case "FAILED":
		if exitCode == strconv.Itoa(ResumeExitCode) {
			return model.StatusResumeExit
		}
		return model.StatusFailed
	case "CANCELLED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "PREEMPTED",
		"BOOT_FAIL", "DEADLINE":
		return model.StatusFailed
	default:
		return model.StatusUnknown
	}
}

// Cancel runs scancel; failure to cancel is the caller's to log, not fatal.
func (s *Slurm) Cancel(ctx context.Context, handle model.Handle) error {
	if _, err := s.run(ctx, "scancel", string(handle)); err != nil {
		return errors.Wrapf(err, "error canceling slurm job %s", handle)
	}
	return nil
}

// Close is a no-op: slurm holds no orchestrator-side resources.
func (s *Slurm) Close() error {
	return nil
}
