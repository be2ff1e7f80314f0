// Package backend drives the execution substrate through a narrow capability
// interface. It is the only place process and queue-system specifics live;
// the rest of the orchestrator sees opaque handles and coarse statuses.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/sweepline-ai/sweepline/internal/config"
	"github.com/sweepline-ai/sweepline/pkg/model"
	"github.com/sweepline-ai/sweepline/pkg/set"
)

// ResumeExitCode is the reserved process exit code by which a job signals
// "checkpoint and resubmit me" without reaching the report channel.
const ResumeExitCode = 85

// Environment variables of the job contract.
const (
	EnvJobID      = "SWEEPLINE_JOB_ID"
	EnvReportAddr = "SWEEPLINE_REPORT_ADDR"
	EnvParamsFile = "SWEEPLINE_PARAMS"
)

// ParamsFileName is the per-job parameter file written into the working
// directory before submission.
const ParamsFileName = "params.json"

// Backend is the uniform interface to one execution substrate.
//
// Poll is batched: one external query per call regardless of handle count. The
// returned map covers every requested handle; when the underlying query fails,
// the affected handles map to StatusUnknown and the error describes the
// failure so the loop can track its retry budget. Cancel is best-effort.
type Backend interface {
	Submit(ctx context.Context, spec model.JobSpec) (model.Handle, error)
	Poll(ctx context.Context, handles set.Set[model.Handle]) (map[model.Handle]model.BackendStatus, error)
	Cancel(ctx context.Context, handle model.Handle) error
	Close() error
}

// SubmissionError is returned by Submit. Retryable submission failures are
// retried by the loop with backoff; fatal ones fail the job immediately.
type SubmissionError struct {
	Fatal bool
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission failed: %v", e.Err)
}

// Unwrap implements errors.Unwrap.
func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsFatalSubmission reports whether the error is a non-retryable submission failure.
func IsFatalSubmission(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se) && se.Fatal
}

// New constructs the configured backend.
func New(cfg config.BackendConfig, script, reportAddr string) (Backend, error) {
	switch cfg.Type {
	case config.LocalBackend:
		return NewLocal(script, reportAddr), nil
	case config.SlurmBackend:
		return NewSlurm(cfg, script, reportAddr), nil
	case config.HTCondorBackend:
		return NewHTCondor(cfg, script, reportAddr), nil
	default:
		return nil, errors.Errorf("unknown backend type %q", cfg.Type)
	}
}

// prepareWorkDir creates the job's working directory and writes its parameter
// file, returning the file's path.
func prepareWorkDir(spec model.JobSpec) (string, error) {
	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "error creating work dir for job %d", spec.ID)
	}
	path := filepath.Join(spec.WorkDir, ParamsFileName)
	bs, err := json.MarshalIndent(spec.Params, "", "  ")
	if err != nil {
		return "", errors.Wrapf(err, "error encoding params for job %d", spec.ID)
	}
	if err := os.WriteFile(path, bs, 0o644); err != nil {
		return "", errors.Wrapf(err, "error writing params file for job %d", spec.ID)
	}
	return path, nil
}

// jobEnv builds the contract environment entries for a job.
func jobEnv(spec model.JobSpec, reportAddr, paramsPath string) []string {
	return []string{
		fmt.Sprintf("%s=%d", EnvJobID, spec.ID),
		fmt.Sprintf("%s=%s", EnvReportAddr, reportAddr),
		fmt.Sprintf("%s=%s", EnvParamsFile, paramsPath),
	}
}
