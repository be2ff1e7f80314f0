package backend

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/sweepline-ai/sweepline/pkg/model"
	"github.com/sweepline-ai/sweepline/pkg/set"
)

// Local runs jobs as child processes of the orchestrator. Useful for
// development and as the dummy substrate in tests; it skips the queued phase
// entirely.
type Local struct {
	script     string
	reportAddr string

	mu   sync.Mutex
	jobs map[model.Handle]*localJob

	log *log.Entry
}

type localJob struct {
	cmd  *exec.Cmd
	done chan struct{}
	exit int
}

// NewLocal creates a local-process backend.
func NewLocal(script, reportAddr string) *Local {
	return &Local{
		script:     script,
		reportAddr: reportAddr,
		jobs:       make(map[model.Handle]*localJob),
		log:        log.WithField("component", "backend-local"),
	}
}

// Submit starts the run script as a child process.
func (l *Local) Submit(ctx context.Context, spec model.JobSpec) (model.Handle, error) {
	paramsPath, err := prepareWorkDir(spec)
	if err != nil {
		return "", &SubmissionError{Fatal: true, Err: err}
	}
	if _, err := os.Stat(l.script); err != nil {
		return "", &SubmissionError{Fatal: true, Err: errors.Wrapf(err, "run script %q", l.script)}
	}

	cmd := exec.Command(l.script)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), jobEnv(spec, l.reportAddr, paramsPath)...)
	if err := cmd.Start(); err != nil {
		// Fork/exec failures are environmental and may clear up; retry.
		return "", &SubmissionError{Fatal: false, Err: errors.Wrap(err, "error starting job process")}
	}

	handle := model.Handle("local-" + uuid.NewString())
	job := &localJob{cmd: cmd, done: make(chan struct{})}
	l.mu.Lock()
	l.jobs[handle] = job
	l.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		job.exit = cmd.ProcessState.ExitCode()
		close(job.done)
	}()

	l.log.WithFields(log.Fields{"job": spec.ID, "pid": cmd.Process.Pid}).Debug("started job process")
	return handle, nil
}

// Poll reports each process's state; no external query exists to fail here.
func (l *Local) Poll(
	ctx context.Context, handles set.Set[model.Handle],
) (map[model.Handle]model.BackendStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[model.Handle]model.BackendStatus, handles.Len())
	for handle := range handles {
		job, ok := l.jobs[handle]
		if !ok {
			out[handle] = model.StatusUnknown
			continue
		}
		select {
		case <-job.done:
			switch job.exit {
			case 0:
				out[handle] = model.StatusCompleted
			case ResumeExitCode:
				out[handle] = model.StatusResumeExit
			default:
				out[handle] = model.StatusFailed
			}
		default:
			out[handle] = model.StatusRunning
		}
	}
	return out, nil
}

// Cancel kills the job process.
func (l *Local) Cancel(ctx context.Context, handle model.Handle) error {
	l.mu.Lock()
	job, ok := l.jobs[handle]
	l.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown handle %q", handle)
	}
	select {
	case <-job.done:
		return nil
	default:
	}
	if err := job.cmd.Process.Kill(); err != nil {
		return errors.Wrapf(err, "error killing process for handle %q", handle)
	}
	return nil
}

// Close kills any processes still running.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for handle, job := range l.jobs {
		select {
		case <-job.done:
		default:
			if err := job.cmd.Process.Kill(); err != nil {
				l.log.WithError(err).WithField("handle", handle).Warn("error killing job process")
			}
		}
	}
	return nil
}
