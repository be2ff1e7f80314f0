package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sweepline-ai/sweepline/pkg/model"
	"github.com/sweepline-ai/sweepline/pkg/set"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func pollUntil(
	t *testing.T, l *Local, handle model.Handle, want model.BackendStatus,
) {
	t.Helper()
	handles := set.FromSlice([]model.Handle{handle})
	require.Eventually(t, func() bool {
		out, err := l.Poll(context.Background(), handles)
		require.NoError(t, err)
		return out[handle] == want
	}, 10*time.Second, 20*time.Millisecond)
}

func TestLocalLifecycle(t *testing.T) {
	l := NewLocal(writeScript(t, "exit 0"), "127.0.0.1:1")
	defer func() { require.NoError(t, l.Close()) }()

	spec := model.JobSpec{ID: 1, Params: model.Params{"lr": 0.1}, WorkDir: filepath.Join(t.TempDir(), "job-0001")}
	handle, err := l.Submit(context.Background(), spec)
	require.NoError(t, err)

	pollUntil(t, l, handle, model.StatusCompleted)

	// The params file is in place for the job to read.
	_, err = os.Stat(filepath.Join(spec.WorkDir, ParamsFileName))
	require.NoError(t, err)
}

func TestLocalResumeExitCode(t *testing.T) {
	l := NewLocal(writeScript(t, "exit 85"), "127.0.0.1:1")
	defer func() { require.NoError(t, l.Close()) }()

	handle, err := l.Submit(context.Background(), model.JobSpec{ID: 1, WorkDir: t.TempDir()})
	require.NoError(t, err)
	pollUntil(t, l, handle, model.StatusResumeExit)
}

func TestLocalFailure(t *testing.T) {
	l := NewLocal(writeScript(t, "exit 3"), "127.0.0.1:1")
	defer func() { require.NoError(t, l.Close()) }()

	handle, err := l.Submit(context.Background(), model.JobSpec{ID: 1, WorkDir: t.TempDir()})
	require.NoError(t, err)
	pollUntil(t, l, handle, model.StatusFailed)
}

func TestLocalCancel(t *testing.T) {
	l := NewLocal(writeScript(t, "sleep 60"), "127.0.0.1:1")
	defer func() { require.NoError(t, l.Close()) }()

	handle, err := l.Submit(context.Background(), model.JobSpec{ID: 1, WorkDir: t.TempDir()})
	require.NoError(t, err)
	pollUntil(t, l, handle, model.StatusRunning)

	require.NoError(t, l.Cancel(context.Background(), handle))
	pollUntil(t, l, handle, model.StatusFailed)
}

func TestLocalMissingScriptFatal(t *testing.T) {
	l := NewLocal(filepath.Join(t.TempDir(), "nope.sh"), "127.0.0.1:1")
	defer func() { require.NoError(t, l.Close()) }()

	_, err := l.Submit(context.Background(), model.JobSpec{ID: 1, WorkDir: t.TempDir()})
	require.True(t, IsFatalSubmission(err))
}

func TestLocalPollUnknownHandle(t *testing.T) {
	l := NewLocal(writeScript(t, "exit 0"), "127.0.0.1:1")
	defer func() { require.NoError(t, l.Close()) }()

	out, err := l.Poll(context.Background(), set.FromSlice([]model.Handle{"never-submitted"}))
	require.NoError(t, err)
	require.Equal(t, model.StatusUnknown, out["never-submitted"])
}
