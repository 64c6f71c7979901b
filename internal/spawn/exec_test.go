package spawn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/j-tyler/ken/internal/logger"
)

func TestExecDriver_SpawnEchoesPromptAndExitsCleanly(t *testing.T) {
	d := NewExecDriver([]string{"/bin/cat"}, logger.Default())
	h, err := d.Spawn(context.Background(), Spec{SessionID: "s1", Prompt: "hello agent", WorkingDir: t.TempDir()})
	require.NoError(t, err)
	require.NotEmpty(t, h.Pid())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := h.Wait(ctx)
	require.False(t, result.Crashed)
}

func TestExecDriver_SpawnNonzeroExitIsCrashed(t *testing.T) {
	d := NewExecDriver([]string{"/bin/sh", "-c", "exit 1"}, logger.Default())
	h, err := d.Spawn(context.Background(), Spec{SessionID: "s1", Prompt: "", WorkingDir: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := h.Wait(ctx)
	require.True(t, result.Crashed)
	require.Equal(t, 1, result.ExitCode)
}

func TestExecDriver_StopSendsTermAndProcessExits(t *testing.T) {
	d := NewExecDriver([]string{"/bin/sh", "-c", "trap 'exit 0' TERM; sleep 30"}, logger.Default())
	h, err := d.Spawn(context.Background(), Spec{SessionID: "s1", Prompt: "", WorkingDir: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx))
}

func TestExecDriver_SpawnRejectsEmptyCommand(t *testing.T) {
	d := NewExecDriver(nil, logger.Default())
	_, err := d.Spawn(context.Background(), Spec{SessionID: "s1"})
	require.Error(t, err)
}
