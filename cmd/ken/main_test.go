package main

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/j-tyler/ken/internal/session"
)

func withTempProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return dir
}

func TestRun_InitThenWakeThenStatus(t *testing.T) {
	withTempProject(t)

	require.Equal(t, exitOK, run([]string{"init"}))
	require.Equal(t, exitOK, run([]string{"wake", "demo/task", "--task", "say hello"}))
	require.Equal(t, exitOK, run([]string{"status"}))
	require.Equal(t, exitOK, run([]string{"tree"}))
}

func TestRun_WakeRequiresTask(t *testing.T) {
	withTempProject(t)
	require.Equal(t, exitOK, run([]string{"init"}))
	require.Equal(t, exitUserError, run([]string{"wake", "demo/task"}))
}

func TestRun_UnknownCommand(t *testing.T) {
	withTempProject(t)
	require.Equal(t, exitUserError, run([]string{"bogus"}))
}

func TestRun_CommandsFailWithoutInit(t *testing.T) {
	withTempProject(t)
	require.Equal(t, exitStoreError, run([]string{"status"}))
}

func TestRun_WakeStoresOneSession(t *testing.T) {
	withTempProject(t)
	require.Equal(t, exitOK, run([]string{"init"}))
	require.Equal(t, exitOK, run([]string{"wake", "demo/task", "--task", "say hello"}))

	_, _, s, code := openForQuery()
	require.Equal(t, exitOK, code)
	sessions, err := s.Query(context.Background(), session.Filter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.NoError(t, s.Close())
}
