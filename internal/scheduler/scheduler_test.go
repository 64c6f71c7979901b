package scheduler

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/j-tyler/ken/internal/bus"
	"github.com/j-tyler/ken/internal/compose"
	"github.com/j-tyler/ken/internal/logger"
	"github.com/j-tyler/ken/internal/session"
	"github.com/j-tyler/ken/internal/spawn"
	"github.com/j-tyler/ken/internal/store"
	"github.com/j-tyler/ken/internal/store/sqlite"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := sqlite.NewWithDB(db, db, bus.NewMemoryEventBus(), logger.Default())
	require.NoError(t, err)
	return s
}

type fakeHandle struct {
	exitCh chan spawn.ExitResult
}

func (h *fakeHandle) Wait(ctx context.Context) spawn.ExitResult {
	select {
	case r := <-h.exitCh:
		return r
	case <-ctx.Done():
		return spawn.ExitResult{Crashed: true, Err: ctx.Err()}
	}
}
func (h *fakeHandle) Stop(ctx context.Context) error { return nil }
func (h *fakeHandle) Pid() string                    { return "fake-1" }

type fakeDriver struct {
	spawned []spawn.Spec
	handles []*fakeHandle
}

func (d *fakeDriver) Spawn(ctx context.Context, spec spawn.Spec) (spawn.Handle, error) {
	d.spawned = append(d.spawned, spec)
	h := &fakeHandle{exitCh: make(chan spawn.ExitResult, 1)}
	d.handles = append(d.handles, h)
	return h, nil
}

func TestProcess_SpawnsHighestPriorityPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.CreateSession(ctx, store.NewSession{ID: "s1", KenPath: "core/foo", Task: "t"})
	require.NoError(t, err)

	driver := &fakeDriver{}
	sch := New(s, driver, compose.New(nil), bus.NewMemoryEventBus(), logger.Default(), Config{MaxActive: 1, ProjectRoot: t.TempDir()})

	require.NoError(t, sch.Process(ctx))

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, sess.Status)
	require.Len(t, driver.spawned, 1)
}

func TestProcess_RespectsConcurrencyBudget(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.CreateSession(ctx, store.NewSession{ID: "s1", KenPath: "core/foo", Task: "t"})
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, store.NewSession{ID: "s2", KenPath: "core/bar", Task: "t2"})
	require.NoError(t, err)

	driver := &fakeDriver{}
	sch := New(s, driver, compose.New(nil), bus.NewMemoryEventBus(), logger.Default(), Config{MaxActive: 1, ProjectRoot: t.TempDir()})

	require.NoError(t, sch.Process(ctx))
	require.NoError(t, sch.Process(ctx))

	require.Len(t, driver.spawned, 1, "second pending session should wait for budget")
}

func TestProcess_WakesSleepingSessionOnTriggerFire(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.CreateSession(ctx, store.NewSession{ID: "child", KenPath: "a", Task: "t"})
	require.NoError(t, err)
	complete := session.StatusComplete
	result := "done"

	waking := session.StatusWaking
	_, _ = s.UpdateSession(ctx, "child", session.Patch{Status: &waking})
	active := session.StatusActive
	_, _ = s.UpdateSession(ctx, "child", session.Patch{Status: &active})
	_, err = s.UpdateSession(ctx, "child", session.Patch{Status: &complete, Result: &result})
	require.NoError(t, err)

	_, err = s.CreateSession(ctx, store.NewSession{ID: "parent", KenPath: "p", Task: "t"})
	require.NoError(t, err)
	pWaking := session.StatusWaking
	_, _ = s.UpdateSession(ctx, "parent", session.Patch{Status: &pWaking})
	pActive := session.StatusActive
	_, _ = s.UpdateSession(ctx, "parent", session.Patch{Status: &pActive})
	trig := session.AllComplete("child")
	sleeping := session.StatusSleeping
	_, err = s.UpdateSession(ctx, "parent", session.Patch{Status: &sleeping, Trigger: &trig})
	require.NoError(t, err)

	driver := &fakeDriver{}
	sch := New(s, driver, compose.New(nil), bus.NewMemoryEventBus(), logger.Default(), Config{MaxActive: 1, ProjectRoot: t.TempDir()})
	require.NoError(t, sch.Process(ctx))

	parent, err := s.GetSession(ctx, "parent")
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, parent.Status, "trigger fired then session spawned within one Process call")

	require.Len(t, driver.spawned, 1)
	require.Contains(t, driver.spawned[0].Prompt, "## Dependency Results", "wake prompt must carry the fired trigger's referenced sessions")
	require.Contains(t, driver.spawned[0].Prompt, "child")
	require.Empty(t, parent.LastTriggerIDs, "consumed dependency ids are cleared once spawned")
}

func TestWatch_MarksFailedOnUnexpectedExit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.CreateSession(ctx, store.NewSession{ID: "s1", KenPath: "core/foo", Task: "t"})
	require.NoError(t, err)

	driver := &fakeDriver{}
	sch := New(s, driver, compose.New(nil), bus.NewMemoryEventBus(), logger.Default(), Config{MaxActive: 1, ProjectRoot: t.TempDir()})
	require.NoError(t, sch.Process(ctx))
	require.Len(t, driver.handles, 1)

	driver.handles[0].exitCh <- spawn.ExitResult{Crashed: true}
	sch.wg.Wait()

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusFailed, sess.Status)
	require.True(t, sess.Recoverable)
}
