package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/j-tyler/ken/internal/bus"
	"github.com/j-tyler/ken/internal/logger"
	"github.com/j-tyler/ken/internal/session"
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

func createActiveSession(t *testing.T, ctx context.Context, s store.Store, id string) {
	t.Helper()
	_, err := s.CreateSession(ctx, store.NewSession{ID: id, KenPath: "core/foo", Task: "t"})
	require.NoError(t, err)
	waking := session.StatusWaking
	_, err = s.UpdateSession(ctx, id, session.Patch{Status: &waking})
	require.NoError(t, err)
	active := session.StatusActive
	_, err = s.UpdateSession(ctx, id, session.Patch{Status: &active})
	require.NoError(t, err)
}

func TestHandleComplete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createActiveSession(t, ctx, s, "s1")

	h := New(s, logger.Default())
	resp := h.Handle(ctx, []byte(`{"type":"complete","session_id":"s1","result":"R"}`))
	require.True(t, resp.OK)

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusComplete, sess.Status)
	require.Equal(t, "R", sess.Result)
}

func TestHandleComplete_RejectsNonActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.CreateSession(ctx, store.NewSession{ID: "s1", KenPath: "core/foo", Task: "t"})
	require.NoError(t, err)

	h := New(s, logger.Default())
	resp := h.Handle(ctx, []byte(`{"type":"complete","session_id":"s1","result":"R"}`))
	require.False(t, resp.OK)

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusPending, sess.Status, "guard violation must not mutate")
}

func TestHandleSleep_RejectsEmptyTrigger(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createActiveSession(t, ctx, s, "s1")

	h := New(s, logger.Default())
	resp := h.Handle(ctx, []byte(`{"type":"sleep","session_id":"s1","trigger":{},"checkpoint":"cp"}`))
	require.False(t, resp.OK)
}

func TestHandleSleep_RejectsUnknownReferencedSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createActiveSession(t, ctx, s, "s1")

	h := New(s, logger.Default())
	resp := h.Handle(ctx, []byte(`{"type":"sleep","session_id":"s1","trigger":{"all_complete":["ghost"]},"checkpoint":"cp"}`))
	require.False(t, resp.OK)
}

func TestHandleSpawnAndSleep_Atomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createActiveSession(t, ctx, s, "s1")

	h := New(s, logger.Default())
	req := `{"type":"spawn_and_sleep","session_id":"s1","children":[{"ken":"a","task":"ta"},{"ken":"b","task":"tb"}],"trigger":{"all_complete":["__CHILDREN__"]},"checkpoint":"cp"}`
	resp := h.Handle(ctx, []byte(req))
	require.True(t, resp.OK)

	var data struct {
		ChildIDs []string `json:"child_ids"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Len(t, data.ChildIDs, 2)

	parent, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusSleeping, parent.Status)
	require.Equal(t, "cp", parent.Checkpoint)
	require.NotNil(t, parent.Trigger)
	require.ElementsMatch(t, data.ChildIDs, parent.Trigger.IDs)

	for _, id := range data.ChildIDs {
		child, err := s.GetSession(ctx, id)
		require.NoError(t, err)
		require.Equal(t, session.StatusPending, child.Status)
		require.Equal(t, "s1", child.ParentID)
	}
}

func TestHandleSpawnAndSleep_RejectsEmptyChildren(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createActiveSession(t, ctx, s, "s1")

	h := New(s, logger.Default())
	resp := h.Handle(ctx, []byte(`{"type":"spawn_and_sleep","session_id":"s1","children":[],"trigger":{"all_complete":["__CHILDREN__"]},"checkpoint":"cp"}`))
	require.False(t, resp.OK)

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, sess.Status)
}

func TestHandleUnknownType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createActiveSession(t, ctx, s, "s1")

	h := New(s, logger.Default())
	resp := h.Handle(ctx, []byte(`{"type":"bogus","session_id":"s1"}`))
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown request type")
}

func TestHandleCheckpoint_DoesNotChangeStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createActiveSession(t, ctx, s, "s1")

	h := New(s, logger.Default())
	resp := h.Handle(ctx, []byte(`{"type":"checkpoint","session_id":"s1","checkpoint":"progress"}`))
	require.True(t, resp.OK)

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, sess.Status)
	require.Equal(t, "progress", sess.Checkpoint)
}
