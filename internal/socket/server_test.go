package socket

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/j-tyler/ken/internal/bus"
	"github.com/j-tyler/ken/internal/handler"
	"github.com/j-tyler/ken/internal/logger"
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

func TestServer_HandlesOneRequestPerConnection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.CreateSession(ctx, store.NewSession{ID: "s1", KenPath: "a", Task: "t"})
	require.NoError(t, err)

	h := handler.New(s, logger.Default())
	sockPath := filepath.Join(t.TempDir(), "agent.sock")
	srv := New(sockPath, h, logger.Default())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { _ = srv.Stop() })

	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"type":"fail","session_id":"s1","reason":"unreachable"}` + "\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, `"ok":false`)
}

func TestServer_StopRemovesSocketFile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h := handler.New(s, logger.Default())
	sockPath := filepath.Join(t.TempDir(), "agent.sock")
	srv := New(sockPath, h, logger.Default())
	require.NoError(t, srv.Start(ctx))
	require.NoError(t, srv.Stop())

	_, err := net.DialTimeout("unix", sockPath, time.Second)
	require.Error(t, err)
}
