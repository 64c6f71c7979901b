// Package sqlite implements internal/store.Store on top of an embedded
// SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/j-tyler/ken/internal/bus"
	"github.com/j-tyler/ken/internal/logger"
	"github.com/j-tyler/ken/internal/session"
	"github.com/j-tyler/ken/internal/store"
)

// Store is a SQLite-backed implementation of store.Store. It follows
// the writer/reader pool split: writes go through a single-connection
// pool (SQLite allows one writer at a time), reads through a separate
// pool that tolerates concurrent access during writes.
type Store struct {
	db     *sqlx.DB // writer, MaxOpenConns=1
	ro     *sqlx.DB // reader pool
	bus    bus.EventBus
	log    *logger.Logger
	nextID func() string // overridable in tests
}

// Open creates or opens the SQLite database at path, initialising its
// schema if needed.
func Open(path string, busyTimeout time.Duration, eventBus bus.EventBus, log *logger.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on", path, busyTimeout.Milliseconds())

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open writer: %w", err)
	}
	db.SetMaxOpenConns(1)

	ro, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: open reader: %w", err)
	}
	ro.SetMaxOpenConns(4)

	s := &Store{db: db, ro: ro, bus: eventBus, log: log, nextID: func() string { return uuid.New().String() }}

	if err := s.initSchema(); err != nil {
		db.Close()
		ro.Close()
		return nil, err
	}

	return s, nil
}

// NewWithDB wires a Store directly on top of already-open handles, the
// pattern the teacher's repository tests use to point at an in-memory
// or temp-file database without going through Open's DSN construction.
func NewWithDB(db, ro *sqlx.DB, eventBus bus.EventBus, log *logger.Logger) (*Store, error) {
	s := &Store{db: db, ro: ro, bus: eventBus, log: log, nextID: func() string { return uuid.New().String() }}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			ken_path TEXT NOT NULL,
			task TEXT NOT NULL,
			done_when TEXT,
			status TEXT NOT NULL,
			parent_id TEXT,
			trigger_json TEXT,
			checkpoint TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			recoverable INTEGER NOT NULL DEFAULT 0,
			last_trigger_ids TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_heartbeat TEXT NOT NULL,
			FOREIGN KEY (parent_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_parent_id ON sessions(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_ken_path ON sessions(ken_path)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id, id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: init schema: %w", err)
		}
	}
	return nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	roErr := s.ro.Close()
	dbErr := s.db.Close()
	if dbErr != nil {
		return dbErr
	}
	return roErr
}

type sessionRow struct {
	ID            string `db:"id"`
	KenPath       string `db:"ken_path"`
	Task          string `db:"task"`
	DoneWhen      sql.NullString `db:"done_when"`
	Status        string `db:"status"`
	ParentID      sql.NullString `db:"parent_id"`
	TriggerJSON   sql.NullString `db:"trigger_json"`
	Checkpoint     string `db:"checkpoint"`
	Result         string `db:"result"`
	Recoverable    int    `db:"recoverable"`
	LastTriggerIDs string `db:"last_trigger_ids"`
	CreatedAt      string `db:"created_at"`
	UpdatedAt      string `db:"updated_at"`
	LastHeartbeat  string `db:"last_heartbeat"`
}

func (r sessionRow) toSession() (*session.Session, error) {
	s := &session.Session{
		ID:          r.ID,
		KenPath:     r.KenPath,
		Task:        r.Task,
		Status:      session.Status(r.Status),
		Checkpoint:  r.Checkpoint,
		Result:      r.Result,
		Recoverable: r.Recoverable != 0,
	}
	if r.ParentID.Valid {
		s.ParentID = r.ParentID.String
	}
	if r.DoneWhen.Valid && r.DoneWhen.String != "" {
		var dw session.DoneWhen
		if err := json.Unmarshal([]byte(r.DoneWhen.String), &dw); err != nil {
			return nil, fmt.Errorf("sqlite: decode done_when for %s: %w", r.ID, err)
		}
		s.DoneWhen = &dw
	}
	if r.TriggerJSON.Valid && r.TriggerJSON.String != "" {
		var trig session.Trigger
		if err := json.Unmarshal([]byte(r.TriggerJSON.String), &trig); err != nil {
			return nil, fmt.Errorf("sqlite: decode trigger for %s: %w", r.ID, err)
		}
		s.Trigger = &trig
	}
	if r.LastTriggerIDs != "" {
		if err := json.Unmarshal([]byte(r.LastTriggerIDs), &s.LastTriggerIDs); err != nil {
			return nil, fmt.Errorf("sqlite: decode last_trigger_ids for %s: %w", r.ID, err)
		}
	}
	var err error
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, r.CreatedAt); err != nil {
		return nil, fmt.Errorf("sqlite: decode created_at for %s: %w", r.ID, err)
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("sqlite: decode updated_at for %s: %w", r.ID, err)
	}
	if s.LastHeartbeat, err = time.Parse(time.RFC3339Nano, r.LastHeartbeat); err != nil {
		return nil, fmt.Errorf("sqlite: decode last_heartbeat for %s: %w", r.ID, err)
	}
	return s, nil
}

// sqlExecutor is satisfied by both *sqlx.DB and *sqlx.Tx, letting the
// CRUD helpers below run identically inside or outside a transaction.
type sqlExecutor interface {
	sqlx.Ext
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
}

func createSession(ctx context.Context, ex sqlExecutor, ns store.NewSession) (*session.Session, error) {
	if ns.ParentID != "" {
		var exists int
		if err := ex.QueryRowx(`SELECT 1 FROM sessions WHERE id = ?`, ns.ParentID).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return nil, fmt.Errorf("%w: parent_id %q", store.ErrReferentialIntegrity, ns.ParentID)
			}
			return nil, fmt.Errorf("sqlite: check parent: %w", err)
		}
	}

	now := time.Now().UTC()
	var doneWhenJSON sql.NullString
	if ns.DoneWhen != nil {
		b, err := json.Marshal(ns.DoneWhen)
		if err != nil {
			return nil, fmt.Errorf("sqlite: marshal done_when: %w", err)
		}
		doneWhenJSON = sql.NullString{String: string(b), Valid: true}
	}

	row := sessionRow{
		ID:             ns.ID,
		KenPath:        ns.KenPath,
		Task:           ns.Task,
		DoneWhen:       doneWhenJSON,
		Status:         string(session.StatusPending),
		ParentID:       sql.NullString{String: ns.ParentID, Valid: ns.ParentID != ""},
		Checkpoint:     "",
		Result:         "",
		LastTriggerIDs: "[]",
		CreatedAt:      now.Format(time.RFC3339Nano),
		UpdatedAt:      now.Format(time.RFC3339Nano),
		LastHeartbeat:  now.Format(time.RFC3339Nano),
	}

	_, err := sqlx.NamedExec(ex, `INSERT INTO sessions
		(id, ken_path, task, done_when, status, parent_id, trigger_json, checkpoint, result, recoverable, last_trigger_ids, created_at, updated_at, last_heartbeat)
		VALUES (:id, :ken_path, :task, :done_when, :status, :parent_id, :trigger_json, :checkpoint, :result, :recoverable, :last_trigger_ids, :created_at, :updated_at, :last_heartbeat)`,
		row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("%w: session %q", store.ErrAlreadyExists, ns.ID)
		}
		return nil, fmt.Errorf("sqlite: insert session: %w", err)
	}

	return row.toSession()
}

func getSession(ex sqlExecutor, id string) (*session.Session, error) {
	var row sessionRow
	err := ex.Get(&row, `SELECT * FROM sessions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: session %q", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get session: %w", err)
	}
	return row.toSession()
}

func updateSession(ex sqlExecutor, id string, patch session.Patch) (*session.Session, error) {
	current, err := getSession(ex, id)
	if err != nil {
		return nil, err
	}

	next := *current
	if patch.Status != nil {
		if !session.CanTransition(current.Status, *patch.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, current.Status, *patch.Status)
		}
		next.Status = *patch.Status
	}
	if patch.ClearTrigger {
		next.Trigger = nil
	} else if patch.Trigger != nil {
		for _, refID := range patch.Trigger.ReferencedIDs() {
			var exists int
			if err := ex.QueryRowx(`SELECT 1 FROM sessions WHERE id = ?`, refID).Scan(&exists); err != nil {
				if err == sql.ErrNoRows {
					return nil, fmt.Errorf("%w: trigger references %q", store.ErrReferentialIntegrity, refID)
				}
				return nil, fmt.Errorf("sqlite: check trigger ref: %w", err)
			}
		}
		next.Trigger = patch.Trigger
	}
	if patch.Checkpoint != nil {
		next.Checkpoint = *patch.Checkpoint
	}
	if patch.Result != nil {
		next.Result = *patch.Result
	}
	if patch.Recoverable != nil {
		next.Recoverable = *patch.Recoverable
	}
	if patch.LastTriggerIDs != nil {
		next.LastTriggerIDs = *patch.LastTriggerIDs
	}
	if patch.LastHeartbeat != nil {
		next.LastHeartbeat = *patch.LastHeartbeat
	}
	next.UpdatedAt = time.Now().UTC()

	var triggerJSON sql.NullString
	if next.Trigger != nil {
		b, err := json.Marshal(next.Trigger)
		if err != nil {
			return nil, fmt.Errorf("sqlite: marshal trigger: %w", err)
		}
		triggerJSON = sql.NullString{String: string(b), Valid: true}
	}
	lastTriggerIDsJSON, err := json.Marshal(next.LastTriggerIDs)
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal last_trigger_ids: %w", err)
	}

	_, err = ex.Exec(`UPDATE sessions SET status=?, trigger_json=?, checkpoint=?, result=?, recoverable=?, last_trigger_ids=?, updated_at=?, last_heartbeat=? WHERE id=?`,
		string(next.Status), triggerJSON, next.Checkpoint, next.Result, boolToInt(next.Recoverable), string(lastTriggerIDsJSON),
		next.UpdatedAt.Format(time.RFC3339Nano), next.LastHeartbeat.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: update session: %w", err)
	}

	return &next, nil
}

func appendEvent(ex sqlExecutor, ev session.Event) (int64, error) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := ex.Exec(`INSERT INTO events (timestamp, session_id, kind, data) VALUES (?, ?, ?, ?)`,
		ts.Format(time.RFC3339Nano), ev.SessionID, string(ev.Kind), ev.Data)
	if err != nil {
		return 0, fmt.Errorf("sqlite: append event: %w", err)
	}
	return res.LastInsertId()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Store interface, non-transactional entry points ---

func (s *Store) CreateSession(ctx context.Context, ns store.NewSession) (*session.Session, error) {
	sess, err := createSession(ctx, s.db, ns)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.Event{Kind: bus.SessionChanged, SessionID: sess.ID})
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return getSession(s.ro, id)
}

func (s *Store) UpdateSession(ctx context.Context, id string, patch session.Patch) (*session.Session, error) {
	sess, err := updateSession(s.db, id, patch)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.Event{Kind: bus.SessionChanged, SessionID: id})
	return sess, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev session.Event) (int64, error) {
	return appendEvent(s.db, ev)
}

func (s *Store) Query(ctx context.Context, filter session.Filter) ([]*session.Session, error) {
	query := `SELECT * FROM sessions WHERE 1=1`
	var args []interface{}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.ParentID != nil {
		if *filter.ParentID == "" {
			query += ` AND (parent_id IS NULL OR parent_id = '')`
		} else {
			query += ` AND parent_id = ?`
			args = append(args, *filter.ParentID)
		}
	}
	if filter.KenPath != nil {
		query += ` AND ken_path = ?`
		args = append(args, *filter.KenPath)
	}
	query += ` ORDER BY created_at ASC`

	var rows []sessionRow
	if err := s.ro.Select(&rows, s.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("sqlite: query sessions: %w", err)
	}

	out := make([]*session.Session, 0, len(rows))
	for _, row := range rows {
		sess, err := row.toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// ListEvents returns events for sessionID, most recent first. An empty
// sessionID returns events across every session, for a project-wide
// activity log.
func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int) ([]session.Event, error) {
	var query string
	var args []interface{}
	if sessionID == "" {
		query = `SELECT id, timestamp, session_id, kind, data FROM events ORDER BY id DESC`
	} else {
		query = `SELECT id, timestamp, session_id, kind, data FROM events WHERE session_id = ? ORDER BY id DESC`
		args = []interface{}{sessionID}
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	type eventRow struct {
		ID        int64  `db:"id"`
		Timestamp string `db:"timestamp"`
		SessionID string `db:"session_id"`
		Kind      string `db:"kind"`
		Data      string `db:"data"`
	}
	var rows []eventRow
	if err := s.ro.Select(&rows, s.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}

	out := make([]session.Event, 0, len(rows))
	for _, r := range rows {
		ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("sqlite: decode event timestamp: %w", err)
		}
		out = append(out, session.Event{ID: r.ID, Timestamp: ts, SessionID: r.SessionID, Kind: session.EventKind(r.Kind), Data: r.Data})
	}
	return out, nil
}

// txHandle adapts a *sqlx.Tx to the store.Tx interface exposed inside a
// Transaction body.
type txHandle struct {
	tx *sqlx.Tx
}

func (h *txHandle) CreateSession(ctx context.Context, ns store.NewSession) (*session.Session, error) {
	return createSession(ctx, h.tx, ns)
}

func (h *txHandle) UpdateSession(ctx context.Context, id string, patch session.Patch) (*session.Session, error) {
	return updateSession(h.tx, id, patch)
}

func (h *txHandle) AppendEvent(ctx context.Context, ev session.Event) (int64, error) {
	return appendEvent(h.tx, ev)
}

func (h *txHandle) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return getSession(h.tx, id)
}

// Transaction runs body atomically against the writer connection. A
// panic inside body rolls back and repropagates, matching the
// panic-safe rollback pattern used across the teacher's repository
// transaction helpers.
func (s *Store) Transaction(ctx context.Context, body func(tx store.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
		if err == nil {
			s.bus.Publish(bus.Event{Kind: bus.SessionChanged})
		}
	}()

	handle := &txHandle{tx: tx}
	err = body(handle)
	if err != nil {
		return err
	}
	return nil
}
