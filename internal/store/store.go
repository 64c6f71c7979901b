// Package store defines the durable storage contract for sessions and
// the append-only event log.
package store

import (
	"context"
	"errors"

	"github.com/j-tyler/ken/internal/session"
)

// Sentinel errors returned by Store implementations. Callers should
// check with errors.Is, since implementations may wrap these with
// additional context.
var (
	ErrNotFound             = errors.New("store: not found")
	ErrAlreadyExists        = errors.New("store: already exists")
	ErrIllegalTransition    = errors.New("store: illegal state transition")
	ErrReferentialIntegrity = errors.New("store: referential integrity violation")
)

// NewSession carries the fields needed to create a session; Status is
// always pending and set by the store, not the caller.
type NewSession struct {
	ID       string
	KenPath  string
	Task     string
	DoneWhen *session.DoneWhen
	ParentID string
}

// Tx is the set of mutation primitives available inside a
// Store.Transaction body. It intentionally mirrors Store's write
// surface so transactional and non-transactional callers share the same
// shape.
type Tx interface {
	CreateSession(ctx context.Context, ns NewSession) (*session.Session, error)
	UpdateSession(ctx context.Context, id string, patch session.Patch) (*session.Session, error)
	AppendEvent(ctx context.Context, ev session.Event) (int64, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
}

// Store is the durable, transactional backing store for sessions and
// events. A single Store value is safe for concurrent use; the
// transaction primitive serialises conflicting writes.
type Store interface {
	Tx

	Query(ctx context.Context, filter session.Filter) ([]*session.Session, error)
	ListEvents(ctx context.Context, sessionID string, limit int) ([]session.Event, error)

	// Transaction runs body atomically: every mutation performed
	// through the supplied Tx commits together, or none do.
	Transaction(ctx context.Context, body func(tx Tx) error) error

	Close() error
}
