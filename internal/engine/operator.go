package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/j-tyler/ken/internal/session"
	"github.com/j-tyler/ken/internal/store"
)

// ErrNotRecoverable is returned by Recover when the session is not a
// failed session eligible for recovery.
var ErrNotRecoverable = errors.New("engine: session is not recoverable")

// Recover re-spawns a failed, recoverable session: it resets status to
// pending with the prior checkpoint intact. The scheduler picks it up on
// its next iteration like any other pending session and wakes it in
// recover mode.
func (e *Engine) Recover(ctx context.Context, id string) error {
	sess, err := e.Store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusFailed || !sess.Recoverable {
		return fmt.Errorf("%w: session %q", ErrNotRecoverable, id)
	}

	return e.Store.Transaction(ctx, func(tx store.Tx) error {
		pending := session.StatusPending
		recoverable := true
		if _, err := tx.UpdateSession(ctx, id, session.Patch{Status: &pending, Recoverable: &recoverable}); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, session.Event{SessionID: id, Kind: session.EventWake})
		return err
	})
}

// Abandon marks any non-terminal session failed with reason as its
// synthetic result, bypassing the active-only guard that binds
// agent-issued requests: an operator acts outside the agent protocol.
func (e *Engine) Abandon(ctx context.Context, id, reason string) error {
	sess, err := e.Store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("store: illegal state transition: %s is already terminal", sess.Status)
	}

	return e.Store.Transaction(ctx, func(tx store.Tx) error {
		failed := session.StatusFailed
		notRecoverable := false
		if _, err := tx.UpdateSession(ctx, id, session.Patch{Status: &failed, Result: &reason, Recoverable: &notRecoverable, ClearTrigger: true}); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, session.Event{SessionID: id, Kind: session.EventFailed, Data: reason})
		return err
	})
}
