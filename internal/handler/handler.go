// Package handler implements the Request Handler: validation and
// execution of the agent-facing request types, each as one atomic
// store transaction.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/j-tyler/ken/internal/logger"
	"github.com/j-tyler/ken/internal/protocol"
	"github.com/j-tyler/ken/internal/session"
	"github.com/j-tyler/ken/internal/store"
)

// Handler dispatches incoming requests to state-machine transitions.
type Handler struct {
	store store.Store
	log   *logger.Logger
	newID func() string
}

// New builds a Handler over store s.
func New(s store.Store, log *logger.Logger) *Handler {
	return &Handler{store: s, log: log, newID: func() string { return uuid.New().String() }}
}

// Handle decodes and executes one request line, returning the response
// to write back to the agent. It never panics and never returns a Go
// error; all failure modes are reported inside protocol.Response.
func (h *Handler) Handle(ctx context.Context, line []byte) protocol.Response {
	env, err := protocol.ParseEnvelope(line)
	if err != nil {
		return protocol.Fail(err.Error())
	}

	sess, err := h.store.GetSession(ctx, env.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.Fail(fmt.Sprintf("unknown session %q", env.SessionID))
		}
		return protocol.Fail(err.Error())
	}

	switch env.Type {
	case protocol.TypeComplete:
		return h.handleComplete(ctx, env, sess)
	case protocol.TypeFail:
		return h.handleFail(ctx, env, sess)
	case protocol.TypeSleep:
		return h.handleSleep(ctx, env, sess)
	case protocol.TypeSpawnAndSleep:
		return h.handleSpawnAndSleep(ctx, env, sess)
	case protocol.TypeCheckpoint:
		return h.handleCheckpoint(ctx, env, sess)
	default:
		return protocol.Fail("unknown request type")
	}
}

func requireActive(sess *session.Session) error {
	if sess.Status != session.StatusActive {
		return fmt.Errorf("session %q is not active (status=%s)", sess.ID, sess.Status)
	}
	return nil
}

func (h *Handler) handleComplete(ctx context.Context, env protocol.Envelope, sess *session.Session) protocol.Response {
	var req protocol.CompleteRequest
	if err := json.Unmarshal(env.Raw, &req); err != nil {
		return protocol.Fail("malformed complete request: " + err.Error())
	}
	if err := requireActive(sess); err != nil {
		return protocol.Fail(err.Error())
	}

	err := h.store.Transaction(ctx, func(tx store.Tx) error {
		status := session.StatusComplete
		if _, err := tx.UpdateSession(ctx, sess.ID, session.Patch{Status: &status, Result: &req.Result}); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, session.Event{SessionID: sess.ID, Kind: session.EventComplete, Data: req.Result, Timestamp: time.Now().UTC()})
		return err
	})
	if err != nil {
		return protocol.Fail(err.Error())
	}
	return protocol.OK(nil)
}

func (h *Handler) handleFail(ctx context.Context, env protocol.Envelope, sess *session.Session) protocol.Response {
	var req protocol.FailRequest
	if err := json.Unmarshal(env.Raw, &req); err != nil {
		return protocol.Fail("malformed fail request: " + err.Error())
	}
	if err := requireActive(sess); err != nil {
		return protocol.Fail(err.Error())
	}

	err := h.store.Transaction(ctx, func(tx store.Tx) error {
		status := session.StatusFailed
		if _, err := tx.UpdateSession(ctx, sess.ID, session.Patch{Status: &status, Result: &req.Reason}); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, session.Event{SessionID: sess.ID, Kind: session.EventFailed, Data: req.Reason, Timestamp: time.Now().UTC()})
		return err
	})
	if err != nil {
		return protocol.Fail(err.Error())
	}
	return protocol.OK(nil)
}

func (h *Handler) handleSleep(ctx context.Context, env protocol.Envelope, sess *session.Session) protocol.Response {
	var req protocol.SleepRequest
	if err := json.Unmarshal(env.Raw, &req); err != nil {
		return protocol.Fail("malformed sleep request: " + err.Error())
	}
	if err := requireActive(sess); err != nil {
		return protocol.Fail(err.Error())
	}
	if req.Trigger.Empty() {
		return protocol.Fail("trigger must be non-empty")
	}

	err := h.store.Transaction(ctx, func(tx store.Tx) error {
		for _, id := range req.Trigger.ReferencedIDs() {
			if _, err := tx.GetSession(ctx, id); err != nil {
				return fmt.Errorf("%w: trigger references %q", store.ErrReferentialIntegrity, id)
			}
		}
		status := session.StatusSleeping
		patch := session.Patch{Status: &status, Trigger: &req.Trigger, Checkpoint: &req.Checkpoint}
		if _, err := tx.UpdateSession(ctx, sess.ID, patch); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, session.Event{SessionID: sess.ID, Kind: session.EventSleep, Timestamp: time.Now().UTC()})
		return err
	})
	if err != nil {
		return protocol.Fail(err.Error())
	}
	return protocol.OK(nil)
}

func (h *Handler) handleCheckpoint(ctx context.Context, env protocol.Envelope, sess *session.Session) protocol.Response {
	var req protocol.CheckpointRequest
	if err := json.Unmarshal(env.Raw, &req); err != nil {
		return protocol.Fail("malformed checkpoint request: " + err.Error())
	}
	if err := requireActive(sess); err != nil {
		return protocol.Fail(err.Error())
	}

	err := h.store.Transaction(ctx, func(tx store.Tx) error {
		if _, err := tx.UpdateSession(ctx, sess.ID, session.Patch{Checkpoint: &req.Checkpoint}); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, session.Event{SessionID: sess.ID, Kind: session.EventCheckpoint, Timestamp: time.Now().UTC()})
		return err
	})
	if err != nil {
		return protocol.Fail(err.Error())
	}
	return protocol.OK(nil)
}

func (h *Handler) handleSpawnAndSleep(ctx context.Context, env protocol.Envelope, sess *session.Session) protocol.Response {
	var req protocol.SpawnAndSleepRequest
	if err := json.Unmarshal(env.Raw, &req); err != nil {
		return protocol.Fail("malformed spawn_and_sleep request: " + err.Error())
	}
	if err := requireActive(sess); err != nil {
		return protocol.Fail(err.Error())
	}
	if len(req.Children) == 0 {
		return protocol.Fail("children must be non-empty")
	}
	for _, c := range req.Children {
		if !wellFormedKenPath(c.KenPath) {
			return protocol.Fail(fmt.Sprintf("malformed ken_path %q", c.KenPath))
		}
	}

	var childIDs []string
	err := h.store.Transaction(ctx, func(tx store.Tx) error {
		childIDs = make([]string, len(req.Children))
		for i := range req.Children {
			childIDs[i] = h.newID()
		}

		trig := req.Trigger.SubstituteChildren(childIDs)
		if trig.Empty() {
			return fmt.Errorf("trigger must be non-empty after substitution")
		}
		for _, id := range trig.ReferencedIDs() {
			found := false
			for _, c := range childIDs {
				if c == id {
					found = true
					break
				}
			}
			if found {
				continue
			}
			if _, err := tx.GetSession(ctx, id); err != nil {
				return fmt.Errorf("%w: trigger references %q", store.ErrReferentialIntegrity, id)
			}
		}

		for i, c := range req.Children {
			ns := store.NewSession{ID: childIDs[i], KenPath: c.KenPath, Task: c.Task, DoneWhen: c.DoneWhen, ParentID: sess.ID}
			if _, err := tx.CreateSession(ctx, ns); err != nil {
				return err
			}
			if _, err := tx.AppendEvent(ctx, session.Event{SessionID: childIDs[i], Kind: session.EventSessionCreated, Timestamp: time.Now().UTC()}); err != nil {
				return err
			}
		}

		status := session.StatusSleeping
		patch := session.Patch{Status: &status, Trigger: &trig, Checkpoint: &req.Checkpoint}
		if _, err := tx.UpdateSession(ctx, sess.ID, patch); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, session.Event{SessionID: sess.ID, Kind: session.EventSpawn, Timestamp: time.Now().UTC()}); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, session.Event{SessionID: sess.ID, Kind: session.EventSleep, Timestamp: time.Now().UTC()})
		return err
	})
	if err != nil {
		return protocol.Fail(err.Error())
	}

	data, _ := json.Marshal(struct {
		ChildIDs []string `json:"child_ids"`
	}{ChildIDs: childIDs})
	return protocol.Response{OK: true, Data: data}
}

func wellFormedKenPath(p string) bool {
	if p == "" {
		return false
	}
	for _, seg := range splitPath(p) {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}

func splitPath(p string) []string {
	var segs []string
	start := 0
	for i, r := range p {
		if r == '/' {
			segs = append(segs, p[start:i])
			start = i + 1
		}
	}
	segs = append(segs, p[start:])
	return segs
}
