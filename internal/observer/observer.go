// Package observer implements ken's read-only queries: the workflow
// tree, session detail, blocker chains, and diagnostics.
package observer

import (
	"context"
	"fmt"
	"time"

	"github.com/j-tyler/ken/internal/session"
	"github.com/j-tyler/ken/internal/store"
)

// Observer answers read-only queries over a Store.
type Observer struct {
	store store.Store
}

// New builds an Observer over s.
func New(s store.Store) *Observer {
	return &Observer{store: s}
}

// TreeNode is one session's position in a Tree view.
type TreeNode struct {
	Session         *session.Session
	Age             time.Duration
	TriggerSummary  string
	CheckpointAge   time.Duration
	HasCheckpoint   bool
	Children        []*TreeNode
}

// Tree returns the subtree rooted at id, or every root session if id is
// empty.
func (o *Observer) Tree(ctx context.Context, id string) ([]*TreeNode, error) {
	var roots []*session.Session
	if id == "" {
		empty := ""
		all, err := o.store.Query(ctx, session.Filter{ParentID: &empty})
		if err != nil {
			return nil, err
		}
		roots = all
	} else {
		sess, err := o.store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		roots = []*session.Session{sess}
	}

	out := make([]*TreeNode, 0, len(roots))
	for _, r := range roots {
		node, err := o.buildNode(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

func (o *Observer) buildNode(ctx context.Context, sess *session.Session) (*TreeNode, error) {
	now := time.Now().UTC()
	node := &TreeNode{
		Session:       sess,
		Age:           now.Sub(sess.CreatedAt),
		HasCheckpoint: sess.Checkpoint != "",
	}
	if node.HasCheckpoint {
		node.CheckpointAge = now.Sub(sess.UpdatedAt)
	}
	if sess.Trigger != nil {
		node.TriggerSummary = summarizeTrigger(*sess.Trigger)
	}

	id := sess.ID
	children, err := o.store.Query(ctx, session.Filter{ParentID: &id})
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		childNode, err := o.buildNode(ctx, c)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}

func summarizeTrigger(t session.Trigger) string {
	switch t.Kind {
	case session.TriggerAllComplete:
		return fmt.Sprintf("all_complete(%v)", t.IDs)
	case session.TriggerAnyComplete:
		return fmt.Sprintf("any_complete(%v)", t.IDs)
	case session.TriggerTimeoutAt:
		return fmt.Sprintf("timeout_at(%s)", t.At.Format(time.RFC3339))
	case session.TriggerAnyOf:
		return fmt.Sprintf("any_of(%d branches)", len(t.SubTrigs))
	default:
		return "unknown"
	}
}

// Detail returns full session fields plus its recent events.
type Detail struct {
	Session *session.Session
	Events  []session.Event
}

// SessionDetail returns Detail for id.
func (o *Observer) SessionDetail(ctx context.Context, id string, eventLimit int) (*Detail, error) {
	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := o.store.ListEvents(ctx, id, eventLimit)
	if err != nil {
		return nil, err
	}
	return &Detail{Session: sess, Events: events}, nil
}

// BlockerNode is one node in a Why blocker-chain report.
type BlockerNode struct {
	SessionID string
	Status    session.Status
	Blockers  []*BlockerNode // populated when Status == sleeping
}

// Why recursively enumerates the unsatisfied ids in a sleeping
// session's trigger and returns them as a tree: the node for id is the
// root, and each sleeping blocker carries its own blockers beneath it.
// The result is not flattened into a leaf-first list of root causes.
func (o *Observer) Why(ctx context.Context, id string) (*BlockerNode, error) {
	return o.why(ctx, id, make(map[string]bool))
}

func (o *Observer) why(ctx context.Context, id string, visiting map[string]bool) (*BlockerNode, error) {
	if visiting[id] {
		return &BlockerNode{SessionID: id, Status: "cycle-detected"}, nil
	}
	visiting[id] = true
	defer delete(visiting, id)

	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	node := &BlockerNode{SessionID: sess.ID, Status: sess.Status}

	if sess.Status != session.StatusSleeping || sess.Trigger == nil {
		return node, nil
	}

	for _, refID := range unsatisfiedIDs(*sess.Trigger, ctx, o.store) {
		child, err := o.why(ctx, refID, visiting)
		if err != nil {
			return nil, err
		}
		node.Blockers = append(node.Blockers, child)
	}
	return node, nil
}

// unsatisfiedIDs returns the ids referenced by trig that have not yet
// satisfied it: for all_complete, ids neither complete nor failed; for
// any_complete, ids not complete; for any_of, the union over branches.
func unsatisfiedIDs(trig session.Trigger, ctx context.Context, s store.Store) []string {
	var out []string
	switch trig.Kind {
	case session.TriggerAllComplete:
		for _, id := range trig.IDs {
			sess, err := s.GetSession(ctx, id)
			if err != nil || (sess.Status != session.StatusComplete && sess.Status != session.StatusFailed) {
				out = append(out, id)
			}
		}
	case session.TriggerAnyComplete:
		for _, id := range trig.IDs {
			sess, err := s.GetSession(ctx, id)
			if err != nil || sess.Status != session.StatusComplete {
				out = append(out, id)
			}
		}
	case session.TriggerAnyOf:
		for _, sub := range trig.SubTrigs {
			out = append(out, unsatisfiedIDs(sub, ctx, s)...)
		}
	}
	return out
}

// Issue is one diagnose ruleset finding.
type Issue struct {
	SessionID string
	Kind      string
	Detail    string
}

// Thresholds configures Diagnose's staleness rules.
type Thresholds struct {
	StaleActive  time.Duration
	StalePending time.Duration
}

// Diagnose runs the ruleset: stale active sessions without a recent
// checkpoint, stale pending sessions, and referential integrity
// warnings.
func (o *Observer) Diagnose(ctx context.Context, th Thresholds) ([]Issue, error) {
	var issues []Issue
	now := time.Now().UTC()

	activeStatus := session.StatusActive
	active, err := o.store.Query(ctx, session.Filter{Status: &activeStatus})
	if err != nil {
		return nil, err
	}
	for _, s := range active {
		if now.Sub(s.UpdatedAt) > th.StaleActive {
			issues = append(issues, Issue{SessionID: s.ID, Kind: "stale_active", Detail: fmt.Sprintf("active for %s without a recent checkpoint", now.Sub(s.CreatedAt))})
		}
	}

	pendingStatus := session.StatusPending
	pending, err := o.store.Query(ctx, session.Filter{Status: &pendingStatus})
	if err != nil {
		return nil, err
	}
	for _, s := range pending {
		if now.Sub(s.CreatedAt) > th.StalePending {
			issues = append(issues, Issue{SessionID: s.ID, Kind: "stale_pending", Detail: fmt.Sprintf("pending for %s", now.Sub(s.CreatedAt))})
		}
	}

	all, err := o.store.Query(ctx, session.Filter{})
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.ParentID != "" {
			if _, err := o.store.GetSession(ctx, s.ParentID); err != nil {
				issues = append(issues, Issue{SessionID: s.ID, Kind: "referential_integrity", Detail: fmt.Sprintf("parent %q missing", s.ParentID)})
			}
		}
		if s.Trigger != nil {
			for _, refID := range s.Trigger.ReferencedIDs() {
				if _, err := o.store.GetSession(ctx, refID); err != nil {
					issues = append(issues, Issue{SessionID: s.ID, Kind: "referential_integrity", Detail: fmt.Sprintf("trigger references missing %q", refID)})
				}
			}
		}
	}

	return issues, nil
}
