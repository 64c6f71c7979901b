// Package session defines ken's core domain types: sessions, their
// status machine, triggers, and the append-only event log.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a session's position in the state machine described in
// the engine's design.
type Status string

const (
	StatusPending  Status = "pending"
	StatusWaking   Status = "waking"
	StatusActive   Status = "active"
	StatusSleeping Status = "sleeping"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Terminal reports whether s is a terminal status (complete or failed).
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Valid reports whether s is one of the recognised statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusWaking, StatusActive, StatusSleeping, StatusComplete, StatusFailed:
		return true
	default:
		return false
	}
}

// DoneWhen is the structured completion criteria delivered verbatim to
// an agent.
type DoneWhen struct {
	Description string   `json:"description"`
	Criteria    []string `json:"criteria"`
	Verify      string   `json:"verify,omitempty"`
}

// ChildrenSentinel substitutes for freshly minted child ids inside a
// spawn_and_sleep trigger.
const ChildrenSentinel = "__CHILDREN__"

// TriggerKind discriminates the Trigger tagged union.
type TriggerKind string

const (
	TriggerAllComplete TriggerKind = "all_complete"
	TriggerAnyComplete TriggerKind = "any_complete"
	TriggerTimeoutAt   TriggerKind = "timeout_at"
	TriggerAnyOf       TriggerKind = "any_of"
)

// Trigger is the tagged union of wake conditions a sleeping session can
// register. Exactly one field is meaningful per Kind.
type Trigger struct {
	Kind      TriggerKind
	IDs       []string  // AllComplete, AnyComplete
	At        time.Time // TimeoutAt
	SubTrigs  []Trigger // AnyOf
}

// AllComplete builds an all_complete trigger.
func AllComplete(ids ...string) Trigger {
	return Trigger{Kind: TriggerAllComplete, IDs: ids}
}

// AnyComplete builds an any_complete trigger.
func AnyComplete(ids ...string) Trigger {
	return Trigger{Kind: TriggerAnyComplete, IDs: ids}
}

// TimeoutAt builds a timeout_at trigger.
func TimeoutAt(at time.Time) Trigger {
	return Trigger{Kind: TriggerTimeoutAt, At: at}
}

// AnyOf builds an any_of trigger over sub-triggers.
func AnyOf(ts ...Trigger) Trigger {
	return Trigger{Kind: TriggerAnyOf, SubTrigs: ts}
}

// Empty reports whether the trigger has nothing to wait on; the request
// handler rejects sleep/spawn_and_sleep requests carrying an empty
// trigger.
func (t Trigger) Empty() bool {
	switch t.Kind {
	case TriggerAllComplete, TriggerAnyComplete:
		return len(t.IDs) == 0
	case TriggerTimeoutAt:
		return t.At.IsZero()
	case TriggerAnyOf:
		if len(t.SubTrigs) == 0 {
			return true
		}
		for _, sub := range t.SubTrigs {
			if !sub.Empty() {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// ReferencedIDs returns every session id named anywhere in the trigger,
// including nested any_of branches.
func (t Trigger) ReferencedIDs() []string {
	switch t.Kind {
	case TriggerAllComplete, TriggerAnyComplete:
		out := make([]string, len(t.IDs))
		copy(out, t.IDs)
		return out
	case TriggerAnyOf:
		var out []string
		for _, sub := range t.SubTrigs {
			out = append(out, sub.ReferencedIDs()...)
		}
		return out
	default:
		return nil
	}
}

// SubstituteChildren replaces ChildrenSentinel in any id list with
// childIDs, returning a new Trigger (the receiver is never mutated).
func (t Trigger) SubstituteChildren(childIDs []string) Trigger {
	switch t.Kind {
	case TriggerAllComplete, TriggerAnyComplete:
		ids := make([]string, 0, len(t.IDs))
		for _, id := range t.IDs {
			if id == ChildrenSentinel {
				ids = append(ids, childIDs...)
			} else {
				ids = append(ids, id)
			}
		}
		return Trigger{Kind: t.Kind, IDs: ids}
	case TriggerAnyOf:
		subs := make([]Trigger, len(t.SubTrigs))
		for i, sub := range t.SubTrigs {
			subs[i] = sub.SubstituteChildren(childIDs)
		}
		return Trigger{Kind: TriggerAnyOf, SubTrigs: subs}
	default:
		return t
	}
}

type triggerJSON struct {
	AllComplete     []string      `json:"all_complete,omitempty"`
	AnyComplete     []string      `json:"any_complete,omitempty"`
	TimeoutAt       *time.Time    `json:"timeout_at,omitempty"`
	TimeoutSeconds  *float64      `json:"timeout_seconds,omitempty"`
	Any             []triggerJSON `json:"any,omitempty"`
}

// MarshalJSON encodes the trigger in the wire form described by the
// protocol: one populated field naming the variant.
func (t Trigger) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.toWire())
}

func (t Trigger) toWire() triggerJSON {
	switch t.Kind {
	case TriggerAllComplete:
		return triggerJSON{AllComplete: t.IDs}
	case TriggerAnyComplete:
		return triggerJSON{AnyComplete: t.IDs}
	case TriggerTimeoutAt:
		at := t.At
		return triggerJSON{TimeoutAt: &at}
	case TriggerAnyOf:
		subs := make([]triggerJSON, len(t.SubTrigs))
		for i, sub := range t.SubTrigs {
			subs[i] = sub.toWire()
		}
		return triggerJSON{Any: subs}
	default:
		return triggerJSON{}
	}
}

// UnmarshalJSON decodes a trigger from its wire form, resolving
// timeout_seconds to an absolute timeout_at relative to time.Now.
func (t *Trigger) UnmarshalJSON(data []byte) error {
	var w triggerJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := w.toTrigger()
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (w triggerJSON) toTrigger() (Trigger, error) {
	set := 0
	if w.AllComplete != nil {
		set++
	}
	if w.AnyComplete != nil {
		set++
	}
	if w.TimeoutAt != nil {
		set++
	}
	if w.TimeoutSeconds != nil {
		set++
	}
	if w.Any != nil {
		set++
	}
	if set == 0 {
		return Trigger{}, nil
	}
	if set > 1 {
		return Trigger{}, fmt.Errorf("trigger: exactly one variant must be set")
	}

	switch {
	case w.AllComplete != nil:
		return AllComplete(w.AllComplete...), nil
	case w.AnyComplete != nil:
		return AnyComplete(w.AnyComplete...), nil
	case w.TimeoutAt != nil:
		return TimeoutAt(*w.TimeoutAt), nil
	case w.TimeoutSeconds != nil:
		return TimeoutAt(time.Now().UTC().Add(time.Duration(*w.TimeoutSeconds * float64(time.Second)))), nil
	case w.Any != nil:
		subs := make([]Trigger, len(w.Any))
		for i, sw := range w.Any {
			sub, err := sw.toTrigger()
			if err != nil {
				return Trigger{}, err
			}
			subs[i] = sub
		}
		return AnyOf(subs...), nil
	default:
		return Trigger{}, nil
	}
}

// Session is the central persisted entity.
type Session struct {
	ID            string
	KenPath       string
	Task          string
	DoneWhen      *DoneWhen
	Status        Status
	ParentID      string // empty means root
	Trigger       *Trigger
	Checkpoint    string
	Result        string
	Recoverable   bool
	// LastTriggerIDs holds the ids a fired trigger referenced, captured at
	// the sleeping->pending transition since ClearTrigger nils Trigger
	// itself. Consumed and cleared by the next spawn.
	LastTriggerIDs []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastHeartbeat  time.Time
}

// EventKind names the audit events appended alongside state changes.
type EventKind string

const (
	EventSessionCreated   EventKind = "session_created"
	EventAgentSpawned     EventKind = "agent_spawned"
	EventCheckpoint       EventKind = "checkpoint"
	EventSpawn            EventKind = "spawn"
	EventSleep            EventKind = "sleep"
	EventWake             EventKind = "wake"
	EventComplete         EventKind = "complete"
	EventFailed           EventKind = "failed"
	EventTriggerSatisfied EventKind = "trigger_satisfied"
	EventWarning          EventKind = "warning"
)

// Event is one append-only audit record.
type Event struct {
	ID        int64
	Timestamp time.Time
	SessionID string
	Kind      EventKind
	Data      string // opaque payload text
}

// Patch describes a partial update to a session; nil pointer fields are
// left unchanged.
type Patch struct {
	Status       *Status
	Trigger      *Trigger // explicit nil-out handled via ClearTrigger
	ClearTrigger bool
	Checkpoint   *string
	Result       *string
	Recoverable  *bool
	// LastTriggerIDs replaces the stored value when non-nil; pass a pointer
	// to an empty slice to clear it.
	LastTriggerIDs *[]string
	LastHeartbeat  *time.Time
}

// Filter narrows a Query over the store.
type Filter struct {
	Status   *Status
	ParentID *string // pointer so "" (roots) is distinguishable from unset
	KenPath  *string
}
