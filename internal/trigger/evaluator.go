// Package trigger implements the pure wake-condition evaluator.
package trigger

import (
	"time"

	"github.com/j-tyler/ken/internal/session"
)

// Snapshot is the narrow read-only view of store state the evaluator
// needs: the current status of any referenced session.
type Snapshot interface {
	StatusOf(id string) (session.Status, bool)
}

// Evaluate reports whether trig has fired against snapshot at now. It
// performs no I/O and no mutation; same inputs always produce the same
// output.
func Evaluate(trig session.Trigger, snap Snapshot, now time.Time) bool {
	switch trig.Kind {
	case session.TriggerAllComplete:
		for _, id := range trig.IDs {
			status, ok := snap.StatusOf(id)
			if !ok {
				return false
			}
			if status != session.StatusComplete && status != session.StatusFailed {
				return false
			}
		}
		return true

	case session.TriggerAnyComplete:
		for _, id := range trig.IDs {
			status, ok := snap.StatusOf(id)
			if ok && status == session.StatusComplete {
				return true
			}
		}
		return false

	case session.TriggerTimeoutAt:
		return !now.Before(trig.At)

	case session.TriggerAnyOf:
		for _, sub := range trig.SubTrigs {
			if Evaluate(sub, snap, now) {
				return true
			}
		}
		return false

	default:
		return false
	}
}
