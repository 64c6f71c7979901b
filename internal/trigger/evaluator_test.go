package trigger

import (
	"testing"
	"time"

	"github.com/j-tyler/ken/internal/session"
	"github.com/stretchr/testify/assert"
)

type fakeSnapshot map[string]session.Status

func (f fakeSnapshot) StatusOf(id string) (session.Status, bool) {
	s, ok := f[id]
	return s, ok
}

func TestAllComplete_RequiresEveryID(t *testing.T) {
	snap := fakeSnapshot{"a": session.StatusComplete, "b": session.StatusActive}
	assert.False(t, Evaluate(session.AllComplete("a", "b"), snap, time.Now()))

	snap["b"] = session.StatusComplete
	assert.True(t, Evaluate(session.AllComplete("a", "b"), snap, time.Now()))
}

func TestAllComplete_FailedSatisfies(t *testing.T) {
	snap := fakeSnapshot{"a": session.StatusComplete, "b": session.StatusFailed}
	assert.True(t, Evaluate(session.AllComplete("a", "b"), snap, time.Now()))
}

func TestAnyComplete_FailedDoesNotSatisfy(t *testing.T) {
	snap := fakeSnapshot{"a": session.StatusFailed, "b": session.StatusActive}
	assert.False(t, Evaluate(session.AnyComplete("a", "b"), snap, time.Now()))

	snap["b"] = session.StatusComplete
	assert.True(t, Evaluate(session.AnyComplete("a", "b"), snap, time.Now()))
}

func TestAnyComplete_UnknownIDIgnored(t *testing.T) {
	snap := fakeSnapshot{}
	assert.False(t, Evaluate(session.AnyComplete("ghost"), snap, time.Now()))
}

func TestTimeoutAt(t *testing.T) {
	now := time.Now()
	assert.False(t, Evaluate(session.TimeoutAt(now.Add(time.Minute)), fakeSnapshot{}, now))
	assert.True(t, Evaluate(session.TimeoutAt(now.Add(-time.Minute)), fakeSnapshot{}, now))
	assert.True(t, Evaluate(session.TimeoutAt(now), fakeSnapshot{}, now), "now >= t is inclusive")
}

func TestAnyOf(t *testing.T) {
	snap := fakeSnapshot{"a": session.StatusActive}
	trig := session.AnyOf(
		session.AllComplete("a"),
		session.TimeoutAt(time.Now().Add(-time.Second)),
	)
	assert.True(t, Evaluate(trig, snap, time.Now()))
}

func TestDeterminism(t *testing.T) {
	snap := fakeSnapshot{"a": session.StatusComplete}
	trig := session.AllComplete("a")
	now := time.Now()
	first := Evaluate(trig, snap, now)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Evaluate(trig, snap, now))
	}
}
