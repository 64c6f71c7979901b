package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerJSONRoundTrip_AllComplete(t *testing.T) {
	trig := AllComplete("c1", "c2")
	data, err := json.Marshal(trig)
	require.NoError(t, err)

	var got Trigger
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, trig, got)
}

func TestTriggerUnmarshal_TimeoutSeconds(t *testing.T) {
	before := time.Now().UTC()
	var got Trigger
	require.NoError(t, json.Unmarshal([]byte(`{"timeout_seconds":1}`), &got))
	assert.Equal(t, TriggerTimeoutAt, got.Kind)
	assert.True(t, got.At.After(before))
	assert.True(t, got.At.Before(before.Add(5*time.Second)))
}

func TestTriggerUnmarshal_AmbiguousRejected(t *testing.T) {
	var got Trigger
	err := json.Unmarshal([]byte(`{"all_complete":["a"],"any_complete":["b"]}`), &got)
	assert.Error(t, err)
}

func TestTriggerSubstituteChildren(t *testing.T) {
	trig := AllComplete(ChildrenSentinel)
	sub := trig.SubstituteChildren([]string{"c1", "c2"})
	assert.Equal(t, []string{"c1", "c2"}, sub.IDs)
	assert.Equal(t, []string{ChildrenSentinel}, trig.IDs, "receiver must not mutate")
}

func TestTriggerSubstituteChildren_Nested(t *testing.T) {
	trig := AnyOf(AllComplete(ChildrenSentinel), TimeoutAt(time.Now()))
	sub := trig.SubstituteChildren([]string{"c1"})
	assert.Equal(t, []string{"c1"}, sub.SubTrigs[0].IDs)
}

func TestTriggerEmpty(t *testing.T) {
	assert.True(t, Trigger{}.Empty())
	assert.True(t, AllComplete().Empty())
	assert.False(t, AllComplete("a").Empty())
	assert.True(t, AnyOf(AllComplete()).Empty())
	assert.False(t, AnyOf(AllComplete(), AnyComplete("a")).Empty())
}

func TestReferencedIDs_Nested(t *testing.T) {
	trig := AnyOf(AllComplete("a", "b"), AnyComplete("c"))
	ids := trig.ReferencedIDs()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusWaking))
	assert.True(t, CanTransition(StatusActive, StatusSleeping))
	assert.False(t, CanTransition(StatusComplete, StatusActive))
	assert.False(t, CanTransition(StatusSleeping, StatusActive))
	assert.True(t, CanTransition(StatusFailed, StatusPending))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusComplete.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusActive.Terminal())
}
