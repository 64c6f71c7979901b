package compose

import (
	"testing"
	"time"

	"github.com/j-tyler/ken/internal/kenning"
	"github.com/j-tyler/ken/internal/session"
	"github.com/stretchr/testify/assert"
)

func baseSession() *session.Session {
	now := time.Now()
	return &session.Session{
		ID:        "s1",
		KenPath:   "core/foo",
		Task:      "do the thing",
		Status:    session.StatusWaking,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCompose_IncludesTaskAndFrames(t *testing.T) {
	c := New(nil)
	out := c.Compose(Input{
		Session:     baseSession(),
		Mode:        ModeFresh,
		KenningText: "## Frame 1: Intro\nHello\n",
		ProjectRoot: t.TempDir(),
	})
	assert.Contains(t, out, "do the thing")
	assert.Contains(t, out, "Frame 1: Intro")
	assert.Contains(t, out, "Hello")
	assert.Contains(t, out, "mode: fresh")
}

func TestCompose_NoDependenciesBlockWhenEmpty(t *testing.T) {
	c := New(nil)
	out := c.Compose(Input{
		Session:     baseSession(),
		Mode:        ModeFresh,
		KenningText: "## Frame 1: A\nbody\n",
		ProjectRoot: t.TempDir(),
	})
	assert.NotContains(t, out, "Dependency Results")
}

func TestCompose_DependencyResultsIncluded(t *testing.T) {
	c := New(nil)
	out := c.Compose(Input{
		Session:     baseSession(),
		Mode:        ModeFresh,
		KenningText: "## Frame 1: A\nbody\n",
		ProjectRoot: t.TempDir(),
		Dependencies: []DependencyResult{
			{SessionID: "c1", KenPath: "a", Status: session.StatusComplete, Result: "r1"},
			{SessionID: "c2", KenPath: "b", Status: session.StatusFailed, Result: "boom"},
		},
	})
	assert.Contains(t, out, "Dependency Results")
	assert.Contains(t, out, "c1")
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "status=failed")
}

func TestCompose_ChecksointVerbatim(t *testing.T) {
	s := baseSession()
	s.Checkpoint = "wait for it"
	c := New(nil)
	out := c.Compose(Input{Session: s, Mode: ModeRecover, KenningText: "## Frame 1: A\nb\n", ProjectRoot: t.TempDir()})
	assert.Contains(t, out, "wait for it")
	assert.Contains(t, out, "mode: recover")
}

func TestCompose_MissingFileWarns(t *testing.T) {
	var warned bool
	c := New(func(id string, w kenning.Warning) {
		warned = true
	})
	out := c.Compose(Input{
		Session:     baseSession(),
		Mode:        ModeFresh,
		KenningText: "## Frame 1: A\n{{file:missing.txt}}\n",
		ProjectRoot: t.TempDir(),
	})
	assert.True(t, warned)
	assert.Contains(t, out, "unresolved")
}
