package scheduler

import (
	"testing"
	"time"

	"github.com/j-tyler/ken/internal/session"
	"github.com/stretchr/testify/assert"
)

func TestOrderByWakePriority_DeepestFirst(t *testing.T) {
	now := time.Now()
	shallow := &session.Session{ID: "shallow", UpdatedAt: now}
	deep := &session.Session{ID: "deep", UpdatedAt: now}

	depths := map[string]int{"shallow": 0, "deep": 2}
	ordered := orderByWakePriority([]*session.Session{shallow, deep}, func(id string) int { return depths[id] })

	assert.Equal(t, "deep", ordered[0].ID)
	assert.Equal(t, "shallow", ordered[1].ID)
}

func TestOrderByWakePriority_TiesByUpdatedAt(t *testing.T) {
	now := time.Now()
	older := &session.Session{ID: "b", UpdatedAt: now.Add(-time.Hour)}
	newer := &session.Session{ID: "a", UpdatedAt: now}

	ordered := orderByWakePriority([]*session.Session{newer, older}, func(string) int { return 0 })

	assert.Equal(t, "b", ordered[0].ID)
}

func TestOrderByWakePriority_TiesByID(t *testing.T) {
	now := time.Now()
	s1 := &session.Session{ID: "zzz", UpdatedAt: now}
	s2 := &session.Session{ID: "aaa", UpdatedAt: now}

	ordered := orderByWakePriority([]*session.Session{s1, s2}, func(string) int { return 0 })

	assert.Equal(t, "aaa", ordered[0].ID)
}
