package scheduler

import (
	"container/heap"

	"github.com/j-tyler/ken/internal/session"
)

// wakeItem is one pending session awaiting launch, ordered by the wake
// priority policy: deepest in the tree first, then oldest updated_at,
// then lexicographic id.
type wakeItem struct {
	session *session.Session
	depth   int
	index   int
}

// wakeQueue is a container/heap priority queue implementing the wake
// priority policy.
type wakeQueue []*wakeItem

func (q wakeQueue) Len() int { return len(q) }

func (q wakeQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.depth != b.depth {
		return a.depth > b.depth // deeper first
	}
	if !a.session.UpdatedAt.Equal(b.session.UpdatedAt) {
		return a.session.UpdatedAt.Before(b.session.UpdatedAt) // older first
	}
	return a.session.ID < b.session.ID
}

func (q wakeQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *wakeQueue) Push(x interface{}) {
	item := x.(*wakeItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *wakeQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// orderByWakePriority returns pending sessions ordered highest-priority
// first, given each session's depth (computed by the caller from the
// parent chain).
func orderByWakePriority(pending []*session.Session, depthOf func(id string) int) []*session.Session {
	q := make(wakeQueue, 0, len(pending))
	for _, s := range pending {
		q = append(q, &wakeItem{session: s, depth: depthOf(s.ID)})
	}
	heap.Init(&q)

	out := make([]*session.Session, 0, len(pending))
	for q.Len() > 0 {
		item := heap.Pop(&q).(*wakeItem)
		out = append(out, item.session)
	}
	return out
}
