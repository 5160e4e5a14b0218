package dispatch

import (
	"sort"
	"time"

	"broadcastd/internal/model"
)

// Queue holds pending tasks ordered by id (creation order). It is not safe for concurrent use.
type Queue struct {
	items []model.DeliveryTask
}

// Push inserts t in id order. A task already queued is replaced.
func (q *Queue) Push(t model.DeliveryTask) {
	n := len(q.items)
	if n == 0 || q.items[n-1].ID < t.ID {
		q.items = append(q.items, t)
		return
	}
	i := sort.Search(n, func(i int) bool { return q.items[i].ID >= t.ID })
	if i < n && q.items[i].ID == t.ID {
		q.items[i] = t
		return
	}
	q.items = append(q.items, model.DeliveryTask{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = t
}

func (q *Queue) Len() int { return len(q.items) }

// Next removes and returns the oldest task due at now+lookahead.
// Tasks scheduled further out are skipped, not waited on.
func (q *Queue) Next(now time.Time, lookahead time.Duration) (model.DeliveryTask, bool) {
	for i, t := range q.items {
		if t.Due(now, lookahead) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return t, true
		}
	}
	return model.DeliveryTask{}, false
}

// Earliest returns the soonest ScheduledFor among queued tasks that are not yet due.
func (q *Queue) Earliest(now time.Time, lookahead time.Duration) (time.Time, bool) {
	var best time.Time
	found := false
	for _, t := range q.items {
		if t.Due(now, lookahead) {
			continue
		}
		if !found || t.ScheduledFor.Before(best) {
			best, found = *t.ScheduledFor, true
		}
	}
	return best, found
}

// RemoveBroadcast removes and returns every queued task of broadcastID.
func (q *Queue) RemoveBroadcast(broadcastID string) []model.DeliveryTask {
	var removed []model.DeliveryTask
	kept := q.items[:0]
	for _, t := range q.items {
		if t.BroadcastID == broadcastID {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	q.items = kept
	return removed
}
