package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/model"
	"broadcastd/pkg/logx"
)

// Summarize derives status and counts of b from its full task set.
//
// Precedence: every task failed -> failed; any pending or sending -> in_progress;
// all recipients terminal -> completed (partial failures included); scheduled -> scheduled;
// otherwise the status is left alone. FinishedAt is stamped with now on the first terminal status.
func Summarize(b model.Broadcast, tasks []model.DeliveryTask, now time.Time) model.Broadcast {
	delivered, failed, active := 0, 0, 0
	for _, t := range tasks {
		switch t.Status {
		case model.TaskDelivered:
			delivered++
		case model.TaskFailed:
			failed++
		case model.TaskPending, model.TaskSending:
			active++
		}
	}

	out := b
	out.Delivered, out.Failed = delivered, failed
	switch {
	case len(tasks) > 0 && delivered == 0 && failed == len(tasks):
		out.Status = model.BroadcastFailed
	case active > 0:
		out.Status = model.BroadcastInProgress
	case delivered+failed >= b.TotalRecipients:
		out.Status = model.BroadcastCompleted
	case b.ScheduledFor != nil:
		out.Status = model.BroadcastScheduled
	}
	if out.Status.Terminal() && out.FinishedAt == nil {
		at := now
		out.FinishedAt = &at
	}
	return out
}

func changed(a, b model.Broadcast) bool {
	return a.Status != b.Status || a.Delivered != b.Delivered || a.Failed != b.Failed
}

// Aggregator is the single writer of broadcast status and counts. It implements
// dispatch.Observer.
type Aggregator struct {
	mu    sync.Mutex
	store Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func NewAggregator(store Store, bus eventbus.Bus, log logx.Logger) *Aggregator {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Aggregator{store: store, bus: bus, log: log, now: time.Now}
}

func (a *Aggregator) TaskChanged(ctx context.Context, t model.DeliveryTask) error {
	_, _, err := a.Recompute(ctx, t.BroadcastID)
	return err
}

// Recompute refreshes one broadcast. It writes and publishes only when status or counts moved.
func (a *Aggregator) Recompute(ctx context.Context, id string) (model.Broadcast, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, err := a.store.Broadcast(ctx, id)
	if err != nil {
		return model.Broadcast{}, false, fmt.Errorf("load broadcast %s: %w", id, err)
	}
	tasks, err := a.store.TasksFor(ctx, id)
	if err != nil {
		return b, false, fmt.Errorf("load tasks of %s: %w", id, err)
	}
	next := Summarize(b, tasks, a.now().UTC())
	if !changed(b, next) {
		return b, false, nil
	}
	if err := a.store.UpdateBroadcast(ctx, next); err != nil {
		return b, false, fmt.Errorf("update broadcast %s: %w", id, err)
	}
	if next.Status != b.Status {
		a.log.Info("broadcast status changed",
			logx.String("broadcast", id),
			logx.String("from", string(b.Status)),
			logx.String("to", string(next.Status)),
			logx.Int("delivered", next.Delivered),
			logx.Int("failed", next.Failed))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.BroadcastUpdated, Data: next})
	return next, true, nil
}
