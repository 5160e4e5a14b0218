package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/dispatch"
	"broadcastd/internal/model"
)

const recentLimit = 5

// operatorCommands answers the telegram chat commands.
type operatorCommands struct {
	orch *broadcast.Orchestrator
	loop *dispatch.Loop
}

func (c operatorCommands) status(ctx context.Context, _ string) (string, error) {
	st := c.loop.Snapshot()
	list, err := c.orch.Broadcasts(ctx)
	if err != nil {
		return "", err
	}
	active := 0
	for _, b := range list {
		if !b.Status.Terminal() {
			active++
		}
	}
	return fmt.Sprintf("dispatch: running=%t pending=%d in_flight=%d concurrency=%d\nsent: delivered=%d failed=%d cancelled=%d\nbroadcasts: %d total, %d active",
		st.Running, st.Pending, st.InFlight, st.Concurrency,
		st.Delivered, st.Failed, st.Cancelled,
		len(list), active), nil
}

func (c operatorCommands) recent(ctx context.Context, _ string) (string, error) {
	list, err := c.orch.Broadcasts(ctx)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "no broadcasts", nil
	}
	var b strings.Builder
	for i, bc := range list {
		if i == recentLimit {
			break
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %s %s %d/%d", bc.ID, labelOf(bc), bc.Status, bc.Delivered, bc.TotalRecipients)
	}
	return b.String(), nil
}

func (c operatorCommands) progress(ctx context.Context, args string) (string, error) {
	id := strings.TrimSpace(args)
	if id == "" {
		return "usage: /progress <broadcast id>", nil
	}
	p, err := c.orch.Progress(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return "unknown broadcast " + id, nil
	}
	if err != nil {
		return "", err
	}
	b := p.Broadcast
	return fmt.Sprintf("%s %s: %d/%d delivered, %d failed, %d pending, %d sending (%.0f%%)",
		labelOf(b), b.Status, b.Delivered, b.TotalRecipients, b.Failed, p.Pending, p.Sending, p.Percent), nil
}

func (c operatorCommands) cancel(ctx context.Context, args string) (string, error) {
	id := strings.TrimSpace(args)
	if id == "" {
		return "usage: /cancel <broadcast id>", nil
	}
	n, err := c.orch.Cancel(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return "unknown broadcast " + id, nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("cancelled %d queued tasks of %s", n, id), nil
}

func labelOf(b model.Broadcast) string {
	if strings.TrimSpace(b.Label) != "" {
		return b.Label
	}
	return b.ID
}
