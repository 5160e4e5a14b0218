// Package broadcast turns a launch request into a broadcast with one delivery task per
// recipient, and keeps each broadcast's summary in step with its tasks.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"broadcastd/internal/audience"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/ids"
	"broadcastd/internal/model"
	"broadcastd/internal/personalize"
	"broadcastd/internal/templates"
	"broadcastd/pkg/logx"
)

// ValidationError rejects a launch before anything is stored.
type ValidationError = model.ValidationError

// Directory lists contacts newest first.
type Directory interface {
	List(ctx context.Context) ([]model.Contact, error)
}

// Publisher hands new tasks to the dispatch loop.
type Publisher interface {
	Enqueue(tasks ...model.DeliveryTask)
}

// Canceller fails a broadcast's queued tasks.
type Canceller interface {
	Cancel(ctx context.Context, broadcastID string) (int, error)
}

type Auditor interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
}

type LaunchRequest struct {
	Label        string
	Body         string
	TemplateID   string
	Target       model.Target
	ScheduledFor *time.Time
}

// Progress is a broadcast with live task counts.
type Progress struct {
	Broadcast model.Broadcast `json:"broadcast"`
	Pending   int             `json:"pending"`
	Sending   int             `json:"sending"`
	Percent   float64         `json:"percent"`
}

type Orchestrator struct {
	store     Store
	dir       Directory
	pub       Publisher
	canceller Canceller
	audit     Auditor
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time
}

type Option func(*Orchestrator)

func WithPublisher(p Publisher) Option    { return func(o *Orchestrator) { o.pub = p } }
func WithCanceller(c Canceller) Option    { return func(o *Orchestrator) { o.canceller = c } }
func WithAuditor(a Auditor) Option        { return func(o *Orchestrator) { o.audit = a } }
func WithBus(b eventbus.Bus) Option       { return func(o *Orchestrator) { o.bus = b } }
func WithLogger(l logx.Logger) Option     { return func(o *Orchestrator) { o.log = l } }
func WithClock(f func() time.Time) Option { return func(o *Orchestrator) { o.now = f } }

func NewOrchestrator(store Store, dir Directory, opts ...Option) *Orchestrator {
	o := &Orchestrator{store: store, dir: dir, bus: eventbus.Nop{}, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Launch validates req, resolves the audience and stores the broadcast with its pending tasks.
// Tasks snapshot each recipient's name, phone and rendered message. Nothing is enqueued.
func (o *Orchestrator) Launch(ctx context.Context, req LaunchRequest) (model.Broadcast, []model.DeliveryTask, error) {
	label := strings.TrimSpace(req.Label)
	if label == "" {
		return model.Broadcast{}, nil, model.Invalid("label", "label is required")
	}
	if err := templates.ValidateBody(req.Body); err != nil {
		return model.Broadcast{}, nil, err
	}
	if req.Target == nil {
		req.Target = model.AllContacts{}
	}

	contacts, err := o.dir.List(ctx)
	if err != nil {
		return model.Broadcast{}, nil, fmt.Errorf("list contacts: %w", err)
	}
	recipients, err := audience.Resolve(contacts, req.Target)
	if err != nil {
		return model.Broadcast{}, nil, err
	}
	if len(recipients) == 0 {
		return model.Broadcast{}, nil, model.Invalid("target", "no opted-in contacts match the target")
	}

	now := o.now().UTC()
	var scheduled *time.Time
	if req.ScheduledFor != nil {
		at := req.ScheduledFor.UTC()
		scheduled = &at
	}
	templateID := strings.TrimSpace(req.TemplateID)
	if templateID == "" {
		templateID = model.CustomTemplateID
	}
	target := req.Target
	if _, all := target.(model.AllContacts); all {
		idList := make([]string, len(recipients))
		for i, c := range recipients {
			idList[i] = c.ID
		}
		target = model.ContactList{IDs: idList}
	}

	b := model.Broadcast{
		ID:              ids.ULID(),
		Label:           label,
		TemplateID:      templateID,
		Body:            req.Body,
		Target:          target,
		ScheduledFor:    scheduled,
		CreatedAt:       now,
		Status:          model.BroadcastInProgress,
		TotalRecipients: len(recipients),
	}
	if scheduled != nil {
		b.Status = model.BroadcastScheduled
	}

	tasks := make([]model.DeliveryTask, len(recipients))
	for i, c := range recipients {
		tasks[i] = model.DeliveryTask{
			ID:           ids.ULID(),
			BroadcastID:  b.ID,
			ContactID:    c.ID,
			ContactName:  c.Name,
			Phone:        c.Phone,
			ScheduledFor: scheduled,
			Status:       model.TaskPending,
			Preview:      personalize.Render(req.Body, c),
			CreatedAt:    now,
		}
	}

	if err := o.store.CreateBroadcast(ctx, b, tasks); err != nil {
		return model.Broadcast{}, nil, fmt.Errorf("create broadcast: %w", err)
	}
	o.record(ctx, "broadcast.launch", b.ID, fmt.Sprintf("%s to %d recipients (%s)", label, len(tasks), req.Target))
	o.bus.Publish(eventbus.Event{Type: eventbus.BroadcastLaunch, Data: b})
	o.log.Info("broadcast launched",
		logx.String("broadcast", b.ID),
		logx.String("label", label),
		logx.String("target", req.Target.String()),
		logx.Int("recipients", len(tasks)),
		logx.Bool("scheduled", scheduled != nil))
	return b, tasks, nil
}

// Submit launches and hands the tasks to the publisher.
func (o *Orchestrator) Submit(ctx context.Context, req LaunchRequest) (model.Broadcast, []model.DeliveryTask, error) {
	b, tasks, err := o.Launch(ctx, req)
	if err != nil {
		return b, nil, err
	}
	if o.pub != nil {
		o.pub.Enqueue(tasks...)
	}
	return b, tasks, nil
}

// Cancel fails every task of id that has not started sending.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (int, error) {
	b, err := o.store.Broadcast(ctx, id)
	if err != nil {
		return 0, err
	}
	if o.canceller == nil {
		return 0, errors.New("cancel not supported: no dispatch loop configured")
	}
	if b.Status.Terminal() {
		return 0, nil
	}
	n, err := o.canceller.Cancel(ctx, id)
	if err != nil {
		return n, fmt.Errorf("cancel broadcast %s: %w", id, err)
	}
	o.record(ctx, "broadcast.cancel", id, fmt.Sprintf("%d tasks cancelled", n))
	return n, nil
}

// RetryFailed submits a new broadcast with the same body to the failed recipients of id
// that are still opted in.
func (o *Orchestrator) RetryFailed(ctx context.Context, id string) (model.Broadcast, []model.DeliveryTask, error) {
	b, err := o.store.Broadcast(ctx, id)
	if err != nil {
		return model.Broadcast{}, nil, err
	}
	tasks, err := o.store.TasksFor(ctx, id)
	if err != nil {
		return model.Broadcast{}, nil, fmt.Errorf("load tasks of %s: %w", id, err)
	}
	var contactIDs []string
	for _, t := range tasks {
		if t.Status == model.TaskFailed {
			contactIDs = append(contactIDs, t.ContactID)
		}
	}
	if len(contactIDs) == 0 {
		return model.Broadcast{}, nil, model.Invalid("broadcast", "no failed deliveries to retry")
	}
	nb, nt, err := o.Submit(ctx, LaunchRequest{
		Label:      b.Label + " (retry)",
		Body:       b.Body,
		TemplateID: b.TemplateID,
		Target:     model.ContactList{IDs: contactIDs},
	})
	if err != nil {
		return nb, nt, err
	}
	o.record(ctx, "broadcast.retry", nb.ID, "retry of "+id)
	return nb, nt, nil
}

func (o *Orchestrator) Broadcast(ctx context.Context, id string) (model.Broadcast, error) {
	return o.store.Broadcast(ctx, id)
}

func (o *Orchestrator) Broadcasts(ctx context.Context) ([]model.Broadcast, error) {
	return o.store.Broadcasts(ctx)
}

func (o *Orchestrator) Tasks(ctx context.Context, id string) ([]model.DeliveryTask, error) {
	if _, err := o.store.Broadcast(ctx, id); err != nil {
		return nil, err
	}
	return o.store.TasksFor(ctx, id)
}

func (o *Orchestrator) Progress(ctx context.Context, id string) (Progress, error) {
	b, err := o.store.Broadcast(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	tasks, err := o.store.TasksFor(ctx, id)
	if err != nil {
		return Progress{}, fmt.Errorf("load tasks of %s: %w", id, err)
	}
	p := Progress{Broadcast: b}
	for _, t := range tasks {
		switch t.Status {
		case model.TaskPending:
			p.Pending++
		case model.TaskSending:
			p.Sending++
		}
	}
	if b.TotalRecipients > 0 {
		p.Percent = float64(b.Delivered+b.Failed) * 100 / float64(b.TotalRecipients)
	}
	return p, nil
}

// Prune deletes finished broadcasts, with their tasks, whose FinishedAt is older than keep.
func (o *Orchestrator) Prune(ctx context.Context, keep time.Duration) (int, error) {
	all, err := o.store.Broadcasts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list broadcasts: %w", err)
	}
	cutoff := o.now().Add(-keep)
	n := 0
	for _, b := range all {
		if !b.Status.Terminal() || b.FinishedAt == nil || b.FinishedAt.After(cutoff) {
			continue
		}
		if err := o.store.DeleteBroadcast(ctx, b.ID); err != nil {
			return n, fmt.Errorf("delete broadcast %s: %w", b.ID, err)
		}
		n++
	}
	if n > 0 {
		o.log.Info("finished broadcasts pruned", logx.Int("count", n), logx.Duration("keep", keep))
	}
	return n, nil
}

func (o *Orchestrator) record(ctx context.Context, action, subject, detail string) {
	if o.audit == nil {
		return
	}
	e := model.AuditEntry{At: o.now().UTC(), Action: action, Subject: subject, Detail: detail}
	if err := o.audit.AppendAudit(ctx, e); err != nil {
		o.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
