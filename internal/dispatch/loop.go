package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/model"
	"broadcastd/internal/runtime/supervisor"
	"broadcastd/pkg/logx"
)

// Sender delivers one rendered message.
type Sender interface {
	Send(ctx context.Context, phone, body string) error
}

type SenderFunc func(ctx context.Context, phone, body string) error

func (f SenderFunc) Send(ctx context.Context, phone, body string) error { return f(ctx, phone, body) }

// TaskStore is the slice of task persistence the loop needs.
type TaskStore interface {
	TasksByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]model.DeliveryTask, error)
	UpdateTask(ctx context.Context, t model.DeliveryTask) error
}

// Observer is told about every task write, after it is stored.
type Observer interface {
	TaskChanged(ctx context.Context, t model.DeliveryTask) error
}

type Config struct {
	Concurrency  int
	Lookahead    time.Duration
	SendTimeout  time.Duration
	TickInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:  1,
		Lookahead:    500 * time.Millisecond,
		SendTimeout:  15 * time.Second,
		TickInterval: time.Second,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Lookahead < 0 {
		c.Lookahead = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	return c
}

// Stats is a point-in-time view of the loop.
type Stats struct {
	Pending     int        `json:"pending"`
	InFlight    int        `json:"inFlight"`
	Concurrency int        `json:"concurrency"`
	Running     bool       `json:"running"`
	Delivered   uint64     `json:"delivered"`
	Failed      uint64     `json:"failed"`
	Cancelled   uint64     `json:"cancelled"`
	NextWake    *time.Time `json:"nextWake,omitempty"`
}

type Loop struct {
	store    TaskStore
	sender   Sender
	clock    Clock
	log      logx.Logger
	bus      eventbus.Bus
	observer Observer

	mu       sync.Mutex
	cfg      Config
	queue    Queue
	inflight int
	busy     bool
	again    bool
	stats    Stats
	running  bool
	tick     Timer
	wake     Timer
	wakeAt   time.Time
	sup      *supervisor.Supervisor
	sendCtx  context.Context

	kick chan struct{}
}

type Option func(*Loop)

func WithClock(c Clock) Option          { return func(l *Loop) { l.clock = c } }
func WithLogger(log logx.Logger) Option { return func(l *Loop) { l.log = log } }
func WithBus(b eventbus.Bus) Option     { return func(l *Loop) { l.bus = b } }
func WithObserver(o Observer) Option    { return func(l *Loop) { l.observer = o } }

func New(cfg Config, store TaskStore, sender Sender, opts ...Option) *Loop {
	l := &Loop{
		store:   store,
		sender:  sender,
		clock:   SystemClock(),
		bus:     eventbus.Nop{},
		cfg:     cfg.normalize(),
		sendCtx: context.Background(),
		kick:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Apply swaps tunables at runtime. A lower concurrency lets in-flight sends finish.
func (l *Loop) Apply(cfg Config) {
	cfg = cfg.normalize()
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	l.log.Info("dispatch config applied", logx.Int("concurrency", cfg.Concurrency), logx.Duration("send_timeout", cfg.SendTimeout))
	l.Kick()
}

// Enqueue adds pending tasks and wakes the loop. Non-pending tasks are ignored.
func (l *Loop) Enqueue(tasks ...model.DeliveryTask) {
	l.mu.Lock()
	for _, t := range tasks {
		if t.Status == model.TaskPending {
			l.queue.Push(t)
		}
	}
	queueDepth.Set(float64(l.queue.Len()))
	l.mu.Unlock()
	l.Kick()
}

// Kick requests a dispatch cycle without blocking.
func (l *Loop) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Start restores queued work from the store and runs the event loop until Stop or ctx ends.
// Tasks found in the sending state belonged to a previous process and are failed as interrupted.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.restore(ctx); err != nil {
		return err
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(l.log))
	l.mu.Lock()
	l.running = true
	l.sup = sup
	// sends outlive Stop's cancellation and are bounded by SendTimeout instead
	l.sendCtx = context.WithoutCancel(ctx)
	l.mu.Unlock()

	l.scheduleTick()
	sup.Go("dispatch.loop", l.run)
	l.Kick()
	l.log.Info("dispatch loop started", logx.Int("pending", l.Snapshot().Pending))
	return nil
}

// Stop halts the event loop and waits for in-flight sends, bounded by ctx.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.running = false
	sup := l.sup
	l.sup = nil
	for _, t := range []Timer{l.tick, l.wake} {
		if t != nil {
			t.Stop()
		}
	}
	l.tick, l.wake = nil, nil
	l.mu.Unlock()

	err := sup.Stop(ctx)
	l.log.Info("dispatch loop stopped", logx.Err(err))
	return err
}

func (l *Loop) restore(ctx context.Context) error {
	tasks, err := l.store.TasksByStatus(ctx, model.TaskPending, model.TaskSending)
	if err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	var pending []model.DeliveryTask
	for _, t := range tasks {
		if t.Status == model.TaskSending {
			if err := l.complete(ctx, t, ErrInterrupted, false); err != nil {
				return fmt.Errorf("restore interrupted task %s: %w", t.ID, err)
			}
			l.log.Warn("task interrupted by restart", logx.String("task", t.ID), logx.String("broadcast", t.BroadcastID))
			continue
		}
		pending = append(pending, t)
	}
	l.Enqueue(pending...)
	return nil
}

func (l *Loop) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.kick:
			l.cycle(ctx)
		}
	}
}

func (l *Loop) scheduleTick() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.tick = l.clock.AfterFunc(l.cfg.TickInterval, func() {
		l.Kick()
		l.scheduleTick()
	})
}

// cycle claims as many tasks as capacity allows and sends each on its own goroutine.
func (l *Loop) cycle(ctx context.Context) {
	if !l.enter() {
		return
	}
	defer l.leave()

	for ctx.Err() == nil {
		t, ok := l.claim()
		if !ok {
			break
		}
		l.mu.Lock()
		sup, sendCtx := l.sup, l.sendCtx
		l.mu.Unlock()
		if sup == nil {
			l.release(t)
			break
		}
		sup.Go0("dispatch.send", func(context.Context) {
			_ = l.deliver(sendCtx, t)
			l.Kick()
		})
	}
	l.armWake()
}

// Step delivers at most one eligible task synchronously. It reports false when nothing is
// eligible, capacity is exhausted or another cycle holds the loop. ctx only gates the claim:
// a claimed task always reaches a terminal status.
func (l *Loop) Step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !l.enter() {
		return false, nil
	}
	defer l.leave()

	t, ok := l.claim()
	if !ok {
		return false, nil
	}
	// once claimed, the caller going away must not strand the task in sending;
	// the send stays bounded by SendTimeout
	if err := l.deliver(context.WithoutCancel(ctx), t); err != nil {
		return true, err
	}
	return true, nil
}

// Drain steps until no eligible task remains and returns how many were processed.
func (l *Loop) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		ok, err := l.Step(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// Cancel fails every queued task of broadcastID. Tasks already sending finish normally.
func (l *Loop) Cancel(ctx context.Context, broadcastID string) (int, error) {
	l.mu.Lock()
	removed := l.queue.RemoveBroadcast(broadcastID)
	queueDepth.Set(float64(l.queue.Len()))
	l.mu.Unlock()

	var firstErr error
	for _, t := range removed {
		if err := l.complete(ctx, t, ErrCancelled, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(removed) > 0 {
		l.log.Info("broadcast cancelled", logx.String("broadcast", broadcastID), logx.Int("tasks", len(removed)))
	}
	return len(removed), firstErr
}

// Supervisor returns the goroutines of a started loop, or nil.
func (l *Loop) Supervisor() *supervisor.Supervisor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sup
}

func (l *Loop) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Pending = l.queue.Len()
	s.InFlight = l.inflight
	s.Concurrency = l.cfg.Concurrency
	s.Running = l.running
	if l.wake != nil {
		at := l.wakeAt
		s.NextWake = &at
	}
	return s
}

func (l *Loop) enter() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy {
		l.again = true
		return false
	}
	l.busy = true
	return true
}

func (l *Loop) leave() {
	l.mu.Lock()
	l.busy = false
	again := l.again
	l.again = false
	l.mu.Unlock()
	if again {
		l.Kick()
	}
}

func (l *Loop) claim() (model.DeliveryTask, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight >= l.cfg.Concurrency {
		return model.DeliveryTask{}, false
	}
	t, ok := l.queue.Next(l.clock.Now(), l.cfg.Lookahead)
	if !ok {
		return model.DeliveryTask{}, false
	}
	l.inflight++
	queueDepth.Set(float64(l.queue.Len()))
	inFlight.Set(float64(l.inflight))
	return t, true
}

// release returns a claimed task to the queue untouched.
func (l *Loop) release(t model.DeliveryTask) {
	l.mu.Lock()
	l.inflight--
	l.queue.Push(t)
	queueDepth.Set(float64(l.queue.Len()))
	inFlight.Set(float64(l.inflight))
	l.mu.Unlock()
}

func (l *Loop) armWake() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	now := l.clock.Now()
	next, ok := l.queue.Earliest(now, l.cfg.Lookahead)
	if l.wake != nil && ok && l.wakeAt.Equal(next) {
		return
	}
	if l.wake != nil {
		l.wake.Stop()
		l.wake = nil
	}
	if !ok {
		return
	}
	l.wakeAt = next
	l.wake = l.clock.AfterFunc(next.Sub(now)-l.cfg.Lookahead, l.Kick)
}

// deliver runs one claimed task through sending to a terminal status.
func (l *Loop) deliver(ctx context.Context, t model.DeliveryTask) error {
	started := l.clock.Now()
	t.Status = model.TaskSending
	t.StartedAt = &started
	if err := l.store.UpdateTask(ctx, t); err != nil {
		l.log.Error("mark sending failed", logx.String("task", t.ID), logx.Err(err))
		t.Status, t.StartedAt = model.TaskPending, nil
		l.release(t)
		return fmt.Errorf("mark task sending: %w", err)
	}
	l.notify(ctx, t)

	var sendErr error
	if model.ValidPhone(t.Phone) {
		sendErr = l.send(ctx, t)
	} else {
		sendErr = fmt.Errorf("%w: %q", ErrInvalidPhone, t.Phone)
	}
	return l.complete(ctx, t, sendErr, true)
}

func (l *Loop) send(ctx context.Context, t model.DeliveryTask) error {
	l.mu.Lock()
	timeout := l.cfg.SendTimeout
	l.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	began := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("sender panicked", logx.String("task", t.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- fmt.Errorf("%w: %v", ErrSenderPanic, r)
			}
		}()
		done <- l.sender.Send(sctx, t.Phone, t.Preview)
	}()

	var err error
	select {
	case err = <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && errors.Is(sctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w within %s", ErrSendTimeout, timeout)
		}
	case <-sctx.Done():
		// the sender ignored its context; its result is discarded
		err = fmt.Errorf("%w within %s", ErrSendTimeout, timeout)
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = ErrInterrupted
		}
	}
	sendDuration.Observe(time.Since(began).Seconds())
	return err
}

// complete records the terminal status of t. A claimed task gives back its concurrency slot
// only after the write, so the store never shows more sending tasks than allowed.
func (l *Loop) complete(ctx context.Context, t model.DeliveryTask, sendErr error, claimed bool) error {
	now := l.clock.Now()
	t.CompletedAt = &now
	outcome := "delivered"
	switch {
	case sendErr == nil:
		t.Status = model.TaskDelivered
		t.Error = ""
	case errors.Is(sendErr, ErrCancelled):
		t.Status = model.TaskFailed
		t.Error = sendErr.Error()
		outcome = "cancelled"
	default:
		t.Status = model.TaskFailed
		t.Error = sendErr.Error()
		outcome = "failed"
	}

	err := l.store.UpdateTask(ctx, t)

	l.mu.Lock()
	if claimed {
		l.inflight--
		inFlight.Set(float64(l.inflight))
	}
	if err == nil {
		switch outcome {
		case "delivered":
			l.stats.Delivered++
		case "cancelled":
			l.stats.Cancelled++
		default:
			l.stats.Failed++
		}
	}
	l.mu.Unlock()

	if err != nil {
		l.log.Error("record task outcome failed", logx.String("task", t.ID), logx.Err(err))
		return fmt.Errorf("record task outcome: %w", err)
	}
	deliveriesTotal.WithLabelValues(outcome).Inc()
	if sendErr != nil {
		l.log.Warn("delivery failed", logx.String("task", t.ID), logx.String("broadcast", t.BroadcastID), logx.Err(sendErr))
	} else {
		l.log.Debug("delivery succeeded", logx.String("task", t.ID), logx.String("broadcast", t.BroadcastID))
	}
	l.notify(ctx, t)
	return nil
}

func (l *Loop) notify(ctx context.Context, t model.DeliveryTask) {
	if l.observer != nil {
		if err := l.observer.TaskChanged(ctx, t); err != nil {
			l.log.Error("task observer failed", logx.String("task", t.ID), logx.Err(err))
		}
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.TaskUpdated, Time: l.clock.Now(), Data: t})
}
