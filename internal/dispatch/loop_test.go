package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"broadcastd/internal/model"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type memTasks struct {
	mu         sync.Mutex
	tasks      map[string]model.DeliveryTask
	maxSending int
	failWrites bool
}

func newMemTasks(ts ...model.DeliveryTask) *memTasks {
	s := &memTasks{tasks: map[string]model.DeliveryTask{}}
	for _, t := range ts {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *memTasks) TasksByStatus(_ context.Context, statuses ...model.TaskStatus) ([]model.DeliveryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeliveryTask
	for _, t := range s.tasks {
		for _, st := range statuses {
			if t.Status == st {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (s *memTasks) UpdateTask(_ context.Context, t model.DeliveryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errors.New("disk full")
	}
	s.tasks[t.ID] = t
	sending := 0
	for _, x := range s.tasks {
		if x.Status == model.TaskSending {
			sending++
		}
	}
	s.maxSending = max(s.maxSending, sending)
	return nil
}

func (s *memTasks) get(id string) model.DeliveryTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *memTasks) allTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

func task(id, broadcast string, at *time.Time) model.DeliveryTask {
	return model.DeliveryTask{
		ID:           id,
		BroadcastID:  broadcast,
		Phone:        "+1 415 555 0100",
		Preview:      "msg " + id,
		Status:       model.TaskPending,
		ScheduledFor: at,
		CreatedAt:    t0,
	}
}

type recorder struct {
	mu    sync.Mutex
	sent  []string
	fail  map[string]error
	delay time.Duration
}

func (r *recorder) Send(ctx context.Context, phone, body string) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, body)
	return r.fail[body]
}

func (r *recorder) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func newLoop(store TaskStore, s Sender, cfg Config, opts ...Option) (*Loop, *ManualClock) {
	clk := NewManualClock(t0)
	return New(cfg, store, s, append([]Option{WithClock(clk)}, opts...)...), clk
}

func TestDrainIsGlobalFIFO(t *testing.T) {
	t.Parallel()

	ts := []model.DeliveryTask{task("t03", "b2", nil), task("t01", "b1", nil), task("t02", "b1", nil)}
	store := newMemTasks(ts...)
	rec := &recorder{}
	l, _ := newLoop(store, rec, DefaultConfig())
	l.Enqueue(ts...)

	n, err := l.Drain(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Drain = %d, %v; want 3, nil", n, err)
	}
	if got := strings.Join(rec.bodies(), ","); got != "msg t01,msg t02,msg t03" {
		t.Fatalf("send order = %s", got)
	}
	for _, tt := range ts {
		got := store.get(tt.ID)
		if got.Status != model.TaskDelivered || got.StartedAt == nil || got.CompletedAt == nil || got.Error != "" {
			t.Fatalf("task %s = %+v, want delivered with timestamps", tt.ID, got)
		}
	}
}

func TestScheduledTaskWaitsForLookahead(t *testing.T) {
	t.Parallel()

	at := t0.Add(10 * time.Second)
	ts := []model.DeliveryTask{task("t01", "b1", &at), task("t02", "b2", nil)}
	store := newMemTasks(ts...)
	rec := &recorder{}
	l, clk := newLoop(store, rec, DefaultConfig())
	l.Enqueue(ts...)
	ctx := context.Background()

	if ok, _ := l.Step(ctx); !ok {
		t.Fatalf("Step did not deliver the unscheduled task")
	}
	if got := rec.bodies(); len(got) != 1 || got[0] != "msg t02" {
		t.Fatalf("sent = %v, want [msg t02]", got)
	}
	if ok, _ := l.Step(ctx); ok {
		t.Fatalf("Step delivered a task scheduled 10s out")
	}

	clk.Advance(9400 * time.Millisecond)
	if ok, _ := l.Step(ctx); ok {
		t.Fatalf("Step delivered 600ms early")
	}
	clk.Advance(100 * time.Millisecond)
	if ok, _ := l.Step(ctx); !ok {
		t.Fatalf("Step skipped a task inside the 500ms lookahead")
	}
	if got := store.get("t01").Status; got != model.TaskDelivered {
		t.Fatalf("t01 status = %s, want delivered", got)
	}
}

func TestFailureIsRecordedAndLoopContinues(t *testing.T) {
	t.Parallel()

	ts := []model.DeliveryTask{task("t01", "b1", nil), task("t02", "b1", nil)}
	store := newMemTasks(ts...)
	rec := &recorder{fail: map[string]error{"msg t01": errors.New("temporary error, retry later")}}
	l, _ := newLoop(store, rec, DefaultConfig())
	l.Enqueue(ts...)

	if n, err := l.Drain(context.Background()); err != nil || n != 2 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	if got := store.get("t01"); got.Status != model.TaskFailed || got.Error != "temporary error, retry later" {
		t.Fatalf("t01 = %s %q, want failed with sender message", got.Status, got.Error)
	}
	if got := store.get("t02").Status; got != model.TaskDelivered {
		t.Fatalf("t02 status = %s, want delivered", got)
	}
	if s := l.Snapshot(); s.Delivered != 1 || s.Failed != 1 || s.Pending != 0 || s.InFlight != 0 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestHungSenderTimesOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	hang := SenderFunc(func(ctx context.Context, phone, body string) error {
		<-release
		return nil
	})
	store := newMemTasks(task("t01", "b1", nil))
	cfg := DefaultConfig()
	cfg.SendTimeout = 20 * time.Millisecond
	l, _ := newLoop(store, hang, cfg)
	l.Enqueue(store.get("t01"))

	if ok, err := l.Step(context.Background()); !ok || err != nil {
		t.Fatalf("Step = %v, %v", ok, err)
	}
	got := store.get("t01")
	if got.Status != model.TaskFailed || !strings.HasPrefix(got.Error, "timeout") {
		t.Fatalf("t01 = %s %q, want timeout failure", got.Status, got.Error)
	}
}

func TestContextAwareSenderTimeoutIsTimeoutKind(t *testing.T) {
	t.Parallel()

	slow := SenderFunc(func(ctx context.Context, phone, body string) error {
		<-ctx.Done()
		return fmt.Errorf("post: %w", ctx.Err())
	})
	store := newMemTasks(task("t01", "b1", nil))
	cfg := DefaultConfig()
	cfg.SendTimeout = 10 * time.Millisecond
	l, _ := newLoop(store, slow, cfg)
	l.Enqueue(store.get("t01"))

	_, _ = l.Step(context.Background())
	if got := store.get("t01").Error; !strings.HasPrefix(got, ErrSendTimeout.Error()) {
		t.Fatalf("error = %q, want timeout kind", got)
	}
}

func TestSenderPanicFailsOnlyThatTask(t *testing.T) {
	t.Parallel()

	ts := []model.DeliveryTask{task("t01", "b1", nil), task("t02", "b1", nil)}
	store := newMemTasks(ts...)
	var calls atomic.Int32
	s := SenderFunc(func(ctx context.Context, phone, body string) error {
		if calls.Add(1) == 1 {
			panic("driver bug")
		}
		return nil
	})
	l, _ := newLoop(store, s, DefaultConfig())
	l.Enqueue(ts...)

	if n, err := l.Drain(context.Background()); n != 2 || err != nil {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	if got := store.get("t01"); got.Status != model.TaskFailed || !strings.Contains(got.Error, "driver bug") {
		t.Fatalf("t01 = %s %q", got.Status, got.Error)
	}
	if got := store.get("t02").Status; got != model.TaskDelivered {
		t.Fatalf("t02 status = %s", got)
	}
}

func TestInvalidPhoneNeverReachesSender(t *testing.T) {
	t.Parallel()

	bad := task("t01", "b1", nil)
	bad.Phone = "n/a"
	store := newMemTasks(bad)
	rec := &recorder{}
	l, _ := newLoop(store, rec, DefaultConfig())
	l.Enqueue(bad)

	_, _ = l.Step(context.Background())
	if len(rec.bodies()) != 0 {
		t.Fatalf("sender called for invalid phone")
	}
	if got := store.get("t01"); got.Status != model.TaskFailed || !strings.HasPrefix(got.Error, ErrInvalidPhone.Error()) {
		t.Fatalf("t01 = %s %q", got.Status, got.Error)
	}
}

func TestCancelFailsQueuedTasksOfBroadcast(t *testing.T) {
	t.Parallel()

	ts := []model.DeliveryTask{task("t01", "b1", nil), task("t02", "b2", nil), task("t03", "b1", nil)}
	store := newMemTasks(ts...)
	rec := &recorder{}
	l, _ := newLoop(store, rec, DefaultConfig())
	l.Enqueue(ts...)
	ctx := context.Background()

	n, err := l.Cancel(ctx, "b1")
	if err != nil || n != 2 {
		t.Fatalf("Cancel = %d, %v; want 2", n, err)
	}
	if _, err := l.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := rec.bodies(); len(got) != 1 || got[0] != "msg t02" {
		t.Fatalf("sent = %v, want only t02", got)
	}
	for _, id := range []string{"t01", "t03"} {
		if got := store.get(id); got.Status != model.TaskFailed || got.Error != ErrCancelled.Error() {
			t.Fatalf("%s = %s %q, want cancelled", id, got.Status, got.Error)
		}
	}
	if s := l.Snapshot(); s.Cancelled != 2 {
		t.Fatalf("cancelled = %d, want 2", s.Cancelled)
	}
}

type observerFunc func(ctx context.Context, t model.DeliveryTask) error

func (f observerFunc) TaskChanged(ctx context.Context, t model.DeliveryTask) error { return f(ctx, t) }

func TestObserverSeesEveryTransition(t *testing.T) {
	t.Parallel()

	store := newMemTasks(task("t01", "b1", nil))
	var seen []model.TaskStatus
	obs := observerFunc(func(_ context.Context, tk model.DeliveryTask) error {
		seen = append(seen, tk.Status)
		return nil
	})
	l, _ := newLoop(store, &recorder{}, DefaultConfig(), WithObserver(obs))
	l.Enqueue(store.get("t01"))
	_, _ = l.Drain(context.Background())

	if len(seen) != 2 || seen[0] != model.TaskSending || seen[1] != model.TaskDelivered {
		t.Fatalf("observed = %v, want [sending delivered]", seen)
	}
}

func TestStepFailsWhenStoreRejectsWrite(t *testing.T) {
	t.Parallel()

	store := newMemTasks(task("t01", "b1", nil))
	store.failWrites = true
	l, _ := newLoop(store, &recorder{}, DefaultConfig())
	l.Enqueue(store.get("t01"))

	if _, err := l.Step(context.Background()); err == nil {
		t.Fatalf("Step err = nil, want store error")
	}
	if s := l.Snapshot(); s.Pending != 1 || s.InFlight != 0 {
		t.Fatalf("snapshot = %+v, want task back in queue", s)
	}
}

func TestStepIsExclusive(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	s := SenderFunc(func(ctx context.Context, phone, body string) error {
		close(entered)
		<-release
		return nil
	})
	ts := []model.DeliveryTask{task("t01", "b1", nil), task("t02", "b1", nil)}
	cfg := DefaultConfig()
	cfg.Concurrency = 2
	l, _ := newLoop(newMemTasks(ts...), s, cfg)
	l.Enqueue(ts...)

	done := make(chan bool)
	go func() {
		ok, _ := l.Step(context.Background())
		done <- ok
	}()
	<-entered
	if ok, _ := l.Step(context.Background()); ok {
		t.Fatalf("second Step ran while the first was in flight")
	}
	close(release)
	if !<-done {
		t.Fatalf("first Step reported nothing delivered")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestRunningLoopRespectsConcurrency(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{1, 3} {
		limit := limit
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			t.Parallel()

			var cur, peak atomic.Int32
			s := SenderFunc(func(ctx context.Context, phone, body string) error {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(3 * time.Millisecond)
				cur.Add(-1)
				return nil
			})
			var ts []model.DeliveryTask
			for i := 0; i < 9; i++ {
				ts = append(ts, task(fmt.Sprintf("t%02d", i), "b1", nil))
			}
			store := newMemTasks(ts...)
			cfg := DefaultConfig()
			cfg.Concurrency = limit
			l, _ := newLoop(store, s, cfg)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := l.Start(ctx); err != nil {
				t.Fatalf("Start: %v", err)
			}
			waitFor(t, store.allTerminal)
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer stopCancel()
			if err := l.Stop(stopCtx); err != nil {
				t.Fatalf("Stop: %v", err)
			}

			if got := int(peak.Load()); got > limit {
				t.Fatalf("peak concurrent sends = %d, limit %d", got, limit)
			}
			store.mu.Lock()
			maxSending := store.maxSending
			store.mu.Unlock()
			if maxSending > limit {
				t.Fatalf("store saw %d sending tasks, limit %d", maxSending, limit)
			}
		})
	}
}

func TestStartRestoresQueueAndFailsInterrupted(t *testing.T) {
	t.Parallel()

	stuck := task("t01", "b1", nil)
	stuck.Status = model.TaskSending
	store := newMemTasks(stuck, task("t02", "b1", nil))
	l, _ := newLoop(store, &recorder{}, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, store.allTerminal)
	_ = l.Stop(context.Background())

	if got := store.get("t01"); got.Status != model.TaskFailed || got.Error != ErrInterrupted.Error() {
		t.Fatalf("t01 = %s %q, want interrupted", got.Status, got.Error)
	}
	if got := store.get("t02").Status; got != model.TaskDelivered {
		t.Fatalf("t02 status = %s", got)
	}
}

func TestRunningLoopWakesForScheduledTask(t *testing.T) {
	t.Parallel()

	at := t0.Add(10 * time.Second)
	store := newMemTasks(task("t01", "b1", &at))
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour
	l, clk := newLoop(store, &recorder{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop(context.Background())

	waitFor(t, func() bool { return l.Snapshot().NextWake != nil })
	if got := store.get("t01").Status; got != model.TaskPending {
		t.Fatalf("t01 status = %s before its time", got)
	}
	clk.Advance(10 * time.Second)
	waitFor(t, store.allTerminal)
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()

	l, _ := newLoop(newMemTasks(), &recorder{}, DefaultConfig())
	if err := l.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop err = %v, want ErrNotRunning", err)
	}
}

func TestStepOutlivesCallerContext(t *testing.T) {
	t.Parallel()

	s := SenderFunc(func(ctx context.Context, phone, body string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
			return nil
		}
	})
	store := newMemTasks(task("t01", "b1", nil), task("t02", "b1", nil))
	l, _ := newLoop(store, s, DefaultConfig())
	l.Enqueue(store.get("t01"), store.get("t02"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	n, err := l.Drain(ctx)
	if !errors.Is(err, context.DeadlineExceeded) || n != 1 {
		t.Fatalf("Drain = %d, %v; want 1, deadline exceeded", n, err)
	}
	if got := store.get("t01"); got.Status != model.TaskDelivered || got.Error != "" {
		t.Fatalf("t01 = %s %q, want delivered", got.Status, got.Error)
	}
	if got := store.get("t02").Status; got != model.TaskPending {
		t.Fatalf("t02 status = %s, want pending", got)
	}
	if st := l.Snapshot(); st.Delivered != 1 || st.Failed != 0 || st.Pending != 1 || st.InFlight != 0 {
		t.Fatalf("snapshot = %+v", st)
	}
}

func TestStartFailsWhenInterruptedTaskCannotBeRecorded(t *testing.T) {
	t.Parallel()

	stuck := task("t01", "b1", nil)
	stuck.Status = model.TaskSending
	store := newMemTasks(stuck)
	store.failWrites = true
	l, _ := newLoop(store, &recorder{}, DefaultConfig())

	if err := l.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "t01") {
		t.Fatalf("Start err = %v, want restore error naming t01", err)
	}
	if l.Snapshot().Running {
		t.Fatalf("loop running after failed restore")
	}
	if s := l.Snapshot(); s.Failed != 0 {
		t.Fatalf("failed = %d, want unrecorded outcome not counted", s.Failed)
	}
}
