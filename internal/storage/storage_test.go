package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"broadcastd/internal/model"
	"broadcastd/pkg/logx"
)

func drivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(":memory:", time.Second)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(0),
		"sqlite": sq,
	}
}

func ts(sec int) time.Time { return time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC) }

func TestOpenDrivers(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	if _, ok := st.(*Memory); !ok {
		t.Fatalf("default driver = %T, want *Memory", st)
	}

	st, err = Open(Config{Driver: "SQLite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	defer st.Close()
	if _, ok := st.(*SQLite); !ok {
		t.Fatalf("sqlite driver = %T", st)
	}

	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("unknown driver err = %v", err)
	}
}

func TestContactsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			a := model.Contact{ID: "c1", Name: "Ana", Phone: "+1 555 000 0001", Tags: []string{"vip"}, OptIn: true, CreatedAt: ts(1)}
			b := model.Contact{ID: "c2", Name: "Bo", Phone: "5550000002", CreatedAt: ts(2)}
			for _, c := range []model.Contact{a, b} {
				if err := st.InsertContact(ctx, c); err != nil {
					t.Fatalf("InsertContact: %v", err)
				}
			}

			got, err := st.Contact(ctx, "c1")
			if err != nil {
				t.Fatalf("Contact: %v", err)
			}
			if got.Name != "Ana" || !got.OptIn || !got.HasTag("vip") || !got.CreatedAt.Equal(a.CreatedAt) {
				t.Fatalf("contact = %+v", got)
			}

			list, err := st.Contacts(ctx)
			if err != nil {
				t.Fatalf("Contacts: %v", err)
			}
			if len(list) != 2 || list[0].ID != "c2" || list[1].ID != "c1" {
				t.Fatalf("contacts order = %+v", list)
			}

			if err := st.DeleteContact(ctx, "c1"); err != nil {
				t.Fatalf("DeleteContact: %v", err)
			}
			if _, err := st.Contact(ctx, "c1"); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("deleted contact err = %v", err)
			}
			if err := st.DeleteContact(ctx, "c1"); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("second delete err = %v", err)
			}
		})
	}
}

func TestTemplatesRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"t1", "t2"} {
				if err := st.InsertTemplate(ctx, model.MessageTemplate{ID: id, Name: id, Body: "Hi {{firstName}}", CreatedAt: ts(i)}); err != nil {
					t.Fatalf("InsertTemplate: %v", err)
				}
			}
			list, err := st.Templates(ctx)
			if err != nil {
				t.Fatalf("Templates: %v", err)
			}
			if len(list) != 2 || list[0].ID != "t2" {
				t.Fatalf("templates = %+v", list)
			}
			got, err := st.Template(ctx, "t1")
			if err != nil || got.Body != "Hi {{firstName}}" {
				t.Fatalf("Template = %+v, %v", got, err)
			}
			if err := st.DeleteTemplate(ctx, "t1"); err != nil {
				t.Fatalf("DeleteTemplate: %v", err)
			}
			if _, err := st.Template(ctx, "t1"); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("deleted template err = %v", err)
			}
		})
	}
}

func TestBroadcastsAndTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			at := ts(30)
			b1 := model.Broadcast{
				ID: "01A", Label: "spring", TemplateID: model.CustomTemplateID, Body: "Hello",
				Target:    model.TagTarget{Tag: "vip"},
				CreatedAt: ts(0), ScheduledFor: &at, Status: model.BroadcastScheduled, TotalRecipients: 2,
			}
			tasks := []model.DeliveryTask{
				{ID: "01T1", BroadcastID: "01A", ContactID: "c1", ContactName: "Ana", Phone: "1", ScheduledFor: &at, Status: model.TaskPending, Preview: "Hello", CreatedAt: ts(0)},
				{ID: "01T2", BroadcastID: "01A", ContactID: "c2", ContactName: "Bo", Phone: "2", ScheduledFor: &at, Status: model.TaskPending, Preview: "Hello", CreatedAt: ts(0)},
			}
			if err := st.CreateBroadcast(ctx, b1, tasks); err != nil {
				t.Fatalf("CreateBroadcast: %v", err)
			}
			b2 := model.Broadcast{ID: "01B", Label: "later", Target: model.ContactList{IDs: []string{"c9"}}, CreatedAt: ts(1), Status: model.BroadcastInProgress}
			if err := st.CreateBroadcast(ctx, b2, nil); err != nil {
				t.Fatalf("CreateBroadcast b2: %v", err)
			}

			got, err := st.Broadcast(ctx, "01A")
			if err != nil {
				t.Fatalf("Broadcast: %v", err)
			}
			if tt, ok := got.Target.(model.TagTarget); !ok || tt.Tag != "vip" {
				t.Fatalf("target = %#v", got.Target)
			}
			if got.ScheduledFor == nil || !got.ScheduledFor.Equal(at) || got.FinishedAt != nil {
				t.Fatalf("times = %v / %v", got.ScheduledFor, got.FinishedAt)
			}

			all, err := st.Broadcasts(ctx)
			if err != nil || len(all) != 2 || all[0].ID != "01B" {
				t.Fatalf("Broadcasts = %+v, %v", all, err)
			}

			now := ts(40)
			task := tasks[0]
			task.Status = model.TaskDelivered
			task.StartedAt = &now
			task.CompletedAt = &now
			if err := st.UpdateTask(ctx, task); err != nil {
				t.Fatalf("UpdateTask: %v", err)
			}
			pending, err := st.TasksByStatus(ctx, model.TaskPending, model.TaskSending)
			if err != nil || len(pending) != 1 || pending[0].ID != "01T2" {
				t.Fatalf("TasksByStatus = %+v, %v", pending, err)
			}
			if none, err := st.TasksByStatus(ctx); err != nil || len(none) != 0 {
				t.Fatalf("TasksByStatus() = %+v, %v", none, err)
			}
			for1, err := st.TasksFor(ctx, "01A")
			if err != nil || len(for1) != 2 || for1[0].ID != "01T1" || for1[0].Status != model.TaskDelivered {
				t.Fatalf("TasksFor = %+v, %v", for1, err)
			}
			if for1[0].CompletedAt == nil || !for1[0].CompletedAt.Equal(now) {
				t.Fatalf("completedAt = %v", for1[0].CompletedAt)
			}

			got.Status = model.BroadcastCompleted
			got.Delivered = 2
			got.FinishedAt = &now
			if err := st.UpdateBroadcast(ctx, got); err != nil {
				t.Fatalf("UpdateBroadcast: %v", err)
			}
			if err := st.UpdateBroadcast(ctx, model.Broadcast{ID: "missing"}); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("update missing err = %v", err)
			}

			if err := st.DeleteBroadcast(ctx, "01A"); err != nil {
				t.Fatalf("DeleteBroadcast: %v", err)
			}
			if _, err := st.Task(ctx, "01T2"); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("task survived cascade: %v", err)
			}
		})
	}
}

func TestAuditNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			for i, action := range []string{"launch", "cancel", "retry"} {
				if err := st.AppendAudit(ctx, model.AuditEntry{At: ts(i), Action: action, Subject: "01A"}); err != nil {
					t.Fatalf("AppendAudit: %v", err)
				}
			}
			got, err := st.Audit(ctx, 2)
			if err != nil {
				t.Fatalf("Audit: %v", err)
			}
			if len(got) != 2 || got[0].Action != "retry" || got[1].Action != "cancel" {
				t.Fatalf("audit = %+v", got)
			}
			all, _ := st.Audit(ctx, 0)
			if len(all) != 3 {
				t.Fatalf("audit(0) len = %d", len(all))
			}
		})
	}
}

func TestMemoryAuditLimit(t *testing.T) {
	t.Parallel()
	m := NewMemory(2)
	for _, a := range []string{"a", "b", "c"} {
		_ = m.AppendAudit(context.Background(), model.AuditEntry{Action: a})
	}
	got, _ := m.Audit(context.Background(), 0)
	if len(got) != 2 || got[0].Action != "c" || got[1].Action != "b" {
		t.Fatalf("audit = %+v", got)
	}
}
