package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/contacts"
	"broadcastd/internal/dispatch"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/model"
	"broadcastd/internal/runtime/supervisor"
	"broadcastd/internal/storage"
	"broadcastd/internal/templates"
	"broadcastd/pkg/logx"
)

type fixture struct {
	srv *httptest.Server
	bus *eventbus.MemBus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := storage.NewMemory(0)
	bus := eventbus.New()
	log := logx.Nop()

	book := contacts.NewBook(st, contacts.WithAuditor(st))
	lib := templates.NewLibrary(st, log)
	agg := broadcast.NewAggregator(st, bus, log)
	ok := dispatch.SenderFunc(func(context.Context, string, string) error { return nil })
	loop := dispatch.New(dispatch.DefaultConfig(), st, ok, dispatch.WithObserver(agg), dispatch.WithBus(bus))
	orch := broadcast.NewOrchestrator(st, book,
		broadcast.WithPublisher(loop),
		broadcast.WithCanceller(loop),
		broadcast.WithAuditor(st),
		broadcast.WithBus(bus),
	)

	h := NewRouter(cfg, Deps{
		Contacts:   book,
		Templates:  lib,
		Broadcasts: orch,
		Dispatch:   loop,
		Audit:      st,
		Bus:        bus,
		Health: func() map[string]supervisor.Snapshot {
			return map[string]supervisor.Snapshot{"app": {Active: 1}}
		},
		Log: log,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if body != "" && strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode
}

func TestAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret"})

	if code := f.do(t, "GET", "/healthz", "", nil); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
	if code := f.do(t, "GET", "/api/contacts", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	if code := f.do(t, "GET", "/api/contacts?token=s3cret", "", nil); code != http.StatusOK {
		t.Fatalf("query token = %d", code)
	}

	req, _ := http.NewRequest("GET", f.srv.URL+"/api/dispatch", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer token = %d", resp.StatusCode)
	}
}

func TestContactsAndImport(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	var created struct {
		Contact model.Contact `json:"contact"`
		Added   bool          `json:"added"`
	}
	code := f.do(t, "POST", "/api/contacts", `{"name":"Dana Lee","phone":"+1 415 555 0101","tags":["acme-company"],"optIn":true}`, &created)
	if code != http.StatusCreated || !created.Added || created.Contact.ID == "" {
		t.Fatalf("create = %d %+v", code, created)
	}
	code = f.do(t, "POST", "/api/contacts", `{"name":"Dup","phone":"14155550101","optIn":true}`, &created)
	if code != http.StatusOK || created.Added {
		t.Fatalf("duplicate = %d %+v", code, created)
	}

	var bad errorBody
	if code := f.do(t, "POST", "/api/contacts", `{"name":"X","phone":"nope"}`, &bad); code != http.StatusBadRequest || bad.Field != "phone" {
		t.Fatalf("invalid = %d %+v", code, bad)
	}
	if code := f.do(t, "POST", "/api/contacts", `{"name":"X","phone":"5550000","extra":1}`, &bad); code != http.StatusBadRequest {
		t.Fatalf("unknown field = %d", code)
	}

	var rep contacts.ImportReport
	csv := "name,phone,tags,opt_in\nAna,5550000001,vip,yes\nBo,5550000002,vip,no\nBad,x,,yes\n"
	if code := f.do(t, "POST", "/api/contacts/import", csv, &rep); code != http.StatusOK || rep.Added != 2 || rep.Invalid != 1 {
		t.Fatalf("import = %d %+v", code, rep)
	}

	var list []model.Contact
	f.do(t, "GET", "/api/contacts?tag=vip", "", &list)
	if len(list) != 2 {
		t.Fatalf("vip contacts = %d", len(list))
	}

	if code := f.do(t, "DELETE", "/api/contacts/"+created.Contact.ID, "", nil); code != http.StatusNoContent {
		t.Fatalf("delete = %d", code)
	}
	if code := f.do(t, "GET", "/api/contacts/"+created.Contact.ID, "", nil); code != http.StatusNotFound {
		t.Fatalf("get deleted = %d", code)
	}
}

func TestPreviewRendersTemplate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	var c struct {
		Contact model.Contact `json:"contact"`
	}
	f.do(t, "POST", "/api/contacts", `{"name":"Dana Lee","phone":"4155550101","tags":["acme-company","vip"],"optIn":true}`, &c)
	var tmpl struct {
		Template model.MessageTemplate `json:"template"`
	}
	if code := f.do(t, "POST", "/api/templates", `{"name":"hello","body":"Hi {{firstName}} from {{company}}"}`, &tmpl); code != http.StatusCreated {
		t.Fatalf("template = %d", code)
	}

	var out previewOutput
	body := `{"templateId":"` + tmpl.Template.ID + `","contactId":"` + c.Contact.ID + `"}`
	if code := f.do(t, "POST", "/api/preview", body, &out); code != http.StatusOK {
		t.Fatalf("preview = %d", code)
	}
	if out.Text != "Hi Dana from acme-company" || len(out.Placeholders) != 2 {
		t.Fatalf("preview = %+v", out)
	}

	if code := f.do(t, "POST", "/api/preview", `{"templateId":"missing"}`, nil); code != http.StatusNotFound {
		t.Fatalf("missing template = %d", code)
	}
}

func TestLaunchDrainAndProgress(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	for _, body := range []string{
		`{"name":"Ana","phone":"5550000001","tags":["vip"],"optIn":true}`,
		`{"name":"Bo","phone":"5550000002","tags":["vip"],"optIn":true}`,
		`{"name":"Cy","phone":"5550000003","tags":["vip"],"optIn":false}`,
	} {
		f.do(t, "POST", "/api/contacts", body, nil)
	}

	var bad errorBody
	if code := f.do(t, "POST", "/api/broadcasts", `{"label":" ","body":"hi","target":{"tag":"vip"}}`, &bad); code != http.StatusBadRequest || bad.Field != "label" {
		t.Fatalf("blank label = %d %+v", code, bad)
	}
	if code := f.do(t, "POST", "/api/broadcasts", `{"label":"x","body":"hi","target":{"mode":"tag"}}`, &bad); code != http.StatusBadRequest {
		t.Fatalf("tag unset = %d", code)
	}

	var launched launchOutput
	code := f.do(t, "POST", "/api/broadcasts", `{"label":"Spring","body":"Hi {{firstName}}","target":{"tag":"vip"}}`, &launched)
	if code != http.StatusCreated || len(launched.Tasks) != 2 || launched.Broadcast.Status != model.BroadcastInProgress {
		t.Fatalf("launch = %d %+v", code, launched)
	}
	if launched.Tasks[0].Preview != "Hi Ana" && launched.Tasks[0].Preview != "Hi Bo" {
		t.Fatalf("preview = %q", launched.Tasks[0].Preview)
	}

	var drained struct {
		Sent int `json:"sent"`
	}
	if code := f.do(t, "POST", "/api/dispatch/drain", "", &drained); code != http.StatusOK || drained.Sent != 2 {
		t.Fatalf("drain = %d %+v", code, drained)
	}

	var p broadcast.Progress
	f.do(t, "GET", "/api/broadcasts/"+launched.Broadcast.ID, "", &p)
	if p.Broadcast.Status != model.BroadcastCompleted || p.Broadcast.Delivered != 2 || p.Percent != 100 {
		t.Fatalf("progress = %+v", p)
	}

	var delivered []model.DeliveryTask
	f.do(t, "GET", "/api/broadcasts/"+launched.Broadcast.ID+"/tasks?status=delivered", "", &delivered)
	if len(delivered) != 2 {
		t.Fatalf("delivered tasks = %d", len(delivered))
	}

	var cancelled map[string]int
	if code := f.do(t, "POST", "/api/broadcasts/"+launched.Broadcast.ID+"/cancel", "", &cancelled); code != http.StatusOK || cancelled["cancelled"] != 0 {
		t.Fatalf("cancel = %d %+v", code, cancelled)
	}
	if code := f.do(t, "POST", "/api/broadcasts/"+launched.Broadcast.ID+"/retry", "", &bad); code != http.StatusBadRequest {
		t.Fatalf("retry without failures = %d", code)
	}
	if code := f.do(t, "GET", "/api/broadcasts/nope", "", nil); code != http.StatusNotFound {
		t.Fatalf("unknown broadcast = %d", code)
	}

	var audit []model.AuditEntry
	f.do(t, "GET", "/api/audit?limit=10", "", &audit)
	if len(audit) == 0 || audit[0].Action != "broadcast.launch" {
		t.Fatalf("audit = %+v", audit)
	}
}

func TestScheduledLaunchWaits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.do(t, "POST", "/api/contacts", `{"name":"Ana","phone":"5550000001","optIn":true}`, nil)

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	var launched launchOutput
	f.do(t, "POST", "/api/broadcasts", `{"label":"Later","body":"hi","target":{"mode":"all"},"scheduledFor":"`+at+`"}`, &launched)
	if launched.Broadcast.Status != model.BroadcastScheduled {
		t.Fatalf("status = %s", launched.Broadcast.Status)
	}

	var step struct {
		Sent bool `json:"sent"`
	}
	f.do(t, "POST", "/api/dispatch/step", "", &step)
	if step.Sent {
		t.Fatal("scheduled task sent early")
	}
	var cancelled map[string]int
	f.do(t, "POST", "/api/broadcasts/"+launched.Broadcast.ID+"/cancel", "", &cancelled)
	if cancelled["cancelled"] != 1 {
		t.Fatalf("cancelled = %+v", cancelled)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	var health map[string]json.RawMessage
	if code := f.do(t, "GET", "/api/health", "", &health); code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
	if _, ok := health["supervisors"]; !ok {
		t.Fatalf("health = %s", health)
	}

	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(raw, []byte("go_goroutines")) {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}

func TestWebsocketStreamsFilteredEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?broadcast=01B"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// the subscription is registered after the upgrade; keep publishing until one arrives
	got := make(chan eventbus.Event, 1)
	go func() {
		var ev eventbus.Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()
	deadline := time.After(3 * time.Second)
	for {
		f.bus.Publish(eventbus.Event{Type: eventbus.TaskUpdated, Data: model.DeliveryTask{ID: "t1", BroadcastID: "01A"}})
		f.bus.Publish(eventbus.Event{Type: eventbus.BroadcastUpdated, Data: model.Broadcast{ID: "01B", Status: model.BroadcastCompleted}})
		select {
		case ev := <-got:
			if ev.Type != eventbus.BroadcastUpdated {
				t.Fatalf("event = %+v", ev)
			}
			return
		case <-deadline:
			t.Fatal("no websocket event")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()

	s := NewServer(Config{Addr: "127.0.0.1:0"}, NewRouter(Config{}, Deps{Log: logx.Nop()}), logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("addr after stop = %q", s.Addr())
	}

	insecure := NewServer(Config{Addr: "0.0.0.0:0"}, http.NotFoundHandler(), logx.Nop())
	if err := insecure.Start(context.Background()); err == nil {
		t.Fatal("public bind without token was allowed")
	}
}
