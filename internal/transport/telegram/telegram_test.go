package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"broadcastd/pkg/logx"
)

type fakeAPI struct {
	mu    sync.Mutex
	texts []string
	chats []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
		http.Error(w, `{"ok":false,"error_code":404,"description":"not found"}`, http.StatusNotFound)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.texts = append(f.texts, body["text"].(string))
	f.chats = append(f.chats, body["chat_id"].(string))
	f.mu.Unlock()
	_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:abc", ChatID: 42, URL: srv.URL, Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, api
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v", err)
	}
}

func TestSendTextSplitsLongMessages(t *testing.T) {
	t.Parallel()
	a, api := newTestAdapter(t)

	long := strings.Repeat("x", textLimit) + "\n" + "tail"
	if err := a.Alert(context.Background(), long); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.texts) != 2 || api.texts[1] != "tail" {
		t.Fatalf("sent %d chunks, last=%q", len(api.texts), api.texts[len(api.texts)-1])
	}
	if api.chats[0] != "42" {
		t.Fatalf("chat = %q", api.chats[0])
	}
}

func TestSendTextHonoursContext(t *testing.T) {
	t.Parallel()
	a, api := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.SendText(ctx, "hi"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(api.texts) != 0 {
		t.Fatalf("sent after cancel")
	}
}

func TestCommands(t *testing.T) {
	t.Parallel()
	a, _ := newTestAdapter(t)
	a.Handle("/status", "show dispatch state", func(context.Context, string) (string, error) { return "idle", nil })
	a.Handle("cancel", "<broadcast id>", func(_ context.Context, args string) (string, error) {
		if args == "" {
			return "", errors.New("id required")
		}
		return "cancelled " + args, nil
	})

	cases := []struct {
		name   string
		chat   int64
		text   string
		want   string
		answer bool
	}{
		{"status", 42, "/status", "idle", true},
		{"bot suffix", 42, "/STATUS@broadcast_bot", "idle", true},
		{"args", 42, "/cancel  01ABC ", "cancelled 01ABC", true},
		{"error", 42, "/cancel", "error: id required", true},
		{"unknown lists help", 42, "/nope", "commands:\n/cancel <broadcast id>\n/status show dispatch state", true},
		{"plain text", 42, "hello", "", false},
		{"other chat", 7, "/status", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := a.run(context.Background(), tc.chat, tc.text)
			if ok != tc.answer || got != tc.want {
				t.Fatalf("run(%q) = %q, %v; want %q, %v", tc.text, got, ok, tc.want, tc.answer)
			}
		})
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short = %q", got)
	}
	got := splitText("aaaa\nbbbb\ncccc", 10)
	if len(got) != 2 || got[0] != "aaaa\nbbbb" || got[1] != "cccc" {
		t.Fatalf("split = %q", got)
	}
	got = splitText(strings.Repeat("é", 25), 10)
	if len(got) != 3 || len([]rune(got[2])) != 5 {
		t.Fatalf("rune split = %q", got)
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()
	a, _ := newTestAdapter(t)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start without commands: %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
