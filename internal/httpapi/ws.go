package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/model"
	"broadcastd/pkg/logx"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 256
)

// hub streams bus events to websocket clients. Each connection holds its own bus
// subscription, so a slow client only loses its own events.
type hub struct {
	bus      eventbus.Bus
	log      logx.Logger
	upgrader websocket.Upgrader
	clients  atomic.Int64
}

func newHub(bus eventbus.Bus, origins []string, log logx.Logger) *hub {
	h := &hub{bus: bus, log: log}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}
	return h
}

// originChecker allows same-host and listed origins; no list allows loopback origins only.
func originChecker(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		if len(origins) == 0 {
			host := u.Hostname()
			return host == "localhost" || host == "127.0.0.1" || host == "::1"
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(strings.TrimSuffix(o, "/"), origin) {
				return true
			}
		}
		return false
	}
}

// serve upgrades the request. ?broadcast=<id> limits the feed to one broadcast.
func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	filter := strings.TrimSpace(r.URL.Query().Get("broadcast"))
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	events, unsubscribe := h.bus.Subscribe(wsBuffer)
	n := h.clients.Add(1)
	h.log.Debug("websocket client connected", logx.Int64("clients", n))

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, events, filter, done)

	unsubscribe()
	_ = conn.Close()
	n = h.clients.Add(-1)
	h.log.Debug("websocket client disconnected", logx.Int64("clients", n))
}

// readPump discards client messages and keeps the read deadline fresh from pongs.
func (h *hub) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) writePump(conn *websocket.Conn, events <-chan eventbus.Event, filter string, done <-chan struct{}) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			if filter != "" && broadcastOf(ev) != filter {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func broadcastOf(ev eventbus.Event) string {
	switch v := ev.Data.(type) {
	case model.Broadcast:
		return v.ID
	case model.DeliveryTask:
		return v.BroadcastID
	default:
		return ""
	}
}
