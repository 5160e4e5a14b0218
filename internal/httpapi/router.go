package httpapi

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/contacts"
	"broadcastd/internal/dispatch"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/model"
	"broadcastd/internal/runtime/supervisor"
	"broadcastd/pkg/logx"
)

type ContactBook interface {
	Add(ctx context.Context, in contacts.Input) (model.Contact, bool, error)
	Import(ctx context.Context, r io.Reader) (contacts.ImportReport, error)
	List(ctx context.Context) ([]model.Contact, error)
	Get(ctx context.Context, id string) (model.Contact, error)
	Delete(ctx context.Context, id string) error
}

type TemplateLibrary interface {
	Add(ctx context.Context, name, body string) (model.MessageTemplate, bool, error)
	Get(ctx context.Context, id string) (model.MessageTemplate, error)
	List(ctx context.Context) ([]model.MessageTemplate, error)
	Delete(ctx context.Context, id string) error
}

type Broadcasts interface {
	Submit(ctx context.Context, req broadcast.LaunchRequest) (model.Broadcast, []model.DeliveryTask, error)
	Broadcasts(ctx context.Context) ([]model.Broadcast, error)
	Broadcast(ctx context.Context, id string) (model.Broadcast, error)
	Tasks(ctx context.Context, id string) ([]model.DeliveryTask, error)
	Progress(ctx context.Context, id string) (broadcast.Progress, error)
	Cancel(ctx context.Context, id string) (int, error)
	RetryFailed(ctx context.Context, id string) (model.Broadcast, []model.DeliveryTask, error)
}

type Dispatcher interface {
	Snapshot() dispatch.Stats
	Step(ctx context.Context) (bool, error)
	Drain(ctx context.Context) (int, error)
}

type AuditLog interface {
	Audit(ctx context.Context, limit int) ([]model.AuditEntry, error)
}

// Deps are the collaborators behind the routes. Health and Audit may be nil.
type Deps struct {
	Contacts   ContactBook
	Templates  TemplateLibrary
	Broadcasts Broadcasts
	Dispatch   Dispatcher
	Audit      AuditLog
	Bus        eventbus.Bus
	Health     func() map[string]supervisor.Snapshot
	Log        logx.Logger
}

type api struct {
	Deps
	hub *hub
}

// NewRouter builds the chi router. Every route but /healthz sits behind the bearer token.
func NewRouter(cfg Config, d Deps) http.Handler {
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	a := &api{Deps: d, hub: newHub(d.Bus, cfg.CORSOrigins, d.Log)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log))
	r.Use(middleware.Recoverer)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))

		r.Handle("/metrics", promhttp.Handler())
		r.Get("/ws", a.hub.serve)
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}

		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/health", a.health)
			r.Get("/audit", a.audit)

			r.Route("/contacts", func(r chi.Router) {
				r.Get("/", a.listContacts)
				r.Post("/", a.addContact)
				r.Post("/import", a.importContacts)
				r.Get("/{id}", a.getContact)
				r.Delete("/{id}", a.deleteContact)
			})
			r.Route("/templates", func(r chi.Router) {
				r.Get("/", a.listTemplates)
				r.Post("/", a.addTemplate)
				r.Get("/{id}", a.getTemplate)
				r.Delete("/{id}", a.deleteTemplate)
			})
			r.Post("/preview", a.preview)
			r.Route("/broadcasts", func(r chi.Router) {
				r.Get("/", a.listBroadcasts)
				r.Post("/", a.launch)
				r.Get("/{id}", a.getBroadcast)
				r.Get("/{id}/tasks", a.broadcastTasks)
				r.Post("/{id}/cancel", a.cancel)
				r.Post("/{id}/retry", a.retry)
			})
			r.Route("/dispatch", func(r chi.Router) {
				r.Get("/", a.dispatchStats)
				r.Post("/step", a.step)
				r.Post("/drain", a.drain)
			})
		})
	})
	return r
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token> (browsers cannot
// set headers on websocket upgrades). An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= 500 {
				log.Warn("http request failed", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}
