package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/model"
	"broadcastd/pkg/logx"
)

// Texter sends a plain text line to the operator.
type Texter interface {
	SendText(ctx context.Context, text string) error
}

type Config struct {
	RatePerSec      float64
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupMaxEntries int
	QueueSize       int
}

func DefaultConfig() Config {
	return Config{
		RatePerSec:      1,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupMaxEntries: 2000,
		QueueSize:       256,
	}
}

type Service struct {
	cfg     Config
	out     Texter
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	// seen is only touched by the Run goroutine.
	seen  map[string]struct{}
	order []string
}

func New(cfg Config, out Texter, bus eventbus.Bus, log logx.Logger) *Service {
	def := DefaultConfig()
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = def.RatePerSec
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = def.DedupMaxEntries
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Service{
		cfg:     cfg,
		out:     out,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		seen:    map[string]struct{}{},
	}
}

// Run consumes bus events until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	events, unsubscribe := s.bus.Subscribe(s.cfg.QueueSize)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	if ev.Type != eventbus.BroadcastUpdated {
		return
	}
	b, ok := ev.Data.(model.Broadcast)
	if !ok || !b.Status.Terminal() || !s.remember(b.ID) {
		return
	}
	if err := s.send(ctx, Summary(b)); err != nil {
		s.log.Warn("broadcast summary not sent", logx.String("broadcast", b.ID), logx.Err(err))
		return
	}
	s.log.Debug("broadcast summary sent", logx.String("broadcast", b.ID))
}

// remember reports whether id is new, evicting the oldest ids past the cap.
func (s *Service) remember(id string) bool {
	if _, dup := s.seen[id]; dup {
		return false
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	if over := len(s.order) - s.cfg.DedupMaxEntries; over > 0 {
		for _, old := range s.order[:over] {
			delete(s.seen, old)
		}
		s.order = append(s.order[:0], s.order[over:]...)
	}
	return true
}

func (s *Service) send(ctx context.Context, text string) error {
	delay := s.cfg.RetryBase
	var err error
	for attempt := 0; ; attempt++ {
		if werr := s.limiter.Wait(ctx); werr != nil {
			return werr
		}
		if err = s.out.SendText(ctx, text); err == nil {
			return nil
		}
		if attempt >= s.cfg.RetryMax || errors.Is(err, context.Canceled) {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay = min(delay*2, s.cfg.RetryMaxDelay)
	}
}

// Summary renders the one-line operator summary of a finished broadcast.
func Summary(b model.Broadcast) string {
	label := strings.TrimSpace(b.Label)
	if label == "" {
		label = b.ID
	}
	icon := "✅"
	if b.Status == model.BroadcastFailed {
		icon = "❌"
	}
	line := fmt.Sprintf("%s %s %s: %d/%d delivered, %d failed",
		icon, label, b.Status, b.Delivered, b.TotalRecipients, b.Failed)
	if b.FinishedAt != nil && !b.CreatedAt.IsZero() {
		line += fmt.Sprintf(" in %s", b.FinishedAt.Sub(b.CreatedAt).Round(time.Second))
	}
	return line
}
