// Package sender provides dispatch.Sender implementations: a simulated transport with latency
// and random failures, and a rate-limiting wrapper.
package sender

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"broadcastd/internal/dispatch"
	"broadcastd/pkg/logx"
)

// ErrTemporary is the simulated transport failure.
var ErrTemporary = errors.New("temporary error, retry later")

type SimulatedConfig struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
}

func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{MinLatency: 300 * time.Millisecond, MaxLatency: 1200 * time.Millisecond, FailureRate: 0.08}
}

// Simulated sleeps a random latency and fails with ErrTemporary at FailureRate.
type Simulated struct {
	mu  sync.Mutex
	cfg SimulatedConfig
	rng *rand.Rand
	log logx.Logger
}

func NewSimulated(cfg SimulatedConfig, seed uint64, log logx.Logger) *Simulated {
	return &Simulated{cfg: cfg, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), log: log}
}

func (s *Simulated) Apply(cfg SimulatedConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Simulated) Send(ctx context.Context, phone, body string) error {
	s.mu.Lock()
	cfg := s.cfg
	delay := cfg.MinLatency
	if span := cfg.MaxLatency - cfg.MinLatency; span > 0 {
		delay += time.Duration(s.rng.Int64N(int64(span)))
	}
	fail := s.rng.Float64() < cfg.FailureRate
	s.mu.Unlock()

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	if fail {
		return ErrTemporary
	}
	s.log.Debug("simulated send", logx.String("phone", phone), logx.Int("chars", len([]rune(body))), logx.Duration("latency", delay))
	return nil
}

// Limited throttles an inner sender with a token bucket. A zero rate disables throttling.
type Limited struct {
	inner   dispatch.Sender
	mu      sync.Mutex
	limiter *rate.Limiter
}

func NewLimited(inner dispatch.Sender, perSec float64, burst int) *Limited {
	l := &Limited{inner: inner}
	l.SetRate(perSec, burst)
	return l
}

func (l *Limited) SetRate(perSec float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if perSec <= 0 {
		l.limiter = nil
		return
	}
	l.limiter = rate.NewLimiter(rate.Limit(perSec), max(1, burst))
}

func (l *Limited) Send(ctx context.Context, phone, body string) error {
	l.mu.Lock()
	lim := l.limiter
	l.mu.Unlock()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	return l.inner.Send(ctx, phone, body)
}
