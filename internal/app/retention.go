package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"broadcastd/internal/config"
	"broadcastd/pkg/logx"
)

const statsEvery = "@every 1m"

// housekeeping runs the periodic jobs: retention pruning and a stats log line.
type housekeeping struct {
	mu   sync.Mutex
	cron *cron.Cron
	log  logx.Logger

	prune     func(ctx context.Context, keep time.Duration) (int, error)
	stats     func()
	pruneID   cron.EntryID
	pruneSpec string
	keep      time.Duration
	ctx       context.Context
}

func newHousekeeping(prune func(context.Context, time.Duration) (int, error), stats func(), log logx.Logger) *housekeeping {
	return &housekeeping{
		cron:  cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:   log,
		prune: prune,
		stats: stats,
		ctx:   context.Background(),
	}
}

func (h *housekeeping) Start(ctx context.Context, cfg *config.Config) error {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()
	if _, err := h.cron.AddFunc(statsEvery, h.stats); err != nil {
		return err
	}
	if err := h.Apply(cfg); err != nil {
		return err
	}
	h.cron.Start()
	return nil
}

// Apply replaces the prune entry when the retention section changed.
func (h *housekeeping) Apply(cfg *config.Config) error {
	keep, err := keepFinishedFor(cfg)
	if err != nil {
		return err
	}
	spec := strings.TrimSpace(cfg.Retention.PruneEvery)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.keep = keep
	if spec == h.pruneSpec {
		return nil
	}
	if h.pruneID != 0 {
		h.cron.Remove(h.pruneID)
		h.pruneID = 0
	}
	h.pruneSpec = spec
	if spec == "" {
		h.log.Info("retention pruning disabled")
		return nil
	}
	id, err := h.cron.AddFunc(spec, h.runPrune)
	if err != nil {
		h.pruneSpec = ""
		return err
	}
	h.pruneID = id
	h.log.Info("retention pruning scheduled", logx.String("every", spec), logx.Duration("keep", keep))
	return nil
}

func (h *housekeeping) runPrune() {
	h.mu.Lock()
	ctx, keep := h.ctx, h.keep
	h.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	n, err := h.prune(ctx, keep)
	if err != nil {
		h.log.Warn("retention prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		h.log.Info("retention pruned broadcasts", logx.Int("removed", n))
	}
}

// Stop waits for running jobs, bounded by ctx.
func (h *housekeeping) Stop(ctx context.Context) error {
	done := h.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
