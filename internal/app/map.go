package app

import (
	"time"

	"broadcastd/internal/config"
	"broadcastd/internal/dispatch"
	"broadcastd/internal/httpapi"
	"broadcastd/internal/sender"
	"broadcastd/internal/storage"
	"broadcastd/internal/transport/telegram"
	"broadcastd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled && cfg.Telegram.Token != "",
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	def := dispatch.DefaultConfig()
	d := cfg.Dispatch
	lookahead, err := config.ParseDurationOrDefault("dispatch.lookahead", d.Lookahead, def.Lookahead)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", d.SendTimeout, def.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	tick, err := config.ParseDurationOrDefault("dispatch.tick_interval", d.TickInterval, def.TickInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	concurrency := d.Concurrency
	if concurrency <= 0 {
		concurrency = def.Concurrency
	}
	return dispatch.Config{
		Concurrency:  concurrency,
		Lookahead:    lookahead,
		SendTimeout:  sendTimeout,
		TickInterval: tick,
	}, nil
}

func mapSimulatedConfig(cfg *config.Config) (sender.SimulatedConfig, error) {
	def := sender.DefaultSimulatedConfig()
	s := cfg.Sender
	minLat, err := config.ParseDurationOrDefault("sender.min_latency", s.MinLatency, def.MinLatency)
	if err != nil {
		return sender.SimulatedConfig{}, err
	}
	maxLat, err := config.ParseDurationOrDefault("sender.max_latency", s.MaxLatency, def.MaxLatency)
	if err != nil {
		return sender.SimulatedConfig{}, err
	}
	if maxLat < minLat {
		maxLat = minLat
	}
	return sender.SimulatedConfig{
		MinLatency:  minLat,
		MaxLatency:  maxLat,
		FailureRate: s.FailureRate,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		BusyTimeout: busy,
		AuditLimit:  sc.AuditLimit,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:          config.HTTPAddr(h),
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		CORSOrigins:   h.CORSOrigins,
		Pprof:         h.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		ChatID:      cfg.Telegram.ChatID,
		ThreadID:    cfg.Telegram.ThreadID,
		PollTimeout: 10 * time.Second,
	}
}

// keepFinishedFor is how long finished broadcasts survive retention pruning.
func keepFinishedFor(cfg *config.Config) (time.Duration, error) {
	def, _ := time.ParseDuration(config.DefaultKeepFinishedFor)
	return config.ParseDurationOrDefault("retention.keep_finished_for", cfg.Retention.KeepFinishedFor, def)
}
