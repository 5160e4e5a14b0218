package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

const (
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultKeepFinishedFor = "168h"
	MaxConcurrency         = 64
)

// Validate checks cfg for values the runtime cannot use. It returns every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}
	if cfg.Logging.Alerts.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("logging.alerts: requires telegram.token"))
	}

	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID == 0 {
		add(errors.New("telegram.chat_id: required when a token is set"))
	}

	d := cfg.Dispatch
	if d.Concurrency < 0 || d.Concurrency > MaxConcurrency {
		add(fmt.Errorf("dispatch.concurrency: must be between 0 and %d", MaxConcurrency))
	}
	dur("dispatch.lookahead", d.Lookahead)
	dur("dispatch.send_timeout", d.SendTimeout)
	dur("dispatch.tick_interval", d.TickInterval)

	s := cfg.Sender
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", "simulated":
	default:
		add(fmt.Errorf("sender.driver: unknown driver %q", s.Driver))
	}
	minLat, err1 := ParseDurationField("sender.min_latency", s.MinLatency)
	maxLat, err2 := ParseDurationField("sender.max_latency", s.MaxLatency)
	add(err1)
	add(err2)
	if err1 == nil && err2 == nil && maxLat > 0 && minLat > maxLat {
		add(errors.New("sender.min_latency: must not exceed max_latency"))
	}
	if s.FailureRate < 0 || s.FailureRate > 1 {
		add(errors.New("sender.failure_rate: must be within [0, 1]"))
	}
	if s.RatePerSec < 0 || s.Burst < 0 {
		add(errors.New("sender.rate_per_sec/burst: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for sqlite"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	h := cfg.HTTP
	if h.Enabled {
		addr := HTTPAddr(h)
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			add(fmt.Errorf("http.addr: %w", err))
		} else if !isLoopback(host) && strings.TrimSpace(h.Token) == "" && !h.AllowInsecure {
			add(fmt.Errorf("http.addr: %s is not loopback; set http.token or http.allow_insecure", addr))
		}
	}
	dur("http.read_timeout", h.ReadTimeout)
	dur("http.write_timeout", h.WriteTimeout)
	dur("http.idle_timeout", h.IdleTimeout)

	if spec := strings.TrimSpace(cfg.Retention.PruneEvery); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			add(fmt.Errorf("retention.prune_every: %w", err))
		}
	}
	dur("retention.keep_finished_for", cfg.Retention.KeepFinishedFor)

	return errors.Join(errs...)
}

// HTTPAddr returns the configured listen address or the loopback default.
func HTTPAddr(h HTTPConfig) string {
	if a := strings.TrimSpace(h.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
