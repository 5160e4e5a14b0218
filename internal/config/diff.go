package config

import (
	"reflect"
	"sort"
	"strings"

	"broadcastd/pkg/logx"
)

// Change describes the difference between two configs.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Attrs are safe to log; they never include tokens.
	Attrs []logx.Field
	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares oldCfg and newCfg section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID || ot.Summaries != nt.Summaries {
		// the bot is built once; chat and token changes need a restart
		mark("telegram", ot.Token != nt.Token || ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("telegram.summaries", nt.Summaries),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		mark("dispatch", false,
			logx.Int("dispatch.concurrency", newCfg.Dispatch.Concurrency),
			logx.String("dispatch.lookahead", newCfg.Dispatch.Lookahead),
			logx.String("dispatch.send_timeout", newCfg.Dispatch.SendTimeout),
			logx.String("dispatch.tick_interval", newCfg.Dispatch.TickInterval),
		)
	}

	if oldCfg.Sender != newCfg.Sender {
		mark("sender", oldCfg.Sender.Driver != newCfg.Sender.Driver || oldCfg.Sender.Seed != newCfg.Sender.Seed,
			logx.String("sender.driver", newCfg.Sender.Driver),
			logx.Float64("sender.failure_rate", newCfg.Sender.FailureRate),
			logx.Float64("sender.rate_per_sec", newCfg.Sender.RatePerSec),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http", true,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", HTTPAddr(newCfg.HTTP)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	if oldCfg.Retention != newCfg.Retention {
		mark("retention", false,
			logx.String("retention.prune_every", newCfg.Retention.PruneEvery),
			logx.String("retention.keep_finished_for", newCfg.Retention.KeepFinishedFor),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}
