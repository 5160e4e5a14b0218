package app

import (
	"strings"

	"broadcastd/internal/config"
	"broadcastd/internal/eventbus"
	"broadcastd/pkg/logx"
)

// applyConfig pushes the live-reloadable sections of next into the running components.
func (a *App) applyConfig(last, next *config.Config) {
	ch := config.SummarizeConfigChange(last, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	if ch.Has("logging") || ch.Has("telegram") {
		a.logs.Apply(mapLogConfig(next))
	}
	if ch.Has("telegram") {
		a.summaries.Store(next.Telegram.Summaries)
	}
	if ch.Has("dispatch") {
		if dcfg, err := mapDispatchConfig(next); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.loop.Apply(dcfg)
		}
	}
	if ch.Has("sender") {
		if scfg, err := mapSimulatedConfig(next); err != nil {
			a.log.Warn("invalid sender config; keeping previous", logx.Err(err))
		} else {
			a.sim.Apply(scfg)
		}
		a.limited.SetRate(next.Sender.RatePerSec, next.Sender.Burst)
	}
	if ch.Has("retention") {
		if err := a.house.Apply(next); err != nil {
			a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
		}
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", ch.RestartRequired))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: ch.Sections})
	a.log.Info("config reloaded", fields...)
}
