package config

import (
	"reflect"
	"sort"
	"strings"

	"iacnotify/internal/storage"
	logx "iacnotify/pkg/logx"
)

// Sections that cannot be applied without a restart.
var restartSections = map[string]bool{"server": true, "storage": true}

// SummarizeChange returns the sorted list of changed top-level sections and
// safe structured attrs for logging. Secrets are reported only as *_set
// booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Bool("server.rate_limited", newCfg.Server.RatePerSec > 0),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.max_attempts", newCfg.Delivery.MaxAttempts),
			logx.String("delivery.dispatch_timeout", newCfg.Delivery.DispatchTimeout),
		)
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.Int("history.capacity", newCfg.History.Capacity),
			logx.String("history.max_age", newCfg.History.MaxAge),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if storage.Driver(oS.Driver) != storage.Driver(nS.Driver) || oS.Path != nS.Path || oS.DSN != nS.DSN ||
		oS.BusyTimeout != nS.BusyTimeout || oS.MaxConns != nS.MaxConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", storage.Driver(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if oldCfg.SMTP != newCfg.SMTP || oldCfg.Telegram != newCfg.Telegram || oldCfg.Webhook != newCfg.Webhook {
		changed = append(changed, "senders")
		attrs = append(attrs,
			logx.String("smtp.host", newCfg.SMTP.Host),
			logx.Bool("smtp.password_set", newCfg.SMTP.Password != ""),
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.Bool("webhook.secret_set", newCfg.Webhook.SigningSecret != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.EventTypes, newCfg.EventTypes) {
		changed = append(changed, "event_types")
		attrs = append(attrs, logx.Int("event_types.overrides", len(newCfg.EventTypes)))
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.Int("channels.count", len(newCfg.Channels)))
	}

	if !reflect.DeepEqual(oldCfg.Rules, newCfg.Rules) {
		changed = append(changed, "rules")
		attrs = append(attrs, logx.Int("rules.count", len(newCfg.Rules)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart reports which of the changed sections only take effect after
// a restart.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
