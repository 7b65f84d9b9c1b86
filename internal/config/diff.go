package config

import (
	"reflect"
	"strings"

	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.AdminUserIDs, newCfg.Telegram.AdminUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.WebAppURL) != strings.TrimSpace(newCfg.Telegram.WebAppURL) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.admin_count", len(newCfg.Telegram.AdminUserIDs)),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Store (driver/path changes require a restart; surface them loudly)
	if oldCfg.Store.Driver != newCfg.Store.Driver ||
		strings.TrimSpace(oldCfg.Store.Path) != strings.TrimSpace(newCfg.Store.Path) ||
		strings.TrimSpace(oldCfg.Store.BusyTimeout) != strings.TrimSpace(newCfg.Store.BusyTimeout) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", newCfg.Store.Driver),
			logx.String("store.path", strings.TrimSpace(newCfg.Store.Path)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Fanout, newCfg.Fanout) {
		changed = append(changed, "fanout")
	}
	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
	}
	if !reflect.DeepEqual(oldCfg.Raffle, newCfg.Raffle) {
		changed = append(changed, "raffle")
		if newCfg.Raffle != nil {
			attrs = append(attrs,
				logx.Bool("raffle.enabled", newCfg.Raffle.Enabled),
				logx.String("raffle.schedule", newCfg.Raffle.Schedule),
			)
		}
	}

	return changed, attrs
}
