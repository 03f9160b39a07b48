package config

import (
	"reflect"
	"sort"
	"strings"

	logx "voicefeedback/pkg/logx"
)

// Sections that only take effect after a restart. The rest are applied live.
var restartSections = map[string]bool{
	"sink":    true,
	"storage": true,
	"journal": true,
}

// RequiresRestart reports whether a changed section is ignored until the next start.
func RequiresRestart(section string) bool { return restartSections[section] }

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Tokens are never included, only whether one is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		d := newCfg.Dispatch
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.min_interval", strings.TrimSpace(d.MinInterval)),
			logx.String("dispatch.repeat_interval", strings.TrimSpace(d.RepeatInterval)),
			logx.Int("dispatch.saturation_threshold", d.SaturationThreshold),
			logx.String("dispatch.reacquire_interval", strings.TrimSpace(d.ReacquireInterval)),
		)
	}

	// Sink (never log token)
	oS, nS := oldCfg.Sink, newCfg.Sink
	oTokenSet := strings.TrimSpace(oS.Telegram.Token) != ""
	nTokenSet := strings.TrimSpace(nS.Telegram.Token) != ""
	oS.Telegram.Token, nS.Telegram.Token = "", ""
	if oTokenSet != nTokenSet || !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "sink")
		attrs = append(attrs,
			logx.String("sink.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("sink.telegram_token_set", nTokenSet),
		)
	}

	if oldCfg.Journal != newCfg.Journal {
		changed = append(changed, "journal")
		attrs = append(attrs, logx.Int("journal.size", newCfg.Journal.Size))
	}

	// Storage: nil means disabled.
	var oStore, nStore StorageConfig
	if oldCfg.Storage != nil {
		oStore = trimStorage(*oldCfg.Storage)
	}
	if newCfg.Storage != nil {
		nStore = trimStorage(*newCfg.Storage)
	}
	if (oldCfg.Storage == nil) != (newCfg.Storage == nil) || oStore != nStore {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.enabled", newCfg.Storage != nil),
			logx.String("storage.driver", nStore.Driver),
			logx.String("storage.path", nStore.Path),
			logx.String("storage.busy_timeout", nStore.BusyTimeout),
		)
	}

	if strings.TrimSpace(oldCfg.Report.Schedule) != strings.TrimSpace(newCfg.Report.Schedule) {
		changed = append(changed, "report")
		attrs = append(attrs, logx.String("report.schedule", strings.TrimSpace(newCfg.Report.Schedule)))
	}

	// Status (never log token)
	oSt, nSt := oldCfg.Status, newCfg.Status
	oStTok, nStTok := strings.TrimSpace(oSt.Token) != "", strings.TrimSpace(nSt.Token) != ""
	oSt.Token, nSt.Token = "", ""
	if oStTok != nStTok || oSt != nSt {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", nSt.Enabled),
			logx.String("status.addr", strings.TrimSpace(nSt.Addr)),
			logx.Bool("status.pprof", nSt.Pprof),
			logx.Bool("status.token_set", nStTok),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func trimStorage(s StorageConfig) StorageConfig {
	return StorageConfig{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: strings.TrimSpace(s.BusyTimeout),
	}
}
