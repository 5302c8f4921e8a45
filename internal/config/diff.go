package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LLMChanged bool
	NewLLM     LLMConfig

	SearchChanged bool
	NewSearch     SearchConfig

	ResearchChanged bool
	NewResearch     ResearchConfig

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	AllowFromChanged bool
	NewAllowFrom     []int64

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.LLMChanged ||
		d.SearchChanged ||
		d.ResearchChanged ||
		d.SchedulerChanged ||
		d.AllowFromChanged
}

// PipelineChanged reports whether research runs need a rebuilt pipeline.
func (d *ConfigDiff) PipelineChanged() bool {
	return d.LLMChanged || d.SearchChanged || d.ResearchChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.LLM != new.LLM {
		d.LLMChanged = true
		d.NewLLM = new.LLM
	}
	if old.Search != new.Search {
		d.SearchChanged = true
		d.NewSearch = new.Search
	}
	if old.Research != new.Research {
		d.ResearchChanged = true
		d.NewResearch = new.Research
	}
	if old.Scheduler != new.Scheduler {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}
	if !slices.Equal(old.Telegram.AllowFrom, new.Telegram.AllowFrom) {
		d.AllowFromChanged = true
		d.NewAllowFrom = slices.Clone(new.Telegram.AllowFrom)
	}

	// Non-reloadable warnings
	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if old.Web.Port != new.Web.Port || old.Web.Enabled != new.Web.Enabled {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.Web.Auth != new.Web.Auth {
		d.NonReloadable = append(d.NonReloadable, "web.auth")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}
