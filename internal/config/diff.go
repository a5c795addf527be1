package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// storage changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RoundsChanged is true if game.rounds differs. New values apply to
	// sessions created afterwards.
	RoundsChanged bool

	// VoicesChanged is true if game.voices differs.
	VoicesChanged bool

	// GenerationChanged covers llm_selection, temperature and max_tokens.
	GenerationChanged bool

	// RestartRequired is true if a field outside the hot-reloadable set
	// changed.
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.RoundsChanged = !maps.Equal(old.Game.Rounds, new.Game.Rounds)
	d.VoicesChanged = !maps.Equal(old.Game.Voices, new.Game.Voices)
	d.GenerationChanged = old.Game.SelectionEnabled() != new.Game.SelectionEnabled() ||
		old.Game.Temperature != new.Game.Temperature ||
		old.Game.MaxTokens != new.Game.MaxTokens

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!sameEntry(old.Providers.TTS, new.Providers.TTS) ||
		!sameEntry(old.Providers.LLM, new.Providers.LLM) ||
		len(old.Providers.LLMFallbacks) != len(new.Providers.LLMFallbacks) ||
		old.Storage.Blob != new.Storage.Blob ||
		old.Storage.PostgresDSN != new.Storage.PostgresDSN ||
		old.Storage.Redis != new.Storage.Redis ||
		old.Game.ScriptsDir != new.Game.ScriptsDir {
		d.RestartRequired = true
	}
	return d
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RoundsChanged || d.VoicesChanged || d.GenerationChanged
}

// AffectsSessions reports whether new sessions would be built differently.
func (d ConfigDiff) AffectsSessions() bool {
	return d.RoundsChanged || d.VoicesChanged || d.GenerationChanged
}

func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
