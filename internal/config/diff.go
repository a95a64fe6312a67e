package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only the log level and vocabulary are applied without a restart; changes to
// any other section are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VocabularyChanged bool
	NewVocabulary     []string

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VocabularyChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Refiner.Vocabulary, new.Refiner.Vocabulary) {
		d.VocabularyChanged = true
		d.NewVocabulary = slices.Clone(new.Refiner.Vocabulary)
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Ledger != new.Ledger {
		d.RestartRequired = append(d.RestartRequired, "ledger")
	}
	if !equalLLM(old.LLM, new.LLM) {
		d.RestartRequired = append(d.RestartRequired, "llm")
	}
	if !equalRefiner(old.Refiner, new.Refiner) {
		d.RestartRequired = append(d.RestartRequired, "refiner")
	}
	if old.Ingest != new.Ingest {
		d.RestartRequired = append(d.RestartRequired, "ingest")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

// equalRefiner compares everything but the hot-reloadable vocabulary.
func equalRefiner(a, b RefinerConfig) bool {
	return a.Interval == b.Interval &&
		a.ErrorBackoff == b.ErrorBackoff &&
		a.IdleTimeout == b.IdleTimeout &&
		a.RefineTimeout == b.RefineTimeout &&
		a.Workers == b.Workers &&
		a.ConfidenceThreshold == b.ConfidenceThreshold &&
		a.MaxAttempts == b.MaxAttempts &&
		a.MaxElapsed == b.MaxElapsed &&
		a.Temperature == b.Temperature &&
		a.MaxTokens == b.MaxTokens &&
		a.AuditOnStart == b.AuditOnStart
}

func equalLLM(a, b LLMConfig) bool {
	return a.Breaker == b.Breaker &&
		equalEntry(a.Primary, b.Primary) &&
		slices.EqualFunc(a.Fallbacks, b.Fallbacks, equalEntry)
}

func equalEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model &&
		reflect.DeepEqual(a.Options, b.Options)
}
