package config

// LoggingConfig configures internal/logging's per-category file output
// (logging.Category: boot, cache, engine, phase, script, fetch, stage,
// build, install, deploy, cli).
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level,omitempty"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format,omitempty"` // json, text

	// DebugMode is the master toggle: false means no category log files
	// are written at all, regardless of Categories.
	DebugMode bool `yaml:"debug_mode" json:"debug_mode,omitempty"`

	// Categories overrides the default "every category logs" behavior
	// per logging.Category name, when DebugMode is true.
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"`
}

// IsCategoryEnabled reports whether category should log: false whenever
// DebugMode is off, otherwise the category's override (defaulting to
// enabled when the category has no entry in Categories).
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode {
		return false
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}
