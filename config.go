package batch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process-wide scheduler defaults. Per-job values
// (concurrency, retries, pause-on-error) can be overridden at submission.
type Config struct {
	// MaxConcurrentJobs is the global bound on jobs mid-execution.
	MaxConcurrentJobs int

	// MaxConcurrentItems is the default per-job bound on concurrent
	// executor calls; it is also the batch size.
	MaxConcurrentItems int

	// RetryAttempts is the default number of retries after the initial
	// attempt.
	RetryAttempts int

	// RetryDelay is the default base delay for retry backoff.
	RetryDelay time.Duration

	// PauseOnError makes jobs pause on the first permanent item failure.
	PauseOnError bool

	// ItemTimeout is the per-item execution deadline. Zero disables it.
	ItemTimeout time.Duration

	// AutoCleanupAfter is how long terminal jobs are retained before the
	// janitor removes them.
	AutoCleanupAfter time.Duration

	// CleanupInterval is how often the janitor scans for expired jobs.
	CleanupInterval time.Duration

	// PersistInterval is how often non-terminal jobs are snapshotted to
	// the store while running.
	PersistInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs:  3,
		MaxConcurrentItems: 5,
		RetryAttempts:      3,
		RetryDelay:         1 * time.Second,
		ItemTimeout:        5 * time.Minute,
		AutoCleanupAfter:   24 * time.Hour,
		CleanupInterval:    1 * time.Minute,
		PersistInterval:    15 * time.Second,
	}
}

// configFile is the YAML shape of Config; durations are strings in Go
// duration syntax ("500ms", "1m").
type configFile struct {
	MaxConcurrentJobs  int    `yaml:"max_concurrent_jobs"`
	MaxConcurrentItems int    `yaml:"max_concurrent_items"`
	RetryAttempts      *int   `yaml:"retry_attempts"`
	RetryDelay         string `yaml:"retry_delay"`
	PauseOnError       bool   `yaml:"pause_on_error"`
	ItemTimeout        string `yaml:"item_timeout"`
	AutoCleanupAfter   string `yaml:"auto_cleanup_after"`
	CleanupInterval    string `yaml:"cleanup_interval"`
	PersistInterval    string `yaml:"persist_interval"`
}

// LoadConfig reads a YAML config file and merges it over DefaultConfig.
// Absent keys keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("batch: read config %q: %w", path, err)
	}

	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("batch: parse config %q: %w", path, err)
	}

	if file.MaxConcurrentJobs > 0 {
		cfg.MaxConcurrentJobs = file.MaxConcurrentJobs
	}
	if file.MaxConcurrentItems > 0 {
		cfg.MaxConcurrentItems = file.MaxConcurrentItems
	}
	if file.RetryAttempts != nil && *file.RetryAttempts >= 0 {
		cfg.RetryAttempts = *file.RetryAttempts
	}
	cfg.PauseOnError = file.PauseOnError

	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{file.RetryDelay, &cfg.RetryDelay},
		{file.ItemTimeout, &cfg.ItemTimeout},
		{file.AutoCleanupAfter, &cfg.AutoCleanupAfter},
		{file.CleanupInterval, &cfg.CleanupInterval},
		{file.PersistInterval, &cfg.PersistInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("batch: parse config %q: %w", path, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}
