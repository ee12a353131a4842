// Package config loads and caches the process-wide JSON/JSON5 configuration
// object: model aliases, provider credentials, filesystem policy, and
// subsystem tunables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// AccessMode is the default filesystem access posture.
type AccessMode string

const (
	AccessAllow AccessMode = "allow"
	AccessDeny  AccessMode = "deny"
)

// ModelConfig describes one addressable LLM model.
type ModelConfig struct {
	Provider        string `json:"provider" yaml:"provider"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	MaxContextTok   int    `json:"max_context_tokens" yaml:"max_context_tokens"`
	MaxOutputTok    int    `json:"max_output_tokens" yaml:"max_output_tokens"`
	Alias           string `json:"alias,omitempty" yaml:"alias,omitempty"`
}

// ProviderCredentials holds a provider's API key/base URL.
type ProviderCredentials struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// FilesystemPolicy is the default-deny allow/deny pattern list tools are
// gated by.
type FilesystemPolicy struct {
	DefaultAccess AccessMode `json:"default_access" yaml:"default_access"`
	AllowRead     []string   `json:"allow_read" yaml:"allow_read"`
	AllowWrite    []string   `json:"allow_write" yaml:"allow_write"`
	Deny          []string   `json:"deny" yaml:"deny"`
}

// SchedulerTunables configures the scheduler's timing knobs.
type SchedulerTunables struct {
	HeartbeatPollIntervalSec  int `json:"heartbeat_poll_interval_sec" yaml:"heartbeat_poll_interval_sec"`
	TaskSlotConcurrency       int `json:"task_slot_concurrency" yaml:"task_slot_concurrency"`
	WaitingForUserTimeoutSec  int `json:"waiting_for_user_timeout_sec" yaml:"waiting_for_user_timeout_sec"`
	CatchUpWindowMinutes      int `json:"catch_up_window_minutes" yaml:"catch_up_window_minutes"`
	RunHistoryMaxAgeDays      int `json:"run_history_max_age_days" yaml:"run_history_max_age_days"`
	RunHistoryMaxRows         int `json:"run_history_max_rows" yaml:"run_history_max_rows"`
}

// WorkerTunables configures the worker pool.
type WorkerTunables struct {
	MaxConcurrentWorkers int `json:"max_concurrent_workers" yaml:"max_concurrent_workers"`
}

// MemoryTunables configures the daily memory pipeline.
type MemoryTunables struct {
	Timezone                string `json:"timezone" yaml:"timezone"`
	SummaryPollIntervalSec  int    `json:"summary_poll_interval_sec" yaml:"summary_poll_interval_sec"`
	MaxJobsPerTick          int    `json:"max_jobs_per_tick" yaml:"max_jobs_per_tick"`
	MessagesBeforeSummary   int    `json:"messages_before_summary" yaml:"messages_before_summary"`
	SweepIntervalSec        int    `json:"sweep_interval_sec" yaml:"sweep_interval_sec"`
	CompletionDebounceSec   int    `json:"completion_debounce_sec" yaml:"completion_debounce_sec"`
}

// ToolTunables configures kernel tools.
type ToolTunables struct {
	// SearchEndpoint is the SearXNG instance the web_search tool queries;
	// empty leaves the tool registered but unconfigured.
	SearchEndpoint string `json:"search_endpoint" yaml:"search_endpoint"`
}

// DBTunables configures the serialized DB queue.
type DBTunables struct {
	Path             string `json:"path" yaml:"path"`
	BusyTimeoutMs    int    `json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
	QueueTimeoutSec  int    `json:"queue_timeout_sec" yaml:"queue_timeout_sec"`
	MaxRows          int    `json:"max_rows" yaml:"max_rows"`
}

// Config is the fully decoded process-wide configuration object.
type Config struct {
	Models          map[string]ModelConfig         `json:"models" yaml:"models"`
	ModelAliases    map[string]string              `json:"model_aliases" yaml:"model_aliases"`
	Providers       map[string]ProviderCredentials `json:"providers" yaml:"providers"`
	Filesystem      FilesystemPolicy               `json:"filesystem" yaml:"filesystem"`
	Scheduler       SchedulerTunables               `json:"scheduler" yaml:"scheduler"`
	Worker          WorkerTunables                  `json:"worker" yaml:"worker"`
	Memory          MemoryTunables                  `json:"memory" yaml:"memory"`
	DB              DBTunables                      `json:"db" yaml:"db"`
	Tools           ToolTunables                    `json:"tools" yaml:"tools"`
	SessionLogging  bool                            `json:"session_logging" yaml:"session_logging"`
}

// ResolveModel resolves an alias or raw model id to its ModelConfig. Every
// referenced alias must resolve to exactly one model id (data model invariant).
func (c *Config) ResolveModel(ref string) (string, ModelConfig, error) {
	if c == nil {
		return "", ModelConfig{}, fmt.Errorf("config is nil")
	}
	id := ref
	if aliased, ok := c.ModelAliases[ref]; ok {
		id = aliased
	}
	model, ok := c.Models[id]
	if !ok {
		return "", ModelConfig{}, fmt.Errorf("model alias %q resolves to unknown model %q", ref, id)
	}
	return id, model, nil
}

// Default returns a Config with sane defaults for every tunable, used when a
// field is absent from the decoded file.
func Default() *Config {
	return &Config{
		Models:       map[string]ModelConfig{},
		ModelAliases: map[string]string{},
		Providers:    map[string]ProviderCredentials{},
		Filesystem: FilesystemPolicy{
			DefaultAccess: AccessDeny,
			AllowRead:     []string{"**"},
			AllowWrite:    []string{"memory/**", "outputs/**"},
			Deny:          []string{"config/config.json", ".git/**", ".venv/**", "venv/**"},
		},
		Scheduler: SchedulerTunables{
			HeartbeatPollIntervalSec: 30,
			TaskSlotConcurrency:      3,
			WaitingForUserTimeoutSec: 24 * 3600,
			CatchUpWindowMinutes:     180,
			RunHistoryMaxAgeDays:     30,
			RunHistoryMaxRows:        5000,
		},
		Worker: WorkerTunables{MaxConcurrentWorkers: 3},
		Memory: MemoryTunables{
			Timezone:               "UTC",
			SummaryPollIntervalSec: 15,
			MaxJobsPerTick:         1,
			MessagesBeforeSummary:  20,
			SweepIntervalSec:       12 * 3600,
			CompletionDebounceSec:  5 * 60,
		},
		DB: DBTunables{
			Path:            "memory/central/zubot_core.db",
			BusyTimeoutMs:   5000,
			QueueTimeoutSec: 5,
			MaxRows:         10000,
		},
	}
}

// Store caches the decoded Config of the one path it is bound to, invalidating
// on file-mtime change or an explicit Clear call.
type Store struct {
	mu      sync.RWMutex
	path    string
	cfg     *Config
	modTime time.Time
	watcher *fsnotify.Watcher
}

// NewStore creates an unloaded Store bound to path. Call Load to populate it.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads, merges ($include), decodes, and caches the config at s.path,
// skipping the reparse if the file's mtime has not changed since last load.
func (s *Store) Load() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("stat config %s: %w", s.path, err)
	}
	if s.cfg != nil && info.ModTime().Equal(s.modTime) {
		return s.cfg, nil
	}

	raw, err := LoadRaw(s.path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", s.path, err)
	}
	cfg, err := decodeRawConfig(raw, Default())
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", s.path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", s.path, err)
	}

	s.cfg = cfg
	s.modTime = info.ModTime()
	return s.cfg, nil
}

// Clear forces the next Load to reparse regardless of mtime.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = nil
	s.modTime = time.Time{}
}

// WatchForChanges starts an fsnotify watch on s.path's directory and calls
// s.Clear whenever the file is written, so the next Load picks up the change
// without requiring a process restart. The returned stop func closes the
// watcher; callers should defer it.
func (s *Store) WatchForChanges() (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch config dir %s: %w", dir, err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name == s.path && (event.Op&(fsnotify.Write|fsnotify.Create) != 0) {
					s.Clear()
				}
			case <-watcher.Errors:
				// best-effort: config reload failures surface on next Load via stat error.
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}

func validate(cfg *Config) error {
	for alias, target := range cfg.ModelAliases {
		if _, ok := cfg.Models[target]; !ok {
			return fmt.Errorf("alias %q refers to unknown model %q", alias, target)
		}
	}
	if cfg.Filesystem.DefaultAccess != AccessAllow && cfg.Filesystem.DefaultAccess != AccessDeny {
		return fmt.Errorf("filesystem.default_access must be %q or %q", AccessAllow, AccessDeny)
	}
	return nil
}
