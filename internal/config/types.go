package config

import "time"

// Config represents the complete hgsync configuration.
type Config struct {
	Service       ServiceConfig           `yaml:"service"`
	State         StateConfig             `yaml:"state"`
	API           APIConfig               `yaml:"api,omitempty"`
	Webhook       *WebhookConfig          `yaml:"webhook,omitempty"`
	Installations map[string]Installation `yaml:"installations"`
	Jobs          map[string]JobConfig    `yaml:"jobs"`
}

// ServiceConfig defines core worker settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	Node         string        `yaml:"node"`
	LogLevel     string        `yaml:"log_level"`
	TickInterval time.Duration `yaml:"tick_interval"`

	// PullTimeout bounds the pull step of an incremental update.
	PullTimeout time.Duration `yaml:"pull_timeout"`

	// RelinkEvery is the build cadence for re-materializing hardlinks
	// between a workspace and its cache mirror.
	RelinkEvery int `yaml:"relink_every"`

	// CacheRoot is where shared repository mirrors live. Empty disables
	// caching globally.
	CacheRoot string `yaml:"cache_root"`

	// CacheLocalRepos enables mirrors for sources that are local
	// filesystem paths. Off by default: cloning a local path is already
	// cheap.
	CacheLocalRepos bool `yaml:"cache_local_repos"`

	WorkspaceRoot string `yaml:"workspace_root"`
	ChangelogDir  string `yaml:"changelog_dir"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// WebhookConfig defines the push-notification listener.
type WebhookConfig struct {
	Listen          string `yaml:"listen"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     int64  `yaml:"max_body_size"`
}

// Installation describes one tool installation selectable by name.
type Installation struct {
	// Executable is the hg binary to run. Defaults to "hg" on PATH.
	Executable string `yaml:"executable"`

	// Debug passes --debug to invocations whose output is only logged,
	// never to invocations whose output is parsed.
	Debug bool `yaml:"debug"`

	// UseCaches maintains a shared local mirror per source on this node.
	UseCaches bool `yaml:"use_caches"`

	// UseSharing checks workspaces out against the mirror's history store
	// instead of copying it. Implies UseCaches.
	UseSharing bool `yaml:"use_sharing"`
}

// JobConfig defines one tracked repository.
type JobConfig struct {
	Source       string          `yaml:"source"`
	Branch       string          `yaml:"branch,omitempty"`
	Modules      string          `yaml:"modules,omitempty"`
	Subdir       string          `yaml:"subdir,omitempty"`
	Clean        bool            `yaml:"clean,omitempty"`
	Installation string          `yaml:"installation,omitempty"`
	Disabled     bool            `yaml:"disabled,omitempty"`
	Schedule     *ScheduleConfig `yaml:"schedule,omitempty"`
}

// ScheduleConfig defines when a job is polled.
type ScheduleConfig struct {
	Every  time.Duration `yaml:"every"`
	Jitter time.Duration `yaml:"jitter,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:          "hgsync",
			Node:          "local",
			LogLevel:      "info",
			TickInterval:  60 * time.Second,
			PullTimeout:   time.Hour,
			RelinkEvery:   100,
			CacheRoot:     "./data/caches",
			WorkspaceRoot: "./data/workspaces",
			ChangelogDir:  "./data/changelogs",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Installations: make(map[string]Installation),
		Jobs:          make(map[string]JobConfig),
	}
}

// DefaultInstallation is used by jobs that do not name an installation.
func DefaultInstallation() Installation {
	return Installation{Executable: "hg"}
}
