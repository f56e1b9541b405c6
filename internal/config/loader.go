package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a single YAML file, applies
// defaults and validates the result.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: check the path or run with --config", configPath)
	}

	return Parse(data)
}

// Parse parses raw YAML configuration. ${VAR} references are expanded from
// the process environment before decoding.
func Parse(data []byte) (*Config, error) {
	expanded := envVarPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envVarPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Installations == nil {
		cfg.Installations = make(map[string]Installation)
	}
	if cfg.Jobs == nil {
		cfg.Jobs = make(map[string]JobConfig)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Service.Node == "" {
		return fmt.Errorf("service.node is empty")
	}
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}
	if cfg.Service.PullTimeout <= 0 {
		return fmt.Errorf("service.pull_timeout must be positive")
	}
	if cfg.Service.RelinkEvery <= 0 {
		return fmt.Errorf("service.relink_every must be positive")
	}
	if cfg.Service.WorkspaceRoot == "" {
		return fmt.Errorf("service.workspace_root is empty")
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is empty")
	}

	for name, inst := range cfg.Installations {
		if inst.UseSharing && !inst.UseCaches {
			return fmt.Errorf("installation %q: use_sharing requires use_caches", name)
		}
	}

	for name, job := range cfg.Jobs {
		if job.Source == "" {
			return fmt.Errorf("job %q: source is empty", name)
		}
		if job.Installation != "" {
			if _, ok := cfg.Installations[job.Installation]; !ok {
				return fmt.Errorf("job %q: unknown installation %q", name, job.Installation)
			}
		}
		if job.Schedule != nil && job.Schedule.Every <= 0 {
			return fmt.Errorf("job %q: schedule.every must be positive", name)
		}
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is empty")
	}
	if cfg.Webhook != nil {
		if cfg.Webhook.Listen == "" {
			return fmt.Errorf("webhook.listen is empty")
		}
		if cfg.Webhook.Secret == "" {
			return fmt.Errorf("webhook.secret is empty")
		}
	}
	return nil
}

// InstallationFor resolves a job's installation by name, falling back to the
// default executable when the job does not name one.
func (c *Config) InstallationFor(job JobConfig) Installation {
	if job.Installation == "" {
		return DefaultInstallation()
	}
	inst, ok := c.Installations[job.Installation]
	if !ok {
		return DefaultInstallation()
	}
	if inst.Executable == "" {
		inst.Executable = "hg"
	}
	return inst
}
