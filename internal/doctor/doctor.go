// Package doctor validates hgsync configuration and the environment it
// will run in: installations resolve to executables, job references hold
// together, and cache settings are actually usable on this filesystem.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/quarryci/hgsync/internal/config"
	"github.com/quarryci/hgsync/internal/source"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateInstallations(r)
	d.validateJobs(r)
	d.validateAPIConfig(r)
	d.validateWebhookConfig(r)
	d.checkCacheFilesystem(r)
	d.warnSuspiciousSchedule(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.Service.Node == "" {
		d.addError(r, "service", "service.node", "node is required")
	}
	if d.cfg.Service.TickInterval <= 0 {
		d.addError(r, "service", "service.tick_interval", "tick_interval must be positive")
	}
	if d.cfg.Service.WorkspaceRoot == "" {
		d.addError(r, "service", "service.workspace_root", "workspace_root is required")
	}
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Service.PullTimeout <= 0 {
		d.addError(r, "service", "service.pull_timeout", "pull_timeout must be positive")
	}
}

// validateInstallations checks each named installation resolves to a
// runnable executable and that its flags are coherent.
func (d *Doctor) validateInstallations(r *Result) {
	checkExecutable(r, d, "installations.default", config.DefaultInstallation().Executable)
	for name, inst := range d.cfg.Installations {
		field := fmt.Sprintf("installations.%s", name)
		exe := inst.Executable
		if exe == "" {
			exe = config.DefaultInstallation().Executable
		}
		checkExecutable(r, d, field, exe)
		if inst.UseSharing && !inst.UseCaches {
			d.addError(r, "installations", field+".use_sharing",
				"use_sharing requires use_caches")
		}
	}
}

func checkExecutable(r *Result, d *Doctor, field, exe string) {
	if strings.ContainsRune(exe, os.PathSeparator) {
		info, err := os.Stat(exe)
		if err != nil {
			d.addError(r, "installations", field,
				fmt.Sprintf("executable %q not found: %v", exe, err))
			return
		}
		if info.IsDir() || info.Mode()&0o111 == 0 {
			d.addError(r, "installations", field,
				fmt.Sprintf("%q is not an executable file", exe))
		}
		return
	}
	if _, err := exec.LookPath(exe); err != nil {
		d.addWarning(r, "installations", field,
			fmt.Sprintf("executable %q not found on PATH; check that your Mercurial installation is configured correctly", exe))
	}
}

func (d *Doctor) validateJobs(r *Result) {
	if len(d.cfg.Jobs) == 0 {
		d.addWarning(r, "jobs", "jobs", "no jobs configured")
	}
	for name, job := range d.cfg.Jobs {
		field := fmt.Sprintf("jobs.%s", name)
		if job.Source == "" {
			d.addError(r, "jobs", field+".source", "source is required")
		}
		if job.Installation != "" {
			if _, ok := d.cfg.Installations[job.Installation]; !ok {
				d.addError(r, "jobs", field+".installation",
					fmt.Sprintf("installation %q is not defined", job.Installation))
			}
		}
		if job.Schedule != nil && job.Schedule.Every <= 0 {
			d.addError(r, "jobs", field+".schedule.every", "schedule.every must be positive")
		}
		src := source.New(job.Source, job.Branch, job.Modules, job.Subdir, job.Clean, job.Installation)
		inst := d.cfg.InstallationFor(job)
		if src.IsLocal() && inst.UseCaches && !d.cfg.Service.CacheLocalRepos {
			d.addWarning(r, "jobs", field,
				"source is a local path; caching is skipped unless cache_local_repos is set")
		}
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when the API is enabled")
	}
	if d.cfg.API.APIKey == "" {
		d.addWarning(r, "api", "api.api_key", "API enabled without an api_key; endpoints are unauthenticated")
	}
}

func (d *Doctor) validateWebhookConfig(r *Result) {
	if d.cfg.Webhook == nil {
		return
	}
	if d.cfg.Webhook.Listen == "" {
		d.addError(r, "webhook", "webhook.listen", "webhook.listen is required")
	}
	if d.cfg.Webhook.Secret == "" {
		d.addError(r, "webhook", "webhook.secret", "webhook.secret is required")
	}
}

// checkCacheFilesystem warns when caching is configured but hardlinking
// between the cache root and the workspace root cannot work, which makes
// relink a no-op and clones full copies.
func (d *Doctor) checkCacheFilesystem(r *Result) {
	if d.cfg.Service.CacheRoot == "" {
		return
	}
	anyCaching := false
	for _, inst := range d.cfg.Installations {
		if inst.UseCaches {
			anyCaching = true
			break
		}
	}
	if !anyCaching {
		return
	}

	cacheDev, err := deviceOf(d.cfg.Service.CacheRoot)
	if err != nil {
		d.addWarning(r, "caches", "service.cache_root",
			fmt.Sprintf("cannot inspect cache_root: %v", err))
		return
	}
	wsDev, err := deviceOf(d.cfg.Service.WorkspaceRoot)
	if err != nil {
		d.addWarning(r, "caches", "service.workspace_root",
			fmt.Sprintf("cannot inspect workspace_root: %v", err))
		return
	}
	if cacheDev != wsDev {
		d.addWarning(r, "caches", "service.cache_root",
			"cache_root and workspace_root are on different filesystems; hardlinking is unavailable and caches save no disk space")
	}
}

// deviceOf returns the filesystem device of the nearest existing ancestor
// of path. The directories themselves may not exist yet on a fresh node.
func deviceOf(path string) (uint64, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	for {
		var st syscall.Stat_t
		if err := syscall.Stat(abs, &st); err == nil {
			return uint64(st.Dev), nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return 0, fmt.Errorf("no existing ancestor for %s", path)
		}
		abs = parent
	}
}

func (d *Doctor) warnSuspiciousSchedule(r *Result) {
	for name, job := range d.cfg.Jobs {
		if job.Schedule == nil {
			continue
		}
		if job.Schedule.Every > 0 && job.Schedule.Every < 10*time.Second {
			d.addWarning(r, "schedule", fmt.Sprintf("jobs.%s.schedule.every", name),
				fmt.Sprintf("polling every %s hammers the remote; consider a webhook notification instead", job.Schedule.Every))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}
	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
