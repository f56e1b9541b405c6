// Package worker wires the sync engine together: it executes poll and
// checkout requests for configured jobs, records build state, and publishes
// lifecycle events.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/quarryci/hgsync/internal/cache"
	"github.com/quarryci/hgsync/internal/changelog"
	"github.com/quarryci/hgsync/internal/config"
	"github.com/quarryci/hgsync/internal/events"
	"github.com/quarryci/hgsync/internal/hg"
	"github.com/quarryci/hgsync/internal/log"
	"github.com/quarryci/hgsync/internal/poll"
	"github.com/quarryci/hgsync/internal/revision"
	"github.com/quarryci/hgsync/internal/source"
	"github.com/quarryci/hgsync/internal/store"
	syncpkg "github.com/quarryci/hgsync/internal/sync"
	"github.com/quarryci/hgsync/internal/workspace"
)

// ErrUnknownJob means the job is not configured.
var ErrUnknownJob = errors.New("unknown job")

// Worker executes polls and checkouts for the jobs of one node.
type Worker struct {
	cfg        *config.Config
	caches     *cache.Manager
	orch       *syncpkg.Orchestrator
	comparator *poll.Comparator
	emitter    *changelog.Emitter
	builds     *store.Store
	workspaces *workspace.Manager
	hub        *events.Hub
	logger     *slog.Logger
}

// New creates a Worker from loaded configuration.
func New(cfg *config.Config, builds *store.Store, hub *events.Hub) (*Worker, error) {
	workspaces, err := workspace.NewManager(cfg.Service.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	caches := cache.NewManager(cfg.Service.CacheRoot, cfg.Service.Node, cfg.Service.CacheLocalRepos)
	eval := workspace.NewEvaluator()
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Worker{
		cfg:        cfg,
		caches:     caches,
		orch:       syncpkg.NewOrchestrator(caches, eval, cfg.Service.PullTimeout, cfg.Service.RelinkEvery),
		comparator: poll.NewComparator(),
		emitter:    changelog.NewEmitter(),
		builds:     builds,
		workspaces: workspaces,
		hub:        hub,
		logger:     log.WithComponent("worker"),
	}, nil
}

// Jobs returns the configured job names.
func (w *Worker) Jobs() []string {
	names := make([]string, 0, len(w.cfg.Jobs))
	for name := range w.cfg.Jobs {
		names = append(names, name)
	}
	return names
}

func (w *Worker) jobContext(name string) (config.JobConfig, source.Source, config.Installation, *hg.Client, error) {
	job, ok := w.cfg.Jobs[name]
	if !ok {
		return config.JobConfig{}, source.Source{}, config.Installation{}, nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	src := source.New(job.Source, job.Branch, job.Modules, job.Subdir, job.Clean, job.Installation)
	inst := w.cfg.InstallationFor(job)
	return job, src, inst, hg.NewClient(inst.Executable, inst.Debug), nil
}

// requiresWorkspace reports whether polling needs the job's workspace. With
// a cached or shared installation the mirror is polled instead.
func requiresWorkspace(inst config.Installation) bool {
	return !inst.UseCaches && !inst.UseSharing
}

// Poll compares the job's remote branch head against the baseline from the
// last successful build. With no baseline the change is Significant by
// definition: the job has never built.
func (w *Worker) Poll(ctx context.Context, name string) (poll.Result, error) {
	_, src, inst, tool, err := w.jobContext(name)
	if err != nil {
		return poll.Result{}, err
	}
	logger := w.logger.With("job", name)

	baseline, err := w.builds.Baseline(ctx, name, src.Subdir)
	if err != nil {
		return poll.Result{}, err
	}

	var repoDir string
	if requiresWorkspace(inst) {
		wsDir, err := w.workspaces.Dir(name)
		if err != nil {
			return poll.Result{}, err
		}
		repoDir = src.RepoDir(wsDir)
		if _, err := os.Stat(filepath.Join(repoDir, ".hg")); err != nil {
			// No usable workspace yet: nothing to compare against,
			// a build is needed regardless.
			logger.Info("no workspace for polling; build required")
			return poll.Result{Baseline: baseline, Change: poll.Significant}, nil
		}
		pctx, cancel := context.WithTimeout(ctx, w.cfg.Service.PullTimeout)
		err = tool.Pull(pctx, repoDir, io.Discard, src.BranchOrDefault(), "")
		cancel()
		if err != nil {
			if hg.IsToolNotFound(err) {
				logger.Error("failed to compare with remote repository because hg could not be found; check that your Mercurial installation is configured correctly")
			}
			return poll.Result{}, fmt.Errorf("compare with remote repository: %w", err)
		}
	} else {
		entry, err := w.caches.Acquire(ctx, tool, src, inst, true)
		if err != nil {
			return poll.Result{}, err
		}
		if entry == nil {
			return poll.Result{}, fmt.Errorf("%w: cannot poll %s without a workspace", cache.ErrCacheUnavailable, src.URL)
		}
		repoDir = entry.Location
	}

	if baseline == nil {
		tag, err := w.resolveHead(ctx, tool, repoDir, src)
		if err != nil {
			return poll.Result{}, err
		}
		logger.Info("no previous build; change is significant by definition")
		result := poll.Result{Current: tag, Change: poll.Significant}
		w.hub.Publish("poll.completed", map[string]any{"job": name, "change": result.Change.String()})
		return result, nil
	}

	result, err := w.comparator.Compare(ctx, tool, *baseline, repoDir, src)
	if err != nil {
		return poll.Result{}, err
	}
	logger.Info("poll completed", "change", result.Change.String(), "current", result.Current.ID)
	w.hub.Publish("poll.completed", map[string]any{"job": name, "change": result.Change.String()})
	return result, nil
}

func (w *Worker) resolveHead(ctx context.Context, tool *hg.Client, repoDir string, src source.Source) (revision.Tag, error) {
	branch := src.BranchOrDefault()
	id, err := tool.Tip(ctx, repoDir, branch)
	if err != nil {
		return revision.Tag{}, err
	}
	number, err := tool.TipNumber(ctx, repoDir, branch)
	if err != nil {
		return revision.Tag{}, err
	}
	if id == "" || number == "" {
		return revision.Tag{}, fmt.Errorf("%w: branch %q", poll.ErrUnresolvableRevision, branch)
	}
	return revision.Tag{ID: id, Number: number, Subdir: src.Subdir}, nil
}

// Checkout runs one build checkout: synchronize the workspace, stamp the
// revision, emit the incremental changelog and record the build.
func (w *Worker) Checkout(ctx context.Context, name string, out io.Writer) (store.Build, error) {
	_, src, inst, tool, err := w.jobContext(name)
	if err != nil {
		return store.Build{}, err
	}

	number, err := w.builds.NextBuildNumber(ctx, name)
	if err != nil {
		return store.Build{}, err
	}
	logger := log.WithBuild(name, number)
	started := time.Now().UTC()

	wsDir, err := w.workspaces.Dir(name)
	if err != nil {
		return store.Build{}, err
	}

	build := store.Build{
		Job:       name,
		Number:    number,
		StartedAt: started,
	}

	tag, err := w.orch.Checkout(ctx, tool, syncpkg.Request{
		Job:          name,
		BuildNumber:  number,
		Workspace:    wsDir,
		Source:       src,
		Installation: inst,
		Output:       out,
	})
	if err != nil {
		return w.finishBuild(ctx, build, store.StatusFailed, err)
	}
	if tag != nil {
		build.Tags = []revision.Tag{*tag}
	}

	if err := w.emitChangelog(ctx, tool, name, number, src, tag); err != nil {
		logger.Error("failed to capture change log", "error", err)
		return w.finishBuild(ctx, build, store.StatusFailed, fmt.Errorf("capture change log: %w", err))
	}

	logger.Info("checkout completed", "revision", tagID(tag))
	w.hub.Publish("checkout.completed", map[string]any{"job": name, "build": number, "revision": tagID(tag)})
	return w.finishBuild(ctx, build, store.StatusSucceeded, nil)
}

func (w *Worker) emitChangelog(ctx context.Context, tool *hg.Client, name string, number int, src source.Source, tag *revision.Tag) error {
	if w.cfg.Service.ChangelogDir == "" {
		return nil
	}
	wsDir, err := w.workspaces.Dir(name)
	if err != nil {
		return err
	}
	repoDir := src.RepoDir(wsDir)

	// The previous build's tag is the changelog boundary, whether or not
	// that build succeeded.
	var prev *revision.Tag
	if number > 1 {
		prev, err = w.builds.Tag(ctx, name, number-1, src.Subdir)
		if err != nil {
			return err
		}
	}

	current := src.BranchOrDefault()
	if tag != nil {
		current = tag.ID
	}

	path := filepath.Join(w.cfg.Service.ChangelogDir, name, strconv.Itoa(number)+".xml")
	return w.emitter.EmitFile(ctx, tool, path, prev, current, repoDir)
}

func (w *Worker) finishBuild(ctx context.Context, build store.Build, status string, cause error) (store.Build, error) {
	completed := time.Now().UTC()
	build.Status = status
	build.CompletedAt = &completed
	if cause != nil {
		build.LastError = cause.Error()
	}
	if err := w.builds.RecordBuild(ctx, build); err != nil {
		w.logger.Error("failed to record build", "job", build.Job, "build", build.Number, "error", err)
		if cause == nil {
			return build, err
		}
	}
	return build, cause
}

func tagID(tag *revision.Tag) string {
	if tag == nil {
		return ""
	}
	return tag.ID
}
