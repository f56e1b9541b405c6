// Package sync owns the checkout state machine: it decides between an
// incremental update and a fresh clone, drives every mutating hg operation,
// and stamps the resulting revision.
package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quarryci/hgsync/internal/cache"
	"github.com/quarryci/hgsync/internal/config"
	"github.com/quarryci/hgsync/internal/hg"
	"github.com/quarryci/hgsync/internal/log"
	"github.com/quarryci/hgsync/internal/revision"
	"github.com/quarryci/hgsync/internal/source"
	"github.com/quarryci/hgsync/internal/workspace"
)

// Tool is the hg surface the orchestrator drives. *hg.Client satisfies it.
type Tool interface {
	Tip(ctx context.Context, repo, branch string) (string, error)
	TipNumber(ctx context.Context, repo, branch string) (string, error)
	PathsDefault(ctx context.Context, repo string) (string, error)
	Pull(ctx context.Context, repo string, out io.Writer, rev, from string) error
	Update(ctx context.Context, repo string, out io.Writer, rev string) error
	Purge(ctx context.Context, repo string, out io.Writer) error
	Relink(ctx context.Context, repo string, out io.Writer, cacheLocation string) error
	Clone(ctx context.Context, out io.Writer, src, dst, rev string) error
	Share(ctx context.Context, out io.Writer, src, dst string) error
}

// Request describes one checkout.
type Request struct {
	Job          string
	BuildNumber  int
	Workspace    string
	Source       source.Source
	Installation config.Installation

	// Output receives the console output of human-facing hg invocations.
	// Nil discards it.
	Output io.Writer
}

// Orchestrator performs checkouts.
type Orchestrator struct {
	caches      *cache.Manager
	eval        *workspace.Evaluator
	pullTimeout time.Duration
	relinkEvery int
	logger      *slog.Logger
}

// NewOrchestrator creates an Orchestrator. relinkEvery is the build cadence
// for hardlink re-materialization; pullTimeout bounds the update path's pull.
func NewOrchestrator(caches *cache.Manager, eval *workspace.Evaluator, pullTimeout time.Duration, relinkEvery int) *Orchestrator {
	return &Orchestrator{
		caches:      caches,
		eval:        eval,
		pullTimeout: pullTimeout,
		relinkEvery: relinkEvery,
		logger:      log.WithComponent("sync"),
	}
}

// Checkout synchronizes the job's workspace to the head of its configured
// branch, via incremental update when the existing checkout is reusable and
// a fresh clone otherwise. The choice is made once per build. Returns the
// stamped revision tag, or nil when the fresh checkout has no resolvable
// revision yet (an empty repository).
func (o *Orchestrator) Checkout(ctx context.Context, tool Tool, req Request) (*revision.Tag, error) {
	out := req.Output
	if out == nil {
		out = io.Discard
	}
	logger := o.logger.With("job", req.Job, "build", req.BuildNumber)
	repoDir := req.Source.RepoDir(req.Workspace)

	canReuse, err := o.eval.CanReuse(ctx, tool, repoDir, req.Installation.UseSharing, req.Source)
	if err != nil {
		if hg.IsToolNotFound(err) {
			logger.Error("cannot determine whether workspace can be reused because hg could not be found; check that your Mercurial installation is configured correctly")
		} else {
			logger.Error("cannot determine whether workspace can be reused", "error", err)
		}
		return nil, fmt.Errorf("determine workspace reuse: %w", err)
	}

	revToBuild := req.Source.BranchOrDefault()
	if canReuse {
		logger.Info("updating workspace", "rev", revToBuild)
		err = o.update(ctx, tool, req, repoDir, revToBuild, out, logger)
	} else {
		logger.Info("cloning workspace", "rev", revToBuild)
		err = o.clone(ctx, tool, req, repoDir, revToBuild, out, logger)
	}
	if err != nil {
		return nil, err
	}

	return o.stamp(ctx, tool, repoDir, req.Source.Subdir)
}

// update is the incremental path: pull (bounded, preferably from the cache),
// forced update, cadence relink, optional clean.
func (o *Orchestrator) update(ctx context.Context, tool Tool, req Request, repoDir, revToBuild string, out io.Writer, logger *slog.Logger) error {
	entry, err := o.caches.Acquire(ctx, tool, req.Source, req.Installation, false)
	if err != nil {
		return err
	}
	from := ""
	if entry != nil {
		from = entry.Location
	}

	pctx, cancel := context.WithTimeout(ctx, o.pullTimeout)
	err = tool.Pull(pctx, repoDir, out, revToBuild, from)
	cancel()
	if err != nil {
		if hg.IsToolNotFound(err) {
			logger.Error("failed to pull because hg could not be found; check that your Mercurial installation is configured correctly")
		} else {
			logger.Error("failed to pull", "error", err)
		}
		return fmt.Errorf("pull: %w", err)
	}

	if err := tool.Update(ctx, repoDir, out, revToBuild); err != nil {
		logger.Error("failed to update", "error", err)
		return fmt.Errorf("update to %s: %w", revToBuild, err)
	}

	if o.relinkEvery > 0 && req.BuildNumber%o.relinkEvery == 0 && entry != nil && !entry.UseSharing {
		// Periodically recreate hardlinks to the cache to save disk space.
		if err := tool.Relink(ctx, repoDir, out, entry.Location); err != nil {
			logger.Warn("relink against cache failed; ignoring", "error", err)
		}
	}

	if req.Source.Clean {
		if err := tool.Purge(ctx, repoDir, out); err != nil {
			logger.Error("failed to clean unversioned files", "error", err)
			return fmt.Errorf("clean unversioned files: %w", err)
		}
	}
	return nil
}

// clone is the from-scratch path: delete, share or clone (preferably via the
// cache, without materializing files), repoint the upstream off the cache,
// relink, then an explicit update.
func (o *Orchestrator) clone(ctx context.Context, tool Tool, req Request, repoDir, revToBuild string, out io.Writer, logger *slog.Logger) error {
	if err := os.RemoveAll(repoDir); err != nil {
		logger.Error("failed to clean the repository checkout", "error", err)
		return fmt.Errorf("clean repository checkout: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(repoDir), 0o755); err != nil {
		return fmt.Errorf("create workspace directory: %w", err)
	}

	entry, err := o.caches.Acquire(ctx, tool, req.Source, req.Installation, false)
	if err != nil {
		return err
	}

	switch {
	case entry != nil && entry.UseSharing:
		err = tool.Share(ctx, out, entry.Location, repoDir)
	case entry != nil:
		err = tool.Clone(ctx, out, entry.Location, repoDir, revToBuild)
	default:
		err = tool.Clone(ctx, out, req.Source.URL, repoDir, revToBuild)
	}
	if err != nil {
		if hg.IsToolNotFound(err) {
			logger.Error("failed to clone because hg could not be found; check that your Mercurial installation is configured correctly", "source", req.Source.URL)
		} else {
			logger.Error("failed to clone", "source", req.Source.URL, "error", err)
		}
		return fmt.Errorf("clone %s: %w", req.Source.URL, err)
	}

	if entry != nil && entry.UseCaches && !entry.UseSharing {
		if err := o.repointUpstream(repoDir, entry.Location, req.Source.URL, logger); err != nil {
			return err
		}
		// Passing --rev disables hardlinks, so recreate them.
		if err := tool.Relink(ctx, repoDir, out, entry.Location); err != nil {
			logger.Warn("relink against cache failed; ignoring", "error", err)
		}
	}

	if err := tool.Update(ctx, repoDir, out, revToBuild); err != nil {
		logger.Error("failed to update", "rev", revToBuild, "error", err)
		return fmt.Errorf("update %s to rev %s: %w", req.Source.URL, revToBuild, err)
	}
	return nil
}

// repointUpstream rewrites the checkout's recorded upstream from the cache
// location to the true configured source. The cache location must actually
// appear in the metadata; anything else indicates an unexpected format and
// must not silently leave a dangling reference to the cache.
func (o *Orchestrator) repointUpstream(repoDir, cacheLocation, sourceURL string, logger *slog.Logger) error {
	hgrc := filepath.Join(repoDir, ".hg", "hgrc")
	data, err := os.ReadFile(hgrc)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", hgrc, err)
	}

	text := string(data)
	if !strings.Contains(text, cacheLocation) {
		logger.Error(".hg/hgrc did not contain the cache location as expected",
			"cache", cacheLocation, "hgrc", text)
		return fmt.Errorf(".hg/hgrc did not contain %s as expected", cacheLocation)
	}
	text = strings.ReplaceAll(text, cacheLocation, sourceURL)
	if err := os.WriteFile(hgrc, []byte(text), 0o644); err != nil {
		return fmt.Errorf("rewrite %s: %w", hgrc, err)
	}
	return nil
}

// stamp resolves the freshly checked-out revision's identity. Both id and
// number must resolve for a tag to exist.
func (o *Orchestrator) stamp(ctx context.Context, tool Tool, repoDir, subdir string) (*revision.Tag, error) {
	id, err := tool.Tip(ctx, repoDir, "")
	if err != nil {
		return nil, fmt.Errorf("resolve revision id: %w", err)
	}
	number, err := tool.TipNumber(ctx, repoDir, "")
	if err != nil {
		return nil, fmt.Errorf("resolve revision number: %w", err)
	}
	if id == "" || number == "" {
		return nil, nil
	}
	return &revision.Tag{ID: id, Number: number, Subdir: subdir}, nil
}
