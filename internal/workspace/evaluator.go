package workspace

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/quarryci/hgsync/internal/log"
	"github.com/quarryci/hgsync/internal/source"
)

// Tool is the subset of hg operations the evaluator needs.
type Tool interface {
	PathsDefault(ctx context.Context, repo string) (string, error)
}

// Evaluator decides whether an existing checkout can be reused for an
// incremental update.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{logger: log.WithComponent("workspace")}
}

// CanReuse reports whether the checkout at repoDir can be updated in place.
// It is false when the checkout carries no remote-tracking metadata, when its
// sharing mode differs from wantSharing, or when its recorded upstream does
// not match the configured source. A mismatched upstream is diagnosed, not
// fatal: the caller falls back to a fresh clone.
func (e *Evaluator) CanReuse(ctx context.Context, tool Tool, repoDir string, wantSharing bool, src source.Source) (bool, error) {
	if !fileExists(filepath.Join(repoDir, ".hg", "hgrc")) {
		return false, nil
	}

	usesSharing := fileExists(filepath.Join(repoDir, ".hg", "sharedpath"))
	if wantSharing != usesSharing {
		return false, nil
	}

	upstream, err := tool.PathsDefault(ctx, repoDir)
	if err != nil {
		return false, err
	}
	if upstream == "" {
		return false, nil
	}

	if source.PathEquals(src.URL, upstream) {
		return true, nil
	}
	e.logger.Warn("workspace tracks a different upstream; falling back to fresh clone",
		"recorded", upstream, "configured", src.URL)
	return false, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
