// Package poll decides whether remote changes are relevant enough to
// trigger a build: it diffs two revisions and classifies the result against
// the job's dependency-module filter.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/quarryci/hgsync/internal/log"
	"github.com/quarryci/hgsync/internal/revision"
	"github.com/quarryci/hgsync/internal/source"
)

// Change classifies the degree of change between two revisions.
type Change int

const (
	// None: the changed-file set is empty.
	None Change = iota
	// Insignificant: files changed, but none inside a dependency module.
	Insignificant
	// Significant: at least one changed file affects a dependency module.
	Significant
)

func (c Change) String() string {
	switch c {
	case None:
		return "none"
	case Insignificant:
		return "insignificant"
	case Significant:
		return "significant"
	default:
		return fmt.Sprintf("Change(%d)", int(c))
	}
}

// ErrUnresolvableRevision means the branch head could not be resolved, so
// polling cannot proceed.
var ErrUnresolvableRevision = errors.New("failed to resolve branch head")

// Result is the polling contract returned to the caller.
type Result struct {
	Baseline *revision.Tag `json:"baseline,omitempty"`
	Current  revision.Tag  `json:"current"`
	Change   Change        `json:"change"`
}

//go:generate mockgen -destination=mocks/mock_tool.go -package=mocks github.com/quarryci/hgsync/internal/poll Tool

// Tool is the subset of hg operations comparison needs.
type Tool interface {
	Tip(ctx context.Context, repo, branch string) (string, error)
	TipNumber(ctx context.Context, repo, branch string) (string, error)
	StatusBetween(ctx context.Context, repo, rev1, rev2 string) (string, error)
}

// Comparator diffs a repository against a poll baseline.
type Comparator struct {
	logger *slog.Logger
}

// NewComparator creates a Comparator.
func NewComparator() *Comparator {
	return &Comparator{logger: log.WithComponent("poll")}
}

// Compare resolves the head of src's branch in repoDir and classifies the
// change since baseline. When the head id equals the baseline id the diff is
// skipped entirely and the classification is None.
func (c *Comparator) Compare(ctx context.Context, tool Tool, baseline revision.Tag, repoDir string, src source.Source) (Result, error) {
	branch := src.BranchOrDefault()

	id, err := tool.Tip(ctx, repoDir, branch)
	if err != nil {
		return Result{}, err
	}
	if id == "" {
		return Result{}, fmt.Errorf("%w: no id for branch %q", ErrUnresolvableRevision, branch)
	}
	number, err := tool.TipNumber(ctx, repoDir, branch)
	if err != nil {
		return Result{}, err
	}
	if number == "" {
		return Result{}, fmt.Errorf("%w: no revision number for branch %q", ErrUnresolvableRevision, branch)
	}

	current := revision.Tag{ID: id, Number: number, Subdir: src.Subdir}
	if id == baseline.ID {
		return Result{Baseline: &baseline, Current: current, Change: None}, nil
	}

	status, err := tool.StatusBetween(ctx, repoDir, baseline.ID, id)
	if err != nil {
		return Result{}, fmt.Errorf("diff %s..%s: %w", baseline.ID, id, err)
	}
	changed := ParseStatus(status)
	c.logger.Debug("changed files", "count", len(changed), "files", changed)

	return Result{
		Baseline: &baseline,
		Current:  current,
		Change:   Classify(changed, src.Modules),
	}, nil
}

var statusLineRe = regexp.MustCompile(`(?m)^[ARM] (.+)`)

// ParseStatus extracts changed paths from two-revision status output. Only
// line-initial A, R and M markers count; every other marker is ignored.
func ParseStatus(status string) []string {
	var changed []string
	for _, m := range statusLineRe.FindAllStringSubmatch(status, -1) {
		changed = append(changed, m[1])
	}
	return changed
}

var metadataFileRe = regexp.MustCompile(`^[.]hg(ignore|tags)$`)

// Classify applies the dependency-module filter to the raw changed-file set.
// None iff the raw set is empty; Insignificant when files changed but none
// affect a module; Significant otherwise. Repository metadata files are
// never affecting, regardless of filter configuration.
func Classify(changed []string, modules []string) Change {
	if len(changed) == 0 {
		return None
	}
	if len(dependentChanges(changed, modules)) == 0 {
		return Insignificant
	}
	return Significant
}

// dependentChanges keeps the changed files that fall inside a configured
// module. The match is a plain string-prefix test, deliberately not
// path-segment aware.
func dependentChanges(changed []string, modules []string) []string {
	var affecting []string
	for _, file := range changed {
		if metadataFileRe.MatchString(file) {
			continue
		}
		if len(modules) == 0 {
			affecting = append(affecting, file)
			continue
		}
		unixFile := strings.ReplaceAll(file, `\`, "/")
		for _, module := range modules {
			if strings.HasPrefix(unixFile, module) {
				affecting = append(affecting, file)
				break
			}
		}
	}
	return affecting
}
