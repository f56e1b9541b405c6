// Package changelog produces the incremental changelog document between the
// previous build's revision and the one just checked out.
package changelog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/quarryci/hgsync/internal/log"
	"github.com/quarryci/hgsync/internal/revision"
)

// Template renders one changeset entry. Output is parsed as XML downstream,
// so user-controlled fields are escaped by hg itself.
const Template = `<changeset node='{node}' author='{author|xmlescape}' rev='{rev}' date='{date}'>` +
	`<msg>{desc|xmlescape}</msg>` +
	`<added>{file_adds|stringify|xmlescape}</added>` +
	`<deleted>{file_dels|stringify|xmlescape}</deleted>` +
	`<files>{files|stringify|xmlescape}</files>` +
	`<parents>{parents}</parents>` +
	"</changeset>\n"

const (
	header = "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<changesets>\n"
	footer = "</changesets>\n"
)

// Tool is the subset of hg operations emission needs.
type Tool interface {
	RevisionExists(ctx context.Context, repo, rev string) (bool, error)
	IncrementalLog(ctx context.Context, repo string, w io.Writer, rev, prune, template string) error
}

// Emitter writes changelog documents.
type Emitter struct {
	logger *slog.Logger
}

// NewEmitter creates an Emitter.
func NewEmitter() *Emitter {
	return &Emitter{logger: log.WithComponent("changelog")}
}

// Emit writes the changelog between prev and current to w: one entry per
// revision that is an ancestor of current and not of prev. A missing prev,
// or a prev whose revision is no longer in this clone's history, degrades to
// an empty document with a warning; it is not an error.
func (e *Emitter) Emit(ctx context.Context, tool Tool, w io.Writer, prev *revision.Tag, current, repoDir string) error {
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("write changelog: %w", err)
	}

	if prev == nil {
		e.logger.Warn("revision data for previous build unavailable; emitting empty changelog")
		_, err := io.WriteString(w, footer)
		return err
	}

	known, err := tool.RevisionExists(ctx, repoDir, prev.ID)
	if err != nil {
		return fmt.Errorf("probe previous revision %s: %w", prev.ID, err)
	}
	if !known {
		e.logger.Warn("previously built revision is not known in this clone; emitting empty changelog",
			"revision", prev.ID)
		_, err := io.WriteString(w, footer)
		return err
	}

	logErr := tool.IncrementalLog(ctx, repoDir, w, current, prev.ID, Template)
	if _, err := io.WriteString(w, footer); err != nil {
		return fmt.Errorf("write changelog: %w", err)
	}
	if logErr != nil {
		return fmt.Errorf("determine change log: %w", logErr)
	}
	return nil
}

// EmitFile writes the changelog to path, creating parent directories.
func (e *Emitter) EmitFile(ctx context.Context, tool Tool, path string, prev *revision.Tag, current, repoDir string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create changelog directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create changelog file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return e.Emit(ctx, tool, f, prev, current, repoDir)
}
