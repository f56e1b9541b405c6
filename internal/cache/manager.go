// Package cache maintains shared local repository mirrors, one per
// (node, normalized source identity), so concurrent jobs tracking the same
// source do not repeat network transfer.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/quarryci/hgsync/internal/config"
	"github.com/quarryci/hgsync/internal/lock"
	"github.com/quarryci/hgsync/internal/log"
	"github.com/quarryci/hgsync/internal/source"
)

// ErrCacheUnavailable means cache acquisition failed on a path that has no
// other way to reach the repository (workspace-less polling).
var ErrCacheUnavailable = errors.New("repository cache unavailable")

// Entry describes an acquired mirror.
type Entry struct {
	// Location is the mirror directory on this node.
	Location string

	// UseCaches mirrors the installation's cache flag; always true for an
	// acquired entry.
	UseCaches bool

	// UseSharing selects the sharing strategy over hardlink clones.
	UseSharing bool
}

// Tool is the subset of hg operations mirror maintenance needs.
type Tool interface {
	Clone(ctx context.Context, out io.Writer, src, dst, rev string) error
	Pull(ctx context.Context, repo string, out io.Writer, rev, from string) error
}

// Manager locates or creates mirrors under root/<node>/<identity>. Creation
// and refresh are serialized per identity: in-process with a mutex, across
// processes with a flock beside the mirror directory.
type Manager struct {
	root            string
	node            string
	cacheLocalRepos bool
	logger          *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a Manager rooted at root for the named node. An empty
// root disables caching entirely.
func NewManager(root, node string, cacheLocalRepos bool) *Manager {
	return &Manager{
		root:            root,
		node:            node,
		cacheLocalRepos: cacheLocalRepos,
		logger:          log.WithComponent("cache"),
	}
}

// Acquire returns the mirror entry for src, creating or refreshing it as
// needed, or nil when caching does not apply to this source/installation.
// Failures are logged and reported as absence, except when fromPolling is
// set: the workspace-less polling path cannot proceed without the cache, so
// absence-by-failure is promoted to ErrCacheUnavailable.
func (m *Manager) Acquire(ctx context.Context, tool Tool, src source.Source, inst config.Installation, fromPolling bool) (*Entry, error) {
	if src.IsLocal() && !m.cacheLocalRepos {
		return nil, nil
	}
	if !inst.UseCaches || m.root == "" {
		return nil, nil
	}

	entry, err := m.materialize(ctx, tool, src)
	if err != nil {
		m.logger.Error("failed to use repository cache", "source", src.URL, "error", err)
		if fromPolling {
			return nil, fmt.Errorf("%w for %s: %v", ErrCacheUnavailable, src.URL, err)
		}
		return nil, nil
	}

	return &Entry{
		Location:   entry,
		UseCaches:  true,
		UseSharing: inst.UseSharing,
	}, nil
}

// materialize locates or creates the mirror and returns its directory.
func (m *Manager) materialize(ctx context.Context, tool Tool, src source.Source) (string, error) {
	identity := src.Identity()
	dir := filepath.Join(m.root, m.node, identity)

	il := m.identityLock(identity)
	il.Lock()
	defer il.Unlock()

	fl, err := lock.Acquire(dir + ".lock")
	if err != nil {
		return "", fmt.Errorf("lock cache for %s: %w", src.URL, err)
	}
	defer func() { _ = fl.Release() }()

	if _, err := os.Stat(filepath.Join(dir, ".hg")); err == nil {
		// A prior caller completed the mirror; just refresh it.
		if err := tool.Pull(ctx, dir, io.Discard, "", src.URL); err != nil {
			return "", fmt.Errorf("refresh cache for %s: %w", src.URL, err)
		}
		return dir, nil
	}

	// A partial mirror from an interrupted creation is discarded and
	// recreated from scratch.
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("remove stale cache for %s: %w", src.URL, err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("create cache root: %w", err)
	}
	if err := tool.Clone(ctx, io.Discard, src.URL, dir, ""); err != nil {
		return "", fmt.Errorf("clone cache for %s: %w", src.URL, err)
	}
	m.logger.Info("created repository cache", "source", src.URL, "location", dir)
	return dir, nil
}

func (m *Manager) identityLock(identity string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*sync.Mutex)
	}
	l, ok := m.locks[identity]
	if !ok {
		l = &sync.Mutex{}
		m.locks[identity] = l
	}
	return l
}
