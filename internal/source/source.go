// Package source models the remote repository a job tracks: its location,
// branch, dependency-module prefixes, and on-disk placement.
package source

import (
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// DefaultBranch is the branch sentinel used when a job does not name one.
const DefaultBranch = "default"

// Source is the immutable repository configuration of a job.
type Source struct {
	// URL is the repository location: a remote URL or a local filesystem path.
	URL string

	// Branch is the in-repository branch to follow. Empty means "default".
	Branch string

	// Modules are forward-slash-normalized path prefixes the job depends on.
	// Empty means the whole repository is relevant.
	Modules []string

	// Subdir is the workspace subdirectory the checkout lives in. Empty means
	// the workspace root.
	Subdir string

	// Clean requests removal of untracked files after every update.
	Clean bool

	// Installation names the tool installation this job uses. Empty selects
	// the default executable.
	Installation string
}

// New builds a Source from raw job configuration. The branch sentinel
// "default" collapses to the empty string; modules are parsed from their
// configured string form.
func New(url, branch, modules, subdir string, clean bool, installation string) Source {
	if branch == DefaultBranch {
		branch = ""
	}
	return Source{
		URL:          strings.TrimSpace(url),
		Branch:       branch,
		Modules:      ParseModules(modules),
		Subdir:       strings.TrimSpace(subdir),
		Clean:        clean,
		Installation: installation,
	}
}

// BranchOrDefault returns the branch to follow, never empty.
func (s Source) BranchOrDefault() string {
	if s.Branch == "" {
		return DefaultBranch
	}
	return s.Branch
}

// RepoDir resolves the repository directory inside a workspace.
func (s Source) RepoDir(workspace string) string {
	if s.Subdir == "" {
		return workspace
	}
	return filepath.Join(workspace, filepath.FromSlash(s.Subdir))
}

var localSourceRe = regexp.MustCompile(`^(file:|[/\\]).+`)

// IsLocal reports whether the source points at the local filesystem rather
// than a remote server.
func (s Source) IsLocal() bool {
	return localSourceRe.MatchString(s.URL)
}

// Identity returns the normalized-source-identity key used to name cache
// mirrors. Two sources that PathEquals considers the same location hash to
// the same identity.
func (s Source) Identity() string {
	sum := blake3.Sum256([]byte(normalizePath(s.URL)))
	return hex.EncodeToString(sum[:16])
}

// moduleSplitRe splits on runs of spaces, newlines and commas, except a space
// escaped as "\ ".
var moduleSplitRe = regexp.MustCompile(`(^|[^\\])[ \r\n,]+`)

// ParseModules parses the configured dependency-module string into a set of
// slash-normalized prefixes. Returns nil when the string is blank, meaning
// every file in the repository is relevant.
func ParseModules(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	// Make split boundaries explicit: the regexp keeps the preceding
	// character, so mark boundaries first and then cut on the marker.
	marked := moduleSplitRe.ReplaceAllString(raw, "${1}\x00")

	var modules []string
	for _, m := range strings.Split(marked, "\x00") {
		if m == "" {
			continue
		}
		m = strings.ReplaceAll(m, `\ `, " ")
		for strings.HasPrefix(m, "/") {
			m = strings.TrimPrefix(m, "/")
		}
		m = strings.ReplaceAll(m, `\`, "/")
		if m == "" {
			continue
		}
		modules = append(modules, m)
	}
	if len(modules) == 0 {
		return nil
	}
	return modules
}

// PathEquals reports whether two repository locations refer to the same
// place, tolerating superficial formatting differences: trailing slashes,
// backslash separators, and "file:" URL forms of a local path.
func PathEquals(a, b string) bool {
	return normalizePath(a) == normalizePath(b)
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	switch {
	case strings.HasPrefix(p, "file:///"):
		p = "/" + p[len("file:///"):]
	case strings.HasPrefix(p, "file://"):
		p = "/" + p[len("file://"):]
	case strings.HasPrefix(p, "file:"):
		p = p[len("file:"):]
	}
	p = strings.ReplaceAll(p, `\`, "/")
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
