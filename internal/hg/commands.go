package hg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
)

// Tip returns the node id of the branch head, or "" when the branch cannot
// be resolved (for example an empty repository). Absence is not an error;
// only launch and I/O failures propagate.
func (c *Client) Tip(ctx context.Context, repo, branch string) (string, error) {
	return c.revisionField(ctx, repo, branch, "{node}")
}

// TipNumber returns the node-local ordinal of the branch head, or "" when
// the branch cannot be resolved. The ordinal is not portable across clones.
func (c *Client) TipNumber(ctx context.Context, repo, branch string) (string, error) {
	return c.revisionField(ctx, repo, branch, "{rev}")
}

func (c *Client) revisionField(ctx context.Context, repo, branch, template string) (string, error) {
	rev := branch
	if rev == "" {
		rev = "."
	}
	out, err := c.Output(ctx, repo, "log", "--rev", rev, "--template", template)
	if err != nil {
		if IsExit(err) {
			c.logger.Warn("revision not resolvable", "repo", repo, "rev", rev, "error", err)
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// PathsDefault returns the workspace's recorded upstream location, or ""
// when none is recorded.
func (c *Client) PathsDefault(ctx context.Context, repo string) (string, error) {
	out, err := c.Output(ctx, repo, "showconfig", "paths.default")
	if err != nil {
		if IsExit(err) {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// StatusBetween returns the raw two-revision status output.
func (c *Client) StatusBetween(ctx context.Context, repo, rev1, rev2 string) (string, error) {
	return c.Output(ctx, repo, "status", "--rev", rev1, "--rev", rev2)
}

// RevisionExists probes whether rev is known to the repository's history.
func (c *Client) RevisionExists(ctx context.Context, repo, rev string) (bool, error) {
	_, err := c.Output(ctx, repo, "log", "--rev", rev, "--template", "{node}")
	if err != nil {
		if IsExit(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Pull fetches into repo, optionally restricted to rev and optionally from a
// cache mirror instead of the recorded upstream. Callers that need a bound
// pass a context with a deadline; on expiry the subprocess is terminated and
// ErrTimeout surfaces.
func (c *Client) Pull(ctx context.Context, repo string, out io.Writer, rev, from string) error {
	args := []string{"pull"}
	if rev != "" {
		args = append(args, "--rev", rev)
	}
	if from != "" {
		args = append(args, from)
	}
	return c.Run(ctx, repo, out, args...)
}

// Update forces the workspace to rev, discarding local modifications.
func (c *Client) Update(ctx context.Context, repo string, out io.Writer, rev string) error {
	return c.Run(ctx, repo, out, "update", "--clean", "--rev", rev)
}

// Purge removes untracked files from the workspace, keeping .hg.
func (c *Client) Purge(ctx context.Context, repo string, out io.Writer) error {
	return c.Run(ctx, repo, out, "--config", "extensions.purge=", "purge", "--all")
}

// Relink re-materializes hardlinks between repo and a cache mirror to
// reclaim disk space. Callers treat failures as best-effort.
func (c *Client) Relink(ctx context.Context, repo string, out io.Writer, cacheLocation string) error {
	return c.Run(ctx, repo, out, "--config", "extensions.relink=", "relink", cacheLocation)
}

// Clone clones src into dst without materializing files. A non-empty rev
// restricts the clone to that revision's ancestry.
func (c *Client) Clone(ctx context.Context, out io.Writer, src, dst, rev string) error {
	args := []string{"clone"}
	if rev != "" {
		args = append(args, "--rev", rev)
	}
	args = append(args, "--noupdate", src, dst)
	return c.Run(ctx, "", out, args...)
}

// Share checks dst out against src's history store without copying it.
func (c *Client) Share(ctx context.Context, out io.Writer, src, dst string) error {
	return c.Run(ctx, "", out, "--config", "extensions.share=", "share", "--noupdate", src, dst)
}

// IncrementalLog writes the templated log of every ancestor of rev not
// already an ancestor of prune, in fixed UTF-8 with invalid sequences
// replaced. Template output goes to w; the debug flag is never applied.
func (c *Client) IncrementalLog(ctx context.Context, repo string, w io.Writer, rev, prune, template string) error {
	cmd := c.command(ctx, repo, false,
		"log",
		"--template", template,
		"--rev", rev+":0",
		"--follow",
		"--prune", prune,
		"--encoding", "UTF-8",
		"--encodingmode", "replace",
	)
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		err = classify(ctx, err)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
