// Package hg drives the Mercurial executable. All invocations run with
// HGPLAIN=true so output stays machine-stable regardless of user config or
// locale.
package hg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/quarryci/hgsync/internal/log"
)

// Client invokes one hg installation.
type Client struct {
	exe    string
	debug  bool
	logger *slog.Logger
}

// NewClient creates a client for the given executable. debug adds --debug to
// invocations whose output is only logged; it is never applied to
// invocations whose output gets parsed.
func NewClient(executable string, debug bool) *Client {
	if executable == "" {
		executable = "hg"
	}
	return &Client{
		exe:    executable,
		debug:  debug,
		logger: log.WithComponent("hg"),
	}
}

// Executable returns the configured hg binary.
func (c *Client) Executable() string { return c.exe }

func (c *Client) command(ctx context.Context, dir string, allowDebug bool, args ...string) *exec.Cmd {
	full := args
	if allowDebug && c.debug {
		full = append([]string{"--debug"}, args...)
	}
	cmd := exec.CommandContext(ctx, c.exe, full...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "HGPLAIN=true")
	return cmd
}

// Run executes hg for its side effects, streaming combined output to out.
// The installation's debug flag applies.
func (c *Client) Run(ctx context.Context, dir string, out io.Writer, args ...string) error {
	cmd := c.command(ctx, dir, true, args...)
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	c.logger.Debug("run", "dir", dir, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return classify(ctx, err)
	}
	return nil
}

// RunWithTimeout executes hg bounded by timeout; on expiry the subprocess is
// terminated and ErrTimeout is returned.
func (c *Client) RunWithTimeout(ctx context.Context, dir string, timeout time.Duration, out io.Writer, args ...string) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Run(tctx, dir, out, args...)
}

// Output executes hg and returns trimmed stdout. The debug flag is never
// applied here: callers parse this output.
func (c *Client) Output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := c.command(ctx, dir, false, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	c.logger.Debug("output", "dir", dir, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		err = classify(ctx, err)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}
