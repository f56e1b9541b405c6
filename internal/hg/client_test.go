package hg

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestNewClientDefaultsExecutable(t *testing.T) {
	if got := NewClient("", false).Executable(); got != "hg" {
		t.Fatalf("executable = %q, want hg", got)
	}
	if got := NewClient("/opt/hg6/bin/hg", false).Executable(); got != "/opt/hg6/bin/hg" {
		t.Fatalf("executable = %q", got)
	}
}

func TestRunClassifiesMissingExecutable(t *testing.T) {
	c := NewClient("hgsync-no-such-binary", false)
	err := c.Run(context.Background(), "", io.Discard, "version")
	if !IsToolNotFound(err) {
		t.Fatalf("err = %v, want tool-not-found", err)
	}
	if !strings.Contains(err.Error(), "Mercurial installation") {
		t.Fatalf("diagnostic missing from %v", err)
	}
}

func TestRunClassifiesNonzeroExit(t *testing.T) {
	// `false` stands in for an hg invocation that runs and fails.
	c := NewClient("false", false)
	err := c.Run(context.Background(), "", io.Discard, "status")
	if !IsExit(err) {
		t.Fatalf("err = %v, want exit error", err)
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Fatalf("err = %v, want exit code 1", err)
	}
	if IsToolNotFound(err) {
		t.Fatal("exit must not read as tool-not-found")
	}
}

func TestRunWithTimeout(t *testing.T) {
	c := NewClient("sleep", false)
	err := c.RunWithTimeout(context.Background(), "", 50*time.Millisecond, io.Discard, "5")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestOutputTrimsStdout(t *testing.T) {
	c := NewClient("echo", false)
	out, err := c.Output(context.Background(), "", "abc123")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if out != "abc123" {
		t.Fatalf("out = %q", out)
	}
}

func TestOutputAppendsStderrToError(t *testing.T) {
	c := NewClient("sh", false)
	_, err := c.Output(context.Background(), "", "-c", "echo 'abort: unknown revision' >&2; exit 255")
	if !IsExit(err) {
		t.Fatalf("err = %v, want exit error", err)
	}
	if !strings.Contains(err.Error(), "unknown revision") {
		t.Fatalf("stderr missing from %v", err)
	}
}

// The debug flag applies only to side-effect invocations whose output is
// logged, never to parsed output.
func TestDebugFlagGating(t *testing.T) {
	c := NewClient("echo", true)

	var buf bytes.Buffer
	if err := c.Run(context.Background(), "", &buf, "pull"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(buf.String(), "--debug") {
		t.Fatalf("debug flag not applied to run output: %q", buf.String())
	}

	out, err := c.Output(context.Background(), "", "abc123")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if strings.Contains(out, "--debug") {
		t.Fatalf("debug flag leaked into parsed output: %q", out)
	}
}
