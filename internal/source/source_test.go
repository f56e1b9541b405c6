package source

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseModules(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", nil},
		{"blank", "   \n ", nil},
		{"single", "src", []string{"src"}},
		{"spaces", "src docs", []string{"src", "docs"}},
		{"commas and newlines", "src,docs\nlib", []string{"src", "docs", "lib"}},
		{"run of separators", "src,, \n docs", []string{"src", "docs"}},
		{"escaped space", `my\ dir other`, []string{"my dir", "other"}},
		{"leading slashes stripped", "//src /docs", []string{"src", "docs"}},
		{"backslashes normalized", `src\main`, []string{"src/main"}},
		{"only slashes", "/", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseModules(tc.raw)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseModules(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestPathEquals(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"/repos/app", "/repos/app/", true},
		{"/repos/app", "file:///repos/app", true},
		{"/repos/app", "file://repos/app", true},
		{"/repos/app", "file:/repos/app", true},
		{`C:\repos\app`, "C:/repos/app", true},
		{"https://hg.example.com/app", "https://hg.example.com/app/", true},
		{"/repos/app", "/repos/other", false},
		{"https://hg.example.com/app", "https://hg.example.com/app2", false},
	}
	for _, tc := range cases {
		if got := PathEquals(tc.a, tc.b); got != tc.want {
			t.Errorf("PathEquals(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestIdentityStableAcrossFormatting(t *testing.T) {
	a := Source{URL: "/repos/app"}
	b := Source{URL: "file:///repos/app/"}
	if a.Identity() != b.Identity() {
		t.Fatalf("equivalent locations should share an identity: %s vs %s", a.Identity(), b.Identity())
	}

	c := Source{URL: "/repos/other"}
	if a.Identity() == c.Identity() {
		t.Fatalf("distinct locations should not collide: %s", a.Identity())
	}

	if len(a.Identity()) != 32 {
		t.Fatalf("identity should be 32 hex chars, got %d", len(a.Identity()))
	}
}

func TestIsLocal(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"/repos/app", true},
		{`\\server\share\app`, true},
		{"file:///repos/app", true},
		{"https://hg.example.com/app", false},
		{"ssh://hg@example.com/app", false},
	}
	for _, tc := range cases {
		if got := (Source{URL: tc.url}).IsLocal(); got != tc.want {
			t.Errorf("IsLocal(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestNewCollapsesDefaultBranch(t *testing.T) {
	s := New("https://hg.example.com/app", "default", "", "", false, "")
	if s.Branch != "" {
		t.Fatalf("branch %q should collapse to empty", DefaultBranch)
	}
	if s.BranchOrDefault() != DefaultBranch {
		t.Fatalf("BranchOrDefault = %q, want %q", s.BranchOrDefault(), DefaultBranch)
	}

	s = New("https://hg.example.com/app", "stable", "", "", false, "")
	if s.BranchOrDefault() != "stable" {
		t.Fatalf("BranchOrDefault = %q, want stable", s.BranchOrDefault())
	}
}

func TestRepoDir(t *testing.T) {
	s := Source{}
	if got := s.RepoDir("/ws/job"); got != "/ws/job" {
		t.Fatalf("RepoDir without subdir = %q", got)
	}
	s.Subdir = "vendor/app"
	want := filepath.Join("/ws/job", "vendor", "app")
	if got := s.RepoDir("/ws/job"); got != want {
		t.Fatalf("RepoDir with subdir = %q, want %q", got, want)
	}
}
