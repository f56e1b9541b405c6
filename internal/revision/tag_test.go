package revision

import "testing"

func TestEnvVars(t *testing.T) {
	tag := Tag{ID: "abc123", Number: "42"}
	env := tag.EnvVars()
	if env["MERCURIAL_REVISION"] != "abc123" {
		t.Fatalf("MERCURIAL_REVISION = %q", env["MERCURIAL_REVISION"])
	}
	if env["MERCURIAL_REVISION_NUMBER"] != "42" {
		t.Fatalf("MERCURIAL_REVISION_NUMBER = %q", env["MERCURIAL_REVISION_NUMBER"])
	}
}
