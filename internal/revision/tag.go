// Package revision carries the identity stamped on a build once a checkout
// lands on a concrete revision.
package revision

// Tag is one immutable {revision id, revision number, subdirectory} record.
// The id is the content-addressed node hash; the number is a node-local
// ordinal that is not portable across clones. A build gets one Tag per
// configured repository subdirectory.
type Tag struct {
	ID     string `json:"id"`
	Number string `json:"number"`
	Subdir string `json:"subdir,omitempty"`
}

// EnvVars returns the build-time environment exposed downstream.
func (t Tag) EnvVars() map[string]string {
	return map[string]string{
		"MERCURIAL_REVISION":        t.ID,
		"MERCURIAL_REVISION_NUMBER": t.Number,
	}
}
