// Package workspace owns per-job checkout directories and decides whether an
// existing checkout can be updated in place or must be cloned fresh.
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Manager maps job names onto workspace directories under a base directory.
// Each workspace is exclusively owned by its job on this node.
type Manager struct {
	baseDir string
}

// NewManager creates a manager rooted at baseDir.
func NewManager(baseDir string) (*Manager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	return &Manager{baseDir: filepath.Clean(trimmed)}, nil
}

// Dir returns the workspace directory for a job.
func (m *Manager) Dir(job string) (string, error) {
	if err := validateJobName(job); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, job), nil
}

func validateJobName(job string) error {
	trimmed := strings.TrimSpace(job)
	if trimmed == "" {
		return fmt.Errorf("job name is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("job name %q is invalid", job)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("job name %q must not contain path separators", job)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("job name %q is invalid", job)
	}
	return nil
}
