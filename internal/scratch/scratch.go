// Package scratch manages per-job working directories on local disk.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager hands out isolated directories under a shared root. Each job gets
// its own namespace so concurrent jobs never collide on disk.
type Manager struct {
	root string
}

// Workspace is one job's scratch directory.
type Workspace struct {
	JobID string
	Dir   string
}

// NewManager creates the root directory if needed and verifies it is
// writable. A worker that cannot write scratch space is useless, so this is
// checked once at startup rather than on the first job.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "packd")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("scratch root not writable: %w", err)
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return nil, fmt.Errorf("close scratch probe: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("remove scratch probe: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the shared scratch root.
func (m *Manager) Root() string { return m.root }

// Acquire creates a fresh workspace for jobID. Any leftovers from a previous
// run of the same job are removed first. IDs come from the coordinator and
// are untrusted: anything that is not a plain single path element is rejected
// so the RemoveAll below can never reach outside the root.
func (m *Manager) Acquire(jobID string) (*Workspace, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	dir := filepath.Join(m.root, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear stale workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{JobID: jobID, Dir: dir}, nil
}

func validateJobID(id string) error {
	switch {
	case id == "" || id == "." || id == "..":
		return fmt.Errorf("scratch: invalid job id %q", id)
	case strings.ContainsAny(id, `/\`) || filepath.Base(id) != id:
		return fmt.Errorf("scratch: job id %q is not a single path element", id)
	}
	return nil
}

// ArchivePath returns where the job's archive is assembled.
func (w *Workspace) ArchivePath() string {
	return filepath.Join(w.Dir, w.JobID+".zip")
}

// Remove deletes the workspace and everything in it.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}
