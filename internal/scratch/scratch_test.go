package scratch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_CreatesRoot(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "nested", "scratch")
	m, err := NewManager(root)
	require.NoError(t, err)
	assert.Equal(t, root, m.Root())
	assert.DirExists(t, root)
}

func TestAcquire_IsolatesJobs(t *testing.T) {
	t.Parallel()

	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	a, err := m.Acquire("job-a")
	require.NoError(t, err)
	b, err := m.Acquire("job-b")
	require.NoError(t, err)

	assert.NotEqual(t, a.Dir, b.Dir)
	assert.DirExists(t, a.Dir)
	assert.DirExists(t, b.Dir)
	assert.Equal(t, filepath.Join(a.Dir, "job-a.zip"), a.ArchivePath())
}

func TestAcquire_ClearsStaleWorkspace(t *testing.T) {
	t.Parallel()

	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	ws, err := m.Acquire("job-a")
	require.NoError(t, err)
	stale := filepath.Join(ws.Dir, "leftover.part")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	ws, err = m.Acquire("job-a")
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.DirExists(t, ws.Dir)
}

func TestAcquire_RejectsEmptyJobID(t *testing.T) {
	t.Parallel()

	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	_, err = m.Acquire("")
	require.Error(t, err)
}

func TestAcquire_RejectsPathTraversal(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	sibling := filepath.Join(base, "victim")
	require.NoError(t, os.MkdirAll(sibling, 0o755))
	kept := filepath.Join(sibling, "data.txt")
	require.NoError(t, os.WriteFile(kept, []byte("keep"), 0o644))

	m, err := NewManager(filepath.Join(base, "scratch"))
	require.NoError(t, err)

	for _, id := range []string{"../victim", "..", ".", "a/b", `a\b`, "/etc"} {
		_, err := m.Acquire(id)
		assert.Error(t, err, "id %q must be rejected", id)
	}
	assert.FileExists(t, kept, "nothing outside the root may be touched")
}

func TestRemove_DeletesEverything(t *testing.T) {
	t.Parallel()

	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	ws, err := m.Acquire("job-a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws.ArchivePath(), []byte("zip"), 0o644))

	require.NoError(t, ws.Remove())
	assert.NoDirExists(t, ws.Dir)
}
