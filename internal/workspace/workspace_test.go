// internal/workspace/workspace_test.go
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/infant/internal/config"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func headMessage(t *testing.T, dir string) string {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	c, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	return c.Message
}

func open(t *testing.T, dir string) *Snapshotter {
	t.Helper()
	s, err := Open(dir, config.GitConfig{AuthorName: "tester", AuthorEmail: "tester@example.com"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestOpenCreatesBaseCommit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.py", "print('hi')\n")

	open(t, dir)
	assert.Equal(t, BaseMessage, headMessage(t, dir))

	// Reopening keeps the existing history.
	open(t, dir)
	assert.Equal(t, BaseMessage, headMessage(t, dir))
}

func TestCommitSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "main.py", "print('hi')\n")
	s := open(t, dir)

	writeFile(t, dir, "main.py", "print('hello')\n")
	writeFile(t, dir, "notes.txt", "done\n")
	writeFile(t, dir, "main.py.backup.1", "print('hi')\n")
	writeFile(t, dir, "screenshots/1.png", "png")

	c, err := s.Commit(ctx)
	require.NoError(t, err)
	require.False(t, c.Empty())
	assert.Equal(t, []string{"main.py", "notes.txt"}, c.Files)
	assert.Equal(t, TaskMessage, headMessage(t, dir))
	assert.Contains(t, c.Patch, "+print('hello')")
	assert.Contains(t, c.Patch, "-print('hi')")
	assert.NotContains(t, c.Patch, "backup")
	assert.NotContains(t, c.Patch, "screenshots")

	condensed := c.Condensed()
	assert.Contains(t, condensed, "print('hello')")
	assert.NotContains(t, condensed, "diff --git")
	assert.NotContains(t, condensed, "@@")

	since, err := s.Since(ctx)
	require.NoError(t, err)
	assert.Contains(t, since, "notes.txt")
}

func TestCommitNothingChanged(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.py", "x = 1\n")
	s := open(t, dir)
	writeFile(t, dir, "screenshots/2.png", "png")

	c, err := s.Commit(context.Background())
	require.NoError(t, err)
	assert.True(t, c.Empty())
	assert.Equal(t, BaseMessage, headMessage(t, dir))
	assert.NoError(t, s.Discard(context.Background(), c))
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "main.py", "x = 1\n")
	s := open(t, dir)

	writeFile(t, dir, "main.py", "x = 2\n")
	writeFile(t, dir, "scratch.py", "y = 3\n")
	writeFile(t, dir, "main.py.backup.1", "x = 1\n")

	c, err := s.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Discard(ctx, c))

	assert.Equal(t, BaseMessage, headMessage(t, dir))
	assert.NoFileExists(t, filepath.Join(dir, "scratch.py"))
	assert.FileExists(t, filepath.Join(dir, "main.py.backup.1"))
	data, err := os.ReadFile(filepath.Join(dir, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "x = 2\n", string(data))
}

func TestDeletedFileIsSnapshotted(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "old.py", "pass\n")
	s := open(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, "old.py")))

	c, err := s.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"old.py"}, c.Files)
	assert.Contains(t, c.Patch, "-pass")
}

func TestExcluded(t *testing.T) {
	assert.True(t, Excluded("a.py.backup.3"))
	assert.True(t, Excluded("screenshots/x.png"))
	assert.True(t, Excluded("sub/screenshots/x.png"))
	assert.False(t, Excluded("src/backup.py"))
}
