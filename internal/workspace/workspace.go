// internal/workspace/workspace.go
package workspace

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/config"
)

const (
	// TaskMessage is the commit message of an accepted task.
	TaskMessage = "Finish a task"
	// BaseMessage marks the commit a fresh repository starts from.
	BaseMessage = "base commit"
)

var patchHeader = regexp.MustCompile(`^(diff|index|@@|---|\+\+\+)`)

// Excluded reports whether a path never belongs in a snapshot. Editor backups
// and screenshots are byproducts of the tools, not of the task.
func Excluded(p string) bool {
	return strings.Contains(p, ".backup.") || strings.Contains(p, "screenshots/")
}

// Change is one staged task snapshot.
type Change struct {
	Hash   plumbing.Hash
	Parent plumbing.Hash
	Files  []string
	Patch  string
}

// Empty reports whether the task touched no tracked content.
func (c Change) Empty() bool { return len(c.Files) == 0 }

// Condensed returns the patch without headers or +/- markers, the form fed
// to the summary prompt.
func (c Change) Condensed() string {
	var lines []string
	for _, line := range strings.Split(c.Patch, "\n") {
		if patchHeader.MatchString(line) {
			continue
		}
		line = strings.TrimPrefix(strings.TrimPrefix(line, "+"), "-")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// Snapshotter records the workspace mount in a git repository between tasks.
type Snapshotter struct {
	dir    string
	repo   *git.Repository
	author config.GitConfig
	logger *zap.Logger
	now    func() time.Time
}

// Open uses the repository at dir, initializing it with a base commit when
// none exists.
func Open(dir string, author config.GitConfig, logger *zap.Logger) (*Snapshotter, error) {
	s := &Snapshotter{dir: dir, author: author, logger: logger.Named("workspace"), now: time.Now}
	repo, err := git.PlainOpen(dir)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		s.logger.Info("Initializing workspace repository.", zap.String("dir", dir))
		if repo, err = git.PlainInit(dir, false); err != nil {
			return nil, fmt.Errorf("failed to init workspace repository: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to open workspace repository: %w", err)
	}
	s.repo = repo

	if _, err := repo.Head(); errors.Is(err, plumbing.ErrReferenceNotFound) {
		wt, err := repo.Worktree()
		if err != nil {
			return nil, err
		}
		if _, err := s.stage(wt); err != nil {
			return nil, err
		}
		if _, err := wt.Commit(BaseMessage, &git.CommitOptions{Author: s.signature(), AllowEmptyCommits: true}); err != nil {
			return nil, fmt.Errorf("failed to create base commit: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Snapshotter) signature() *object.Signature {
	name, email := s.author.AuthorName, s.author.AuthorEmail
	if name == "" {
		name = "infant"
	}
	if email == "" {
		email = "infant@localhost"
	}
	return &object.Signature{Name: name, Email: email, When: s.now()}
}

// stage adds every changed path that is not excluded and returns them sorted.
func (s *Snapshotter) stage(wt *git.Worktree) ([]string, error) {
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace status: %w", err)
	}
	var staged []string
	for p, st := range status {
		if st.Worktree == git.Unmodified || Excluded(p) {
			continue
		}
		if st.Worktree == git.Deleted {
			_, err = wt.Remove(p)
		} else {
			_, err = wt.Add(p)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", p, err)
		}
		s.logger.Debug("Staged path.", zap.String("path", p))
		staged = append(staged, p)
	}
	sort.Strings(staged)
	return staged, nil
}

// Commit snapshots the task's changes as TaskMessage and returns the diff
// against the previous snapshot. An empty Change means nothing was committed.
func (s *Snapshotter) Commit(ctx context.Context) (Change, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return Change{}, err
	}
	head, err := s.repo.Head()
	if err != nil {
		return Change{}, err
	}
	files, err := s.stage(wt)
	if err != nil {
		return Change{}, err
	}
	if len(files) == 0 {
		s.logger.Info("No modified files to snapshot.")
		return Change{Parent: head.Hash()}, nil
	}

	hash, err := wt.Commit(TaskMessage, &git.CommitOptions{Author: s.signature()})
	if err != nil {
		return Change{}, fmt.Errorf("failed to commit the changes: %w", err)
	}
	parent, err := s.repo.CommitObject(head.Hash())
	if err != nil {
		return Change{}, err
	}
	next, err := s.repo.CommitObject(hash)
	if err != nil {
		return Change{}, err
	}
	patch, err := parent.PatchContext(ctx, next)
	if err != nil {
		return Change{}, fmt.Errorf("failed to diff snapshot: %w", err)
	}
	s.logger.Info("Workspace snapshot committed.", zap.String("hash", hash.String()), zap.Int("files", len(files)))
	return Change{Hash: hash, Parent: head.Hash(), Files: files, Patch: patch.String()}, nil
}

// Discard undoes a snapshot: the index returns to the parent and files the
// task created are removed. Edits to tracked files stay in the working tree.
func (s *Snapshotter) Discard(ctx context.Context, c Change) error {
	if c.Empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Reset(&git.ResetOptions{Commit: c.Parent, Mode: git.MixedReset}); err != nil {
		return fmt.Errorf("failed to reset snapshot: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return err
	}
	for p, st := range status {
		if st.Worktree != git.Untracked || Excluded(p) {
			continue
		}
		if err := wt.Filesystem.Remove(p); err != nil {
			return fmt.Errorf("failed to clean %s: %w", p, err)
		}
	}
	s.logger.Info("Workspace snapshot discarded.", zap.String("hash", c.Hash.String()))
	return nil
}

// Since returns the diff from the most recent base commit to HEAD.
func (s *Snapshotter) Since(ctx context.Context) (string, error) {
	head, err := s.repo.Head()
	if err != nil {
		return "", err
	}
	tip, err := s.repo.CommitObject(head.Hash())
	if err != nil {
		return "", err
	}
	base := tip
	iter, err := s.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return "", err
	}
	defer iter.Close()
	for {
		c, err := iter.Next()
		if err != nil {
			break
		}
		if strings.TrimSpace(c.Message) == BaseMessage {
			base = c
			break
		}
	}
	patch, err := base.PatchContext(ctx, tip)
	if err != nil {
		return "", err
	}
	return patch.String(), nil
}
