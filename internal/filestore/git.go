package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Git is a local implementation backed by a git repository on disk. Every put
// or delete becomes a commit, so the development database keeps the same
// history semantics as the hosted one. Version tokens are git blob hashes of
// the file content, giving the same compare-and-swap behavior as the remote
// store without any network.
type Git struct {
	dir  string
	repo *git.Repository
	mu   sync.Mutex
}

func NewGit(dir string) (*Git, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open store repo: %w", err)
	}
	return &Git{dir: dir, repo: repo}, nil
}

func blobToken(content []byte) string {
	return plumbing.ComputeHash(plumbing.BlobObject, content).String()
}

func (g *Git) filePath(path string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("invalid store path %q", path)
	}
	return filepath.Join(g.dir, cleaned), nil
}

func (g *Git) GetFile(ctx context.Context, path string) (File, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readLocked(path)
}

func (g *Git) readLocked(path string) (File, error) {
	full, err := g.filePath(path)
	if err != nil {
		return File{}, err
	}
	content, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return File{Exists: false}, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	return File{Exists: true, Token: blobToken(content), Content: content}, nil
}

func (g *Git) PutFile(ctx context.Context, path string, content []byte, message, token string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, err := g.readLocked(path)
	if err != nil {
		return "", err
	}
	if current.Exists && token != current.Token {
		return "", fmt.Errorf("put %s: %w", path, ErrConflict)
	}
	if !current.Exists && token != "" {
		return "", fmt.Errorf("put %s: %w", path, ErrConflict)
	}

	full, err := g.filePath(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := g.commitLocked(path, message, false); err != nil {
		return "", err
	}
	return blobToken(content), nil
}

func (g *Git) DeleteFile(ctx context.Context, path string, message, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, err := g.readLocked(path)
	if err != nil {
		return err
	}
	if !current.Exists {
		return ErrNotFound
	}
	if token != current.Token {
		return fmt.Errorf("delete %s: %w", path, ErrConflict)
	}

	full, err := g.filePath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return g.commitLocked(path, message, true)
}

func (g *Git) commitLocked(path, message string, deleted bool) error {
	worktree, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	rel := filepath.ToSlash(filepath.Clean(filepath.FromSlash(path)))
	if deleted {
		if _, err := worktree.Remove(rel); err != nil {
			return fmt.Errorf("git rm %s: %w", path, err)
		}
	} else {
		if _, err := worktree.Add(rel); err != nil {
			return fmt.Errorf("git add %s: %w", path, err)
		}
	}
	_, err = worktree.Commit(message, &git.CommitOptions{
		Author:            storeSignature(),
		AllowEmptyCommits: true,
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}

func storeSignature() *object.Signature {
	return &object.Signature{
		Name:  "pulseboard",
		Email: "store@pulseboard.local",
		When:  time.Now(),
	}
}
