package filemgr

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/qmlh/agentmesh/capabilities"
)

// GitFileStore is the reference FileStore (spec DOMAIN STACK decision):
// every write is committed to a git repository rooted at dir, and the
// commit log for a path is available through GitFileStore.History. The
// File Manager's own Backup/Restore/History keep their snapshots and
// change records in memory; they share only the hash format with this
// store. ContentHash for a path is the git blob OID of its current
// content.
type GitFileStore struct {
	dir    string
	repo   *git.Repository
	author object.Signature
}

// NewGitFileStore opens (or initializes) a non-bare git repository at
// dir and returns a FileStore backed by it.
func NewGitFileStore(dir string) (*GitFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filemgr: create workspace dir: %w", err)
	}
	repo, err := git.PlainOpen(dir)
	if err == git.ErrRepositoryNotExists {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("filemgr: open git store: %w", err)
	}
	return &GitFileStore{
		dir:  dir,
		repo: repo,
		author: object.Signature{
			Name:  "agentmesh",
			Email: "agentmesh@localhost",
		},
	}, nil
}

var _ capabilities.FileStore = (*GitFileStore)(nil)

func (s *GitFileStore) abs(path string) string { return filepath.Join(s.dir, filepath.FromSlash(path)) }

func (s *GitFileStore) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(s.abs(path))
	if err != nil {
		return nil, fmt.Errorf("filemgr: read %s: %w", path, err)
	}
	return data, nil
}

// Write writes content to disk and commits it. Rewriting identical
// content leaves the tree unchanged and is recorded as an empty commit.
func (s *GitFileStore) Write(path string, content []byte) error {
	full := s.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("filemgr: mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return fmt.Errorf("filemgr: write %s: %w", path, err)
	}

	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("filemgr: worktree: %w", err)
	}
	if _, err := wt.Add(filepath.ToSlash(path)); err != nil {
		return fmt.Errorf("filemgr: git add %s: %w", path, err)
	}
	sig := s.author
	sig.When = time.Now()
	_, err = wt.Commit(fmt.Sprintf("write %s", path), &git.CommitOptions{
		Author:    &sig,
		Committer: &sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return fmt.Errorf("filemgr: commit %s: %w", path, err)
	}
	return nil
}

func (s *GitFileStore) Stat(path string) (capabilities.FileInfo, error) {
	info, err := os.Stat(s.abs(path))
	if os.IsNotExist(err) {
		return capabilities.FileInfo{Exists: false}, nil
	}
	if err != nil {
		return capabilities.FileInfo{}, fmt.Errorf("filemgr: stat %s: %w", path, err)
	}
	return capabilities.FileInfo{Size: info.Size(), ModTime: info.ModTime(), Exists: true}, nil
}

func (s *GitFileStore) Delete(path string) error {
	full := s.abs(path)
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("filemgr: delete %s: %w", path, err)
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("filemgr: worktree: %w", err)
	}
	if _, err := wt.Add(filepath.ToSlash(path)); err != nil {
		return fmt.Errorf("filemgr: git add (delete) %s: %w", path, err)
	}
	sig := s.author
	sig.When = time.Now()
	_, err = wt.Commit(fmt.Sprintf("delete %s", path), &git.CommitOptions{Author: &sig, Committer: &sig})
	if err != nil {
		return fmt.Errorf("filemgr: commit delete %s: %w", path, err)
	}
	return nil
}

// Watch has no native git hook equivalent; callers that need live
// filesystem notifications should layer their own fsnotify watcher in
// front of the same dir. The File Manager only ever calls Watch when
// wired with an in-memory store in tests, so this is a documented gap
// rather than a stub masquerading as support.
func (s *GitFileStore) Watch(path string, handler func(event, path string)) (func(), error) {
	return func() {}, fmt.Errorf("filemgr: GitFileStore does not support Watch")
}

// BlobHash returns the git blob OID that Write(path, content) would
// produce, without touching the repository. Used as the File
// Manager's content hash for change records and snapshots.
func BlobHash(content []byte) string {
	return plumbing.ComputeHash(plumbing.BlobObject, content).String()
}

// History returns git log entries touching path, most recent first,
// capped at limit (0 = unbounded).
func (s *GitFileStore) History(path string, limit int) ([]GitLogEntry, error) {
	head, err := s.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("filemgr: head: %w", err)
	}
	iter, err := s.repo.Log(&git.LogOptions{From: head.Hash(), FileName: strPtr(filepath.ToSlash(path))})
	if err != nil {
		return nil, fmt.Errorf("filemgr: log %s: %w", path, err)
	}
	defer iter.Close()

	var entries []GitLogEntry
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(entries) >= limit {
			return fmt.Errorf("stop")
		}
		entries = append(entries, GitLogEntry{Hash: c.Hash.String(), Message: c.Message, When: c.Author.When})
		return nil
	})
	if err != nil && err.Error() != "stop" {
		return nil, fmt.Errorf("filemgr: iterate log %s: %w", path, err)
	}
	return entries, nil
}

// GitLogEntry is one commit touching a tracked path.
type GitLogEntry struct {
	Hash    string
	Message string
	When    time.Time
}

func strPtr(s string) *string { return &s }
