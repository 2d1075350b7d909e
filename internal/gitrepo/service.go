package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// ErrNoOrigin marks operations that need a configured remote when none is.
// Callers treat it as recoverable: local commits still happen.
var ErrNoOrigin = errors.New("no backup remote configured")

const originRemote = "origin"

type Options struct {
	Dir         string
	Remote      string
	Branch      string
	AuthorName  string
	AuthorEmail string
}

// Service owns the local backup repository. The lock serializes individual
// git operations; whole export runs are serialized by the caller.
type Service struct {
	opts Options
	mu   sync.Mutex
}

func New(opts Options) *Service {
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	return &Service{opts: opts}
}

func (s *Service) Dir() string {
	return s.opts.Dir
}

// Prepare makes the local clone ready for writing: clone when the
// directory is missing, open otherwise. Clone failure is fatal.
func (s *Service) Prepare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.opts.Dir); err == nil {
		if _, err := git.PlainOpen(s.opts.Dir); err != nil {
			return fmt.Errorf("open backup repo: %w", err)
		}
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat backup dir: %w", err)
	}

	if s.opts.Remote == "" {
		return s.initLocal()
	}

	_, err := git.PlainCloneContext(ctx, s.opts.Dir, false, &git.CloneOptions{
		URL:           s.opts.Remote,
		ReferenceName: plumbing.NewBranchReferenceName(s.opts.Branch),
		SingleBranch:  true,
	})
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		// Fresh remote with no commits yet: start locally and push later.
		return s.initLocal()
	}
	if err != nil {
		return fmt.Errorf("clone backup repo: %w", err)
	}
	return nil
}

func (s *Service) initLocal() error {
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	repo, err := git.PlainInitWithOptions(s.opts.Dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(s.opts.Branch),
		},
	})
	if err != nil {
		return fmt.Errorf("init backup repo: %w", err)
	}
	if s.opts.Remote != "" {
		if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{
			Name: originRemote,
			URLs: []string{s.opts.Remote},
		}); err != nil {
			return fmt.Errorf("configure backup remote: %w", err)
		}
	}
	return nil
}

// Pull fast-forwards the local clone from origin. Already-up-to-date is
// not an error; a missing remote reports ErrNoOrigin.
func (s *Service) Pull(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.opts.Dir)
	if err != nil {
		return fmt.Errorf("open backup repo: %w", err)
	}
	if _, err := repo.Remote(originRemote); err != nil {
		return ErrNoOrigin
	}
	if empty, err := isEmpty(repo); err != nil {
		return err
	} else if empty {
		return nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	pullCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	err = worktree.PullContext(pullCtx, &git.PullOptions{
		RemoteName:    originRemote,
		ReferenceName: plumbing.NewBranchReferenceName(s.opts.Branch),
		SingleBranch:  true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pull backup repo: %w", err)
	}
	return nil
}

// Commit stages the given paths (relative to the repo root) and commits
// them. Paths absent from both the worktree and the index are skipped, so
// a run that produced no files under one of them still commits the rest.
// When nothing actually changed, no commit is made and committed is false.
func (s *Service) Commit(paths []string, message string) (committed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.opts.Dir)
	if err != nil {
		return false, fmt.Errorf("open backup repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("open worktree: %w", err)
	}

	for _, path := range paths {
		if _, err := worktree.Add(path); err != nil {
			if errors.Is(err, index.ErrEntryNotFound) {
				continue
			}
			return false, fmt.Errorf("git add %s: %w", path, err)
		}
	}

	status, err := worktree.Status()
	if err != nil {
		return false, fmt.Errorf("read worktree status: %w", err)
	}
	if status.IsClean() {
		return false, nil
	}

	_, err = worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.opts.AuthorName,
			Email: s.opts.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("commit backup: %w", err)
	}
	return true, nil
}

// Push sends the branch to origin. A missing remote reports ErrNoOrigin so
// the caller can downgrade it to a warning.
func (s *Service) Push(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.opts.Dir)
	if err != nil {
		return fmt.Errorf("open backup repo: %w", err)
	}
	if _, err := repo.Remote(originRemote); err != nil {
		return ErrNoOrigin
	}

	pushCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	err = repo.PushContext(pushCtx, &git.PushOptions{RemoteName: originRemote})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push backup repo: %w", err)
	}
	return nil
}

// History returns the most recent commit messages on the backup branch,
// newest first.
func (s *Service) History(limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("open backup repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	messages := make([]string, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		messages = append(messages, commitObj.Message)
		if limit > 0 && len(messages) >= limit {
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return messages, nil
}

var errStopIteration = errors.New("stop iteration")

func isEmpty(repo *git.Repository) (bool, error) {
	_, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve head: %w", err)
	}
	return false, nil
}
