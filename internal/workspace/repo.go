// Package workspace versions phase artifacts in a git repository so every
// gate decision can cite the exact commit it reviewed.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/config"
)

var (
	// ErrInvalidName is returned for project or phase names that are not
	// safe as path segments.
	ErrInvalidName = errors.New("invalid artifact name")

	validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
)

// Commit is one artifact revision.
type Commit struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Repo commits artifacts to <project>/<phase>.md.
type Repo struct {
	mu     sync.Mutex
	repo   *git.Repository
	root   string
	author object.Signature
	logger *zap.Logger
	now    func() time.Time
}

// Open opens the repository at cfg.Path, initialising it when missing.
func Open(cfg config.WorkspaceConfig, logger *zap.Logger) (*Repo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root, err := config.ExpandPath(cfg.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating workspace %s: %w", root, err)
	}
	repo, err := git.PlainOpen(root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(root, false)
		if err == nil {
			logger.Info("initialised artifact workspace", zap.String("path", root))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening workspace %s: %w", root, err)
	}
	name, email := cfg.AuthorName, cfg.AuthorEmail
	if name == "" {
		name = "conclave"
	}
	if email == "" {
		email = "conclave@localhost"
	}
	return &Repo{
		repo:   repo,
		root:   root,
		author: object.Signature{Name: name, Email: email},
		logger: logger.Named("workspace"),
		now:    time.Now,
	}, nil
}

// Root returns the worktree directory.
func (r *Repo) Root() string { return r.root }

// Commit writes content as the artifact for projectID's phase and commits
// it. Unchanged content returns the current HEAD without a new commit.
func (r *Repo) Commit(ctx context.Context, projectID, phase, content string) (string, error) {
	if !validName.MatchString(projectID) || !validName.MatchString(phase) {
		return "", fmt.Errorf("%w: %q/%q", ErrInvalidName, projectID, phase)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rel := path.Join(projectID, phase+".md")
	abs := filepath.Join(r.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return "", fmt.Errorf("creating %s: %w", filepath.Dir(abs), err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o640); err != nil {
		return "", fmt.Errorf("writing %s: %w", rel, err)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}
	if _, err := wt.Add(rel); err != nil {
		return "", fmt.Errorf("staging %s: %w", rel, err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("reading status: %w", err)
	}
	if status.IsClean() {
		head, err := r.repo.Head()
		if err != nil {
			return "", fmt.Errorf("reading HEAD: %w", err)
		}
		return head.Hash().String(), nil
	}

	sig := r.author
	sig.When = r.now()
	hash, err := wt.Commit(fmt.Sprintf("%s: %s", projectID, phase), &git.CommitOptions{Author: &sig})
	if err != nil {
		return "", fmt.Errorf("committing %s: %w", rel, err)
	}
	r.logger.Debug("artifact committed",
		zap.String("project.id", projectID), zap.String("phase", phase), zap.String("commit", hash.String()))
	return hash.String(), nil
}

// History lists the commits touching projectID's artifacts, newest first.
func (r *Repo) History(projectID string) ([]Commit, error) {
	if !validName.MatchString(projectID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, projectID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.repo.Head(); err != nil {
		return []Commit{}, nil
	}
	prefix := projectID + "/"
	iter, err := r.repo.Log(&git.LogOptions{
		PathFilter: func(p string) bool { return len(p) > len(prefix) && p[:len(prefix)] == prefix },
	})
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()

	out := []Commit{}
	err = iter.ForEach(func(c *object.Commit) error {
		out = append(out, Commit{Hash: c.Hash.String(), Message: c.Message, At: c.Author.When})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking log: %w", err)
	}
	return out, nil
}

// Read returns the committed artifact at HEAD.
func (r *Repo) Read(projectID, phase string) (string, error) {
	if !validName.MatchString(projectID) || !validName.MatchString(phase) {
		return "", fmt.Errorf("%w: %q/%q", ErrInvalidName, projectID, phase)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("loading %s: %w", head.Hash(), err)
	}
	f, err := commit.File(path.Join(projectID, phase+".md"))
	if err != nil {
		return "", fmt.Errorf("reading %s/%s: %w", projectID, phase, err)
	}
	return f.Contents()
}
