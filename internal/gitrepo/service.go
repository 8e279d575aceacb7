// Package gitrepo is the object-store collaborator: bare git repositories
// holding the commit graph that changes, patch sets, and branches point
// into. All ref mutations go through compare-and-swap; blind overwrites do
// not exist in this API.
package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	ErrRefNotFound = errors.New("ref not found")
	ErrStaleRef    = errors.New("ref changed concurrently")
)

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureProjectRepo creates the project's bare repository with an empty
// root commit on trunk. Existing repositories are left untouched.
func (s *Service) EnsureProjectRepo(project, trunk string) error {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(project)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, true)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	sig := Signature{Name: "Gavel", Email: "gavel@localhost", When: time.Now()}
	hash, err := s.writeCommit(repo, CommitInput{
		Files:     map[string][]byte{},
		Author:    sig,
		Committer: sig,
		Message:   "Initial empty repository\n",
	})
	if err != nil {
		return fmt.Errorf("write root commit: %w", err)
	}

	trunkRef := plumbing.NewBranchReferenceName(trunk)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(trunkRef, hash)); err != nil {
		return fmt.Errorf("set trunk ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, trunkRef)); err != nil {
		return fmt.Errorf("set HEAD: %w", err)
	}
	return nil
}

func (s *Service) open(project string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(project))
	if err != nil {
		return nil, fmt.Errorf("open repo %s: %w", project, err)
	}
	return repo, nil
}

func (s *Service) repoPath(project string) string {
	return filepath.Join(s.baseDir, project+".git")
}

func (s *Service) projectLock(project string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[project]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[project] = lock
	return lock
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", hash, err)
	}
	return *resolved, nil
}

func commitObject(repo *git.Repository, hash string) (*object.Commit, error) {
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commit, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return commit, nil
}
