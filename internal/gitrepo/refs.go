package gitrepo

import (
	"errors"
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Ref resolves a full reference name to its commit hash. A missing ref is
// ErrRefNotFound.
func (s *Service) Ref(project, name string) (string, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(project)
	if err != nil {
		return "", err
	}
	return refHash(repo, name)
}

// UpdateRef compare-and-swaps a reference. oldHash is the expected current
// value ("" means the ref must not exist); newHash is the value to set
// ("" deletes the ref). A mismatch between oldHash and the actual current
// value fails with ErrStaleRef and changes nothing.
func (s *Service) UpdateRef(project, name, oldHash, newHash string) error {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(project)
	if err != nil {
		return err
	}

	current, err := refHash(repo, name)
	if err != nil && !errors.Is(err, ErrRefNotFound) {
		return err
	}
	if current != oldHash {
		return fmt.Errorf("update %s: expected %s, found %s: %w", name, orNone(oldHash), orNone(current), ErrStaleRef)
	}

	refName := plumbing.ReferenceName(name)
	if newHash == "" {
		if err := repo.Storer.RemoveReference(refName); err != nil {
			return fmt.Errorf("delete ref %s: %w", name, err)
		}
		return nil
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(refName, plumbing.NewHash(newHash))); err != nil {
		return fmt.Errorf("set ref %s: %w", name, err)
	}
	return nil
}

// BranchExists reports whether refs/heads/<branch> resolves.
func (s *Service) BranchExists(project, branch string) (bool, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(project)
	if err != nil {
		return false, err
	}
	_, err = refHash(repo, plumbing.NewBranchReferenceName(branch).String())
	if errors.Is(err, ErrRefNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func refHash(repo *git.Repository, name string) (string, error) {
	ref, err := repo.Reference(plumbing.ReferenceName(name), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", fmt.Errorf("%s: %w", name, ErrRefNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read ref %s: %w", name, err)
	}
	return ref.Hash().String(), nil
}

func orNone(hash string) string {
	if hash == "" {
		return "(none)"
	}
	return hash
}
