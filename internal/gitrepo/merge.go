package gitrepo

import (
	"fmt"
	"sort"

	git "github.com/go-git/go-git/v5"
)

// BlobChange records one path's blob hashes on the two sides of a diff.
// An empty hash means the path is absent on that side.
type BlobChange struct {
	From string
	To   string
}

// MergeResult is the outcome of a three-way merge attempt. Hash is set on
// a clean merge; Conflicts lists the paths both sides changed differently.
type MergeResult struct {
	Hash      string
	Conflicts []string
}

// Clean reports whether the merge produced a commit.
func (r MergeResult) Clean() bool {
	return len(r.Conflicts) == 0
}

// MergeBase returns the best common ancestor of a and b, or "" when their
// histories are disjoint.
func (s *Service) MergeBase(project, a, b string) (string, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(project)
	if err != nil {
		return "", err
	}
	return mergeBase(repo, a, b)
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (s *Service) IsAncestor(project, ancestor, descendant string) (bool, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(project)
	if err != nil {
		return false, err
	}
	ancCommit, err := commitObject(repo, ancestor)
	if err != nil {
		return false, err
	}
	descCommit, err := commitObject(repo, descendant)
	if err != nil {
		return false, err
	}
	ok, err := ancCommit.IsAncestor(descCommit)
	if err != nil {
		return false, fmt.Errorf("ancestry %s..%s: %w", ancestor, descendant, err)
	}
	return ok, nil
}

// Replay applies commitHash's diff against its first parent onto the onto
// commit, preserving the original author. A conflicting replay returns the
// conflict paths and writes nothing.
func (s *Service) Replay(project, commitHash, onto string, committer Signature, message string) (MergeResult, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(project)
	if err != nil {
		return MergeResult{}, err
	}

	commit, err := commitObject(repo, commitHash)
	if err != nil {
		return MergeResult{}, err
	}
	ontoCommit, err := commitObject(repo, onto)
	if err != nil {
		return MergeResult{}, err
	}

	base := map[string]string{}
	if len(commit.ParentHashes) > 0 {
		parent, err := commitObject(repo, commit.ParentHashes[0].String())
		if err != nil {
			return MergeResult{}, err
		}
		if base, err = flattenTree(parent); err != nil {
			return MergeResult{}, err
		}
	}
	ours, err := flattenTree(ontoCommit)
	if err != nil {
		return MergeResult{}, err
	}
	theirs, err := flattenTree(commit)
	if err != nil {
		return MergeResult{}, err
	}

	merged, conflicts := mergeFileMaps(base, ours, theirs)
	if len(conflicts) > 0 {
		return MergeResult{Conflicts: conflicts}, nil
	}

	if message == "" {
		message = commit.Message
	}
	info := toCommitInfo(commit)
	hash, err := s.writeCommit(repo, CommitInput{
		Blobs:     merged,
		Parents:   []string{ontoCommit.Hash.String()},
		Author:    info.Author,
		Committer: committer,
		Message:   message,
	})
	if err != nil {
		return MergeResult{}, err
	}
	return MergeResult{Hash: hash.String()}, nil
}

// MergeCommits three-way-merges theirs into ours over their merge base and
// writes a two-parent merge commit with ours as the first parent.
func (s *Service) MergeCommits(project, ours, theirs string, committer Signature, message string) (MergeResult, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(project)
	if err != nil {
		return MergeResult{}, err
	}

	oursCommit, err := commitObject(repo, ours)
	if err != nil {
		return MergeResult{}, err
	}
	theirsCommit, err := commitObject(repo, theirs)
	if err != nil {
		return MergeResult{}, err
	}

	baseFiles := map[string]string{}
	baseHash, err := mergeBase(repo, ours, theirs)
	if err != nil {
		return MergeResult{}, err
	}
	if baseHash != "" {
		baseCommit, err := commitObject(repo, baseHash)
		if err != nil {
			return MergeResult{}, err
		}
		if baseFiles, err = flattenTree(baseCommit); err != nil {
			return MergeResult{}, err
		}
	}

	oursFiles, err := flattenTree(oursCommit)
	if err != nil {
		return MergeResult{}, err
	}
	theirsFiles, err := flattenTree(theirsCommit)
	if err != nil {
		return MergeResult{}, err
	}

	merged, conflicts := mergeFileMaps(baseFiles, oursFiles, theirsFiles)
	if len(conflicts) > 0 {
		return MergeResult{Conflicts: conflicts}, nil
	}

	hash, err := s.writeCommit(repo, CommitInput{
		Blobs:     merged,
		Parents:   []string{oursCommit.Hash.String(), theirsCommit.Hash.String()},
		Author:    committer,
		Committer: committer,
		Message:   message,
	})
	if err != nil {
		return MergeResult{}, err
	}
	return MergeResult{Hash: hash.String()}, nil
}

// DiffAgainstFirstParent returns the blob-level changes a commit makes
// relative to its first parent (relative to the empty tree for a root
// commit).
func (s *Service) DiffAgainstFirstParent(project, commitHash string) (map[string]BlobChange, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(project)
	if err != nil {
		return nil, err
	}
	commit, err := commitObject(repo, commitHash)
	if err != nil {
		return nil, err
	}

	from := map[string]string{}
	if len(commit.ParentHashes) > 0 {
		parent, err := commitObject(repo, commit.ParentHashes[0].String())
		if err != nil {
			return nil, err
		}
		if from, err = flattenTree(parent); err != nil {
			return nil, err
		}
	}
	to, err := flattenTree(commit)
	if err != nil {
		return nil, err
	}
	return diffFileMaps(from, to), nil
}

func mergeBase(repo *git.Repository, a, b string) (string, error) {
	aCommit, err := commitObject(repo, a)
	if err != nil {
		return "", err
	}
	bCommit, err := commitObject(repo, b)
	if err != nil {
		return "", err
	}
	bases, err := aCommit.MergeBase(bCommit)
	if err != nil {
		return "", fmt.Errorf("merge base %s..%s: %w", a, b, err)
	}
	if len(bases) == 0 {
		return "", nil
	}
	return bases[0].Hash.String(), nil
}

// mergeFileMaps is the blob-level three-way merge rule: agreeing sides win,
// a side that left the path at its base value yields to the other, and two
// differing rewrites of the same path conflict.
func mergeFileMaps(base, ours, theirs map[string]string) (map[string]string, []string) {
	paths := make(map[string]struct{}, len(base)+len(ours)+len(theirs))
	for path := range base {
		paths[path] = struct{}{}
	}
	for path := range ours {
		paths[path] = struct{}{}
	}
	for path := range theirs {
		paths[path] = struct{}{}
	}

	merged := make(map[string]string, len(paths))
	var conflicts []string
	for path := range paths {
		b := base[path]
		o := ours[path]
		t := theirs[path]
		switch {
		case o == t:
			if o != "" {
				merged[path] = o
			}
		case o == b:
			if t != "" {
				merged[path] = t
			}
		case t == b:
			if o != "" {
				merged[path] = o
			}
		default:
			conflicts = append(conflicts, path)
		}
	}
	sort.Strings(conflicts)
	return merged, conflicts
}

func diffFileMaps(from, to map[string]string) map[string]BlobChange {
	changes := make(map[string]BlobChange)
	for path, fromHash := range from {
		if to[path] != fromHash {
			changes[path] = BlobChange{From: fromHash, To: to[path]}
		}
	}
	for path, toHash := range to {
		if _, seen := changes[path]; seen {
			continue
		}
		if from[path] != toHash {
			changes[path] = BlobChange{From: from[path], To: toHash}
		}
	}
	return changes
}
