package change

import (
	"gavel/internal/gitrepo"
	"gavel/internal/identity"
	"gavel/internal/store"
)

// ClassifyKind grades a new patch-set commit against the previous one. The
// grade tells reviewers whether anything they already reviewed actually
// changed: a TRIVIAL_REBASE carries the same net diff onto a new base, a
// NO_CODE_CHANGE only reworded the message.
func ClassifyKind(prev, next gitrepo.CommitInfo, prevDiff, nextDiff map[string]gitrepo.BlobChange) string {
	sameTree := next.Tree == prev.Tree
	sameParents := equalHashes(next.Parents, prev.Parents)
	sameDiff := equalDiffs(prevDiff, nextDiff)

	switch {
	case sameTree && sameParents && identity.Strip(next.Message) == identity.Strip(prev.Message):
		return store.KindNoChange
	case sameTree && sameParents:
		return store.KindNoCodeChange
	case prev.IsMerge() && next.IsMerge() && firstParentRetargeted(prev.Parents, next.Parents) && sameDiff:
		return store.KindMergeFirstParentUpdate
	case !sameParents && (sameTree || sameDiff):
		return store.KindTrivialRebase
	default:
		return store.KindRework
	}
}

// firstParentRetargeted reports whether only the first parent differs
// between two merge commits' parent lists.
func firstParentRetargeted(prev, next []string) bool {
	if len(prev) != len(next) || len(prev) < 2 {
		return false
	}
	if prev[0] == next[0] {
		return false
	}
	for i := 1; i < len(prev); i++ {
		if prev[i] != next[i] {
			return false
		}
	}
	return true
}

func equalHashes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalDiffs(a, b map[string]gitrepo.BlobChange) bool {
	if len(a) != len(b) {
		return false
	}
	for path, delta := range a {
		if b[path] != delta {
			return false
		}
	}
	return true
}
