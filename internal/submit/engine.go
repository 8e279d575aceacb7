// Package submit executes the state-changing operations against an existing
// change: integrating a patch set into its destination branch, rebasing it
// onto a moved tip, and cherry-picking it to another branch.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gavel/internal/change"
	"gavel/internal/gitrepo"
	"gavel/internal/identity"
	"gavel/internal/refs"
	"gavel/internal/store"
	"gavel/internal/util"
)

var (
	// ErrNonFastForward reports that the destination tip moved past the
	// patch set and the project's policy does not allow a merge commit, or
	// that the merge itself conflicted.
	ErrNonFastForward = errors.New("submit is not a fast-forward")

	ErrWorkInProgress     = errors.New("change is marked work-in-progress")
	ErrRebaseConflict     = errors.New("rebase produced conflicts")
	ErrCherryPickConflict = errors.New("cherry-pick produced conflicts")
)

type recordStore interface {
	GetProject(ctx context.Context, name string) (store.Project, error)
	GetChangeByKey(ctx context.Context, project, changeKey string) (store.Change, error)
	GetPatchSet(ctx context.Context, changeNumber int64, number int) (store.PatchSet, error)
	UpdateChangeCAS(ctx context.Context, item store.Change) (store.Change, error)
}

type objectStore interface {
	Commit(project, hash string) (gitrepo.CommitInfo, error)
	Ref(project, name string) (string, error)
	UpdateRef(project, name, oldHash, newHash string) error
	IsAncestor(project, ancestor, descendant string) (bool, error)
	MergeCommits(project, ours, theirs string, committer gitrepo.Signature, message string) (gitrepo.MergeResult, error)
	Replay(project, commitHash, onto string, committer gitrepo.Signature, message string) (gitrepo.MergeResult, error)
	BranchExists(project, branch string) (bool, error)
}

type changeManager interface {
	KeyLock(project, changeKey string) *sync.Mutex
	CreateOrUpdate(ctx context.Context, in change.UploadInput) (*change.Outcome, error)
}

// Engine serializes submits per destination branch: fast-forward eligibility
// is only meaningful against one consistent view of the branch tip.
type Engine struct {
	store   recordStore
	git     objectStore
	changes changeManager

	branchMu    sync.Mutex
	branchLocks map[string]*sync.Mutex
}

func NewEngine(dataStore *store.PostgresStore, gitService *gitrepo.Service, changes *change.Manager) *Engine {
	return &Engine{
		store:       dataStore,
		git:         gitService,
		changes:     changes,
		branchLocks: make(map[string]*sync.Mutex),
	}
}

func newEngine(dataStore recordStore, gitService objectStore, changes changeManager) *Engine {
	return &Engine{
		store:       dataStore,
		git:         gitService,
		changes:     changes,
		branchLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) branchLock(project, branch string) *sync.Mutex {
	e.branchMu.Lock()
	defer e.branchMu.Unlock()
	name := project + "~" + branch
	if _, ok := e.branchLocks[name]; !ok {
		e.branchLocks[name] = &sync.Mutex{}
	}
	return e.branchLocks[name]
}

// SubmitResult reports a successful submit.
type SubmitResult struct {
	Change      store.Change
	PatchSet    store.PatchSet
	NewTip      string
	FastForward bool
}

// Submit integrates the change's latest patch set into its destination
// branch. The branch ref moves by compare-and-swap against the observed tip;
// a concurrent writer surfaces as store.ErrConcurrentModification and the
// engine never retries on its own. Approval thresholds are the caller's
// decision, checked before this is invoked.
func (e *Engine) Submit(ctx context.Context, project, changeKey string, submitter gitrepo.Signature) (*SubmitResult, error) {
	item, err := e.store.GetChangeByKey(ctx, project, changeKey)
	if err != nil {
		return nil, err
	}

	branchLock := e.branchLock(project, item.DestBranch)
	branchLock.Lock()
	defer branchLock.Unlock()
	keyLock := e.changes.KeyLock(project, changeKey)
	keyLock.Lock()
	defer keyLock.Unlock()

	// Re-read under the locks; a concurrent submit may have closed it.
	item, err = e.store.GetChangeByKey(ctx, project, changeKey)
	if err != nil {
		return nil, err
	}
	switch item.Status {
	case store.StatusMerged:
		return nil, fmt.Errorf("change %d: %w", item.Number, change.ErrAlreadyMerged)
	case store.StatusAbandoned:
		return nil, fmt.Errorf("change %d: %w", item.Number, change.ErrAlreadyAbandoned)
	}
	if item.WIP {
		return nil, fmt.Errorf("change %d: %w", item.Number, ErrWorkInProgress)
	}

	proj, err := e.store.GetProject(ctx, project)
	if err != nil {
		return nil, err
	}
	ps, err := e.store.GetPatchSet(ctx, item.Number, item.CurrentPatchSet)
	if err != nil {
		return nil, err
	}

	branchRef := refs.BranchRef(item.DestBranch)
	tip, err := e.git.Ref(project, branchRef)
	if err != nil {
		return nil, fmt.Errorf("read destination tip: %w", err)
	}

	newTip := ps.CommitHash
	fastForward := true
	if tip != ps.CommitHash {
		ok, err := e.git.IsAncestor(project, tip, ps.CommitHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			if proj.SubmitPolicy == store.PolicyFastForwardOnly {
				return nil, fmt.Errorf("branch %s advanced past patch set %d: %w", item.DestBranch, ps.Number, ErrNonFastForward)
			}
			message := fmt.Sprintf("Merge change %d: %s\n", item.Number, item.Subject)
			merged, err := e.git.MergeCommits(project, tip, ps.CommitHash, submitter, message)
			if err != nil {
				return nil, fmt.Errorf("merge patch set: %w", err)
			}
			if !merged.Clean() {
				return nil, fmt.Errorf("paths %s: %w", strings.Join(merged.Conflicts, ", "), ErrNonFastForward)
			}
			newTip = merged.Hash
			fastForward = false
		}
	}

	if err := e.git.UpdateRef(project, branchRef, tip, newTip); err != nil {
		if errors.Is(err, gitrepo.ErrStaleRef) {
			return nil, fmt.Errorf("branch %s: %w", item.DestBranch, store.ErrConcurrentModification)
		}
		return nil, fmt.Errorf("advance %s: %w", item.DestBranch, err)
	}

	now := time.Now().UTC()
	item.Status = store.StatusMerged
	item.SubmittedBy = submitter.Ident()
	item.SubmittedAt = &now
	updated, err := e.store.UpdateChangeCAS(ctx, item)
	if err != nil {
		// Roll the branch back so the record and the ref stay consistent.
		if rollback := e.git.UpdateRef(project, branchRef, newTip, tip); rollback != nil {
			slog.Error("submit rollback failed, branch and record diverged",
				slog.String("project", project),
				slog.String("branch", item.DestBranch),
				slog.String("tip", util.Abbrev(newTip)),
				slog.Any("error", rollback))
		}
		return nil, err
	}

	return &SubmitResult{Change: updated, PatchSet: ps, NewTip: newTip, FastForward: fastForward}, nil
}

// RebaseResult reports the outcome of a rebase. UpToDate means the latest
// patch set already sat on the requested base and nothing was created.
type RebaseResult struct {
	Outcome  *change.Outcome
	UpToDate bool
	Change   store.Change
}

// Rebase replays the change's latest patch set onto a new base: the explicit
// base when given, otherwise the destination branch's current tip. The
// replayed commit runs through the patch-set manager so numbering, kind
// classification, and the virtual ref follow the one code path.
func (e *Engine) Rebase(ctx context.Context, project, changeKey string, actor gitrepo.Signature, base string) (*RebaseResult, error) {
	item, err := e.store.GetChangeByKey(ctx, project, changeKey)
	if err != nil {
		return nil, err
	}
	switch item.Status {
	case store.StatusMerged:
		return nil, fmt.Errorf("change %d: %w", item.Number, change.ErrAlreadyMerged)
	case store.StatusAbandoned:
		return nil, fmt.Errorf("change %d: %w", item.Number, change.ErrAlreadyAbandoned)
	}

	ps, err := e.store.GetPatchSet(ctx, item.Number, item.CurrentPatchSet)
	if err != nil {
		return nil, err
	}

	if base == "" {
		base, err = e.git.Ref(project, refs.BranchRef(item.DestBranch))
		if err != nil {
			return nil, fmt.Errorf("read destination tip: %w", err)
		}
	} else {
		resolved, err := e.git.Commit(project, base)
		if err != nil {
			return nil, fmt.Errorf("resolve base %s: %w", base, err)
		}
		base = resolved.Hash
	}

	commit, err := e.git.Commit(project, ps.CommitHash)
	if err != nil {
		return nil, fmt.Errorf("read patch set commit: %w", err)
	}
	if commit.FirstParent() == base {
		return &RebaseResult{UpToDate: true, Change: item}, nil
	}

	replayed, err := e.git.Replay(project, ps.CommitHash, base, actor, "")
	if err != nil {
		return nil, fmt.Errorf("replay onto %s: %w", base, err)
	}
	if !replayed.Clean() {
		return nil, fmt.Errorf("paths %s: %w", strings.Join(replayed.Conflicts, ", "), ErrRebaseConflict)
	}

	outcome, err := e.changes.CreateOrUpdate(ctx, change.UploadInput{
		Project:    project,
		ChangeKey:  changeKey,
		DestBranch: item.DestBranch,
		Commit:     replayed.Hash,
		Uploader:   actor.Ident(),
	})
	if err != nil {
		return nil, err
	}
	return &RebaseResult{Outcome: outcome, Change: outcome.Change}, nil
}

// CherryPickResult reports the brand-new change a cherry-pick created.
type CherryPickResult struct {
	Outcome *change.Outcome
	Commit  string
}

// CherryPick applies a source patch set's diff onto another branch's tip and
// opens a new change for the result. The new commit always carries a freshly
// generated Change-Id: a cherry-pick is an independent reviewable unit and
// never reuses the source identity. Merged and abandoned changes are normal
// cherry-pick sources.
func (e *Engine) CherryPick(ctx context.Context, project, changeKey string, patchSet int, destBranch string, actor gitrepo.Signature, message string) (*CherryPickResult, error) {
	item, err := e.store.GetChangeByKey(ctx, project, changeKey)
	if err != nil {
		return nil, err
	}
	if patchSet == 0 {
		patchSet = item.CurrentPatchSet
	}
	ps, err := e.store.GetPatchSet(ctx, item.Number, patchSet)
	if err != nil {
		return nil, err
	}

	tip, err := e.git.Ref(project, refs.BranchRef(destBranch))
	if err != nil {
		return nil, fmt.Errorf("read tip of %s: %w", destBranch, err)
	}

	source, err := e.git.Commit(project, ps.CommitHash)
	if err != nil {
		return nil, fmt.Errorf("read source commit: %w", err)
	}

	body := message
	if body == "" {
		body = source.Message
	}
	body = strings.TrimRight(identity.Strip(body), "\n") +
		"\n\n(cherry picked from commit " + source.Hash + ")\n"
	key := identity.Generate(ps.TreeHash, []string{tip}, actor.Ident(), actor.Ident(), body)
	full := identity.Append(body, key)

	replayed, err := e.git.Replay(project, ps.CommitHash, tip, actor, full)
	if err != nil {
		return nil, fmt.Errorf("apply onto %s: %w", destBranch, err)
	}
	if !replayed.Clean() {
		return nil, fmt.Errorf("paths %s: %w", strings.Join(replayed.Conflicts, ", "), ErrCherryPickConflict)
	}

	outcome, err := e.changes.CreateOrUpdate(ctx, change.UploadInput{
		Project:      project,
		ChangeKey:    key,
		DestBranch:   destBranch,
		Commit:       replayed.Hash,
		Uploader:     actor.Ident(),
		CherryPickOf: fmt.Sprintf("%s~%d/%d", project, item.Number, ps.Number),
	})
	if err != nil {
		return nil, err
	}
	return &CherryPickResult{Outcome: outcome, Commit: replayed.Hash}, nil
}
