// Package change owns the review-change lifecycle: minting change records
// from pushed commits, appending patch sets, and the NEW/MERGED/ABANDONED
// state machine.
package change

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gavel/internal/gitrepo"
	"gavel/internal/refs"
	"gavel/internal/store"
)

var (
	ErrAlreadyMerged    = errors.New("change is already merged")
	ErrAlreadyAbandoned = errors.New("change is already abandoned")
	ErrNotAbandoned     = errors.New("change is not abandoned")

	// ErrPatchSetExists rejects a commit that is already a patch set of
	// the same change.
	ErrPatchSetExists = errors.New("commit is already a patch set of this change")
)

type recordStore interface {
	NextChangeNumber(context.Context) (int64, error)
	CreateChangeWithPatchSet(context.Context, store.Change, store.PatchSet) (store.Change, error)
	AppendPatchSet(context.Context, store.Change, store.PatchSet) (store.Change, error)
	GetChangeByKey(context.Context, string, string) (store.Change, error)
	ListPatchSets(context.Context, int64) ([]store.PatchSet, error)
	UpdateChangeCAS(context.Context, store.Change) (store.Change, error)
}

type objectStore interface {
	Commit(project, hash string) (gitrepo.CommitInfo, error)
	DiffAgainstFirstParent(project, hash string) (map[string]gitrepo.BlobChange, error)
	UpdateRef(project, name, oldHash, newHash string) error
}

// UploadInput describes one admitted push command aimed at the review
// workflow.
type UploadInput struct {
	Project    string
	ChangeKey  string
	DestBranch string
	Commit     string
	Uploader   string
	Options    refs.PushOptions

	// CherryPickOf carries provenance ("project~number/patchSet") when the
	// commit was produced by a cherry-pick.
	CherryPickOf string

	// Direct marks a commit that landed on the destination branch without
	// review; the change record is created or closed as MERGED.
	Direct bool
}

// Outcome reports what a push command did to the change record.
type Outcome struct {
	Change     store.Change
	PatchSet   store.PatchSet
	VirtualRef string
	Created    bool
}

// Manager is the only writer of current_patch_set. Mutations of one
// (project, changeKey) pair are serialized through a keyed lock; the
// store's version CAS backstops writers outside this process.
type Manager struct {
	store recordStore
	git   objectStore

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewManager(dataStore *store.PostgresStore, gitService *gitrepo.Service) *Manager {
	return &Manager{
		store: dataStore,
		git:   gitService,
		locks: make(map[string]*sync.Mutex),
	}
}

// KeyLock returns the serialization lock for one (project, changeKey)
// pair, for callers that need to hold it across a read-check-update span
// of their own.
func (m *Manager) KeyLock(project, changeKey string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	name := project + "~" + changeKey
	if _, ok := m.locks[name]; !ok {
		m.locks[name] = &sync.Mutex{}
	}
	return m.locks[name]
}

// CreateOrUpdate creates the change for a first-seen key or appends the
// next patch set to an existing one.
func (m *Manager) CreateOrUpdate(ctx context.Context, in UploadInput) (*Outcome, error) {
	commit, err := m.git.Commit(in.Project, in.Commit)
	if err != nil {
		return nil, fmt.Errorf("read pushed commit: %w", err)
	}

	lock := m.KeyLock(in.Project, in.ChangeKey)
	lock.Lock()
	defer lock.Unlock()

	existing, err := m.store.GetChangeByKey(ctx, in.Project, in.ChangeKey)
	if errors.Is(err, store.ErrNotFound) {
		return m.create(ctx, in, commit)
	}
	if err != nil {
		return nil, err
	}
	return m.appendTo(ctx, in, commit, existing)
}

func (m *Manager) create(ctx context.Context, in UploadInput, commit gitrepo.CommitInfo) (*Outcome, error) {
	number, err := m.store.NextChangeNumber(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	item := store.Change{
		Number:          number,
		Project:         in.Project,
		ChangeKey:       in.ChangeKey,
		DestBranch:      in.DestBranch,
		Subject:         commit.Subject(),
		Status:          store.StatusNew,
		Owner:           in.Uploader,
		CurrentPatchSet: 1,
		CherryPickOf:    in.CherryPickOf,
	}
	applyOptions(&item, in.Options)
	if in.Direct {
		item.Status = store.StatusMerged
		item.SubmittedBy = in.Uploader
		item.SubmittedAt = &now
	}
	ps := store.PatchSet{
		ChangeNumber: number,
		Number:       1,
		CommitHash:   commit.Hash,
		ParentHashes: commit.Parents,
		TreeHash:     commit.Tree,
		Uploader:     in.Uploader,
		Kind:         store.KindRework,
		CreatedAt:    now,
	}

	ref := refs.VirtualRef(number, 1)
	if err := m.git.UpdateRef(in.Project, ref, "", commit.Hash); err != nil {
		return nil, fmt.Errorf("write virtual ref: %w", err)
	}
	created, err := m.store.CreateChangeWithPatchSet(ctx, item, ps)
	if err != nil {
		_ = m.git.UpdateRef(in.Project, ref, commit.Hash, "")
		return nil, err
	}
	return &Outcome{Change: created, PatchSet: ps, VirtualRef: ref, Created: true}, nil
}

func (m *Manager) appendTo(ctx context.Context, in UploadInput, commit gitrepo.CommitInfo, item store.Change) (*Outcome, error) {
	sets, err := m.store.ListPatchSets(ctx, item.Number)
	if err != nil {
		return nil, err
	}
	var prev store.PatchSet
	for _, ps := range sets {
		if ps.Number == item.CurrentPatchSet {
			prev = ps
		}
		if ps.CommitHash == commit.Hash {
			if in.Direct && item.Status == store.StatusMerged {
				// Re-announcing an already merged commit is a no-op.
				return &Outcome{Change: item, PatchSet: ps, VirtualRef: refs.VirtualRef(item.Number, ps.Number)}, nil
			}
			return nil, fmt.Errorf("commit %s: %w", commit.Hash, ErrPatchSetExists)
		}
	}
	switch item.Status {
	case store.StatusMerged:
		return nil, fmt.Errorf("change %d: %w", item.Number, ErrAlreadyMerged)
	case store.StatusAbandoned:
		return nil, fmt.Errorf("change %d: %w", item.Number, ErrAlreadyAbandoned)
	}
	if prev.CommitHash == "" {
		return nil, fmt.Errorf("change %d patch set %d: %w", item.Number, item.CurrentPatchSet, store.ErrNotFound)
	}

	prevCommit, err := m.git.Commit(in.Project, prev.CommitHash)
	if err != nil {
		return nil, fmt.Errorf("read previous patch set: %w", err)
	}
	prevDiff, err := m.git.DiffAgainstFirstParent(in.Project, prev.CommitHash)
	if err != nil {
		return nil, fmt.Errorf("diff previous patch set: %w", err)
	}
	nextDiff, err := m.git.DiffAgainstFirstParent(in.Project, commit.Hash)
	if err != nil {
		return nil, fmt.Errorf("diff pushed commit: %w", err)
	}

	now := time.Now().UTC()
	next := item.CurrentPatchSet + 1
	ps := store.PatchSet{
		ChangeNumber: item.Number,
		Number:       next,
		CommitHash:   commit.Hash,
		ParentHashes: commit.Parents,
		TreeHash:     commit.Tree,
		Uploader:     in.Uploader,
		Kind:         ClassifyKind(prevCommit, commit, prevDiff, nextDiff),
		CreatedAt:    now,
	}

	item.CurrentPatchSet = next
	item.Subject = commit.Subject()
	applyOptions(&item, in.Options)
	if in.Direct {
		item.Status = store.StatusMerged
		item.SubmittedBy = in.Uploader
		item.SubmittedAt = &now
	}

	ref := refs.VirtualRef(item.Number, next)
	if err := m.git.UpdateRef(in.Project, ref, "", commit.Hash); err != nil {
		return nil, fmt.Errorf("write virtual ref: %w", err)
	}
	updated, err := m.store.AppendPatchSet(ctx, item, ps)
	if err != nil {
		_ = m.git.UpdateRef(in.Project, ref, commit.Hash, "")
		return nil, err
	}
	return &Outcome{Change: updated, PatchSet: ps, VirtualRef: ref}, nil
}

// Abandon moves an open change to ABANDONED.
func (m *Manager) Abandon(ctx context.Context, project, changeKey string) (store.Change, error) {
	return m.mutate(ctx, project, changeKey, func(item *store.Change) error {
		if err := requireOpen(item); err != nil {
			return err
		}
		item.Status = store.StatusAbandoned
		return nil
	})
}

// Restore moves an abandoned change back to NEW.
func (m *Manager) Restore(ctx context.Context, project, changeKey string) (store.Change, error) {
	return m.mutate(ctx, project, changeKey, func(item *store.Change) error {
		switch item.Status {
		case store.StatusMerged:
			return fmt.Errorf("change %d: %w", item.Number, ErrAlreadyMerged)
		case store.StatusNew:
			return fmt.Errorf("change %d: %w", item.Number, ErrNotAbandoned)
		}
		item.Status = store.StatusNew
		return nil
	})
}

func (m *Manager) SetTopic(ctx context.Context, project, changeKey, topic string) (store.Change, error) {
	return m.mutate(ctx, project, changeKey, func(item *store.Change) error {
		if err := requireOpen(item); err != nil {
			return err
		}
		item.Topic = topic
		return nil
	})
}

func (m *Manager) SetWIP(ctx context.Context, project, changeKey string, wip bool) (store.Change, error) {
	return m.mutate(ctx, project, changeKey, func(item *store.Change) error {
		if err := requireOpen(item); err != nil {
			return err
		}
		item.WIP = wip
		return nil
	})
}

func (m *Manager) mutate(ctx context.Context, project, changeKey string, apply func(*store.Change) error) (store.Change, error) {
	lock := m.KeyLock(project, changeKey)
	lock.Lock()
	defer lock.Unlock()

	item, err := m.store.GetChangeByKey(ctx, project, changeKey)
	if err != nil {
		return store.Change{}, err
	}
	if err := apply(&item); err != nil {
		return store.Change{}, err
	}
	return m.store.UpdateChangeCAS(ctx, item)
}

func requireOpen(item *store.Change) error {
	switch item.Status {
	case store.StatusMerged:
		return fmt.Errorf("change %d: %w", item.Number, ErrAlreadyMerged)
	case store.StatusAbandoned:
		return fmt.Errorf("change %d: %w", item.Number, ErrAlreadyAbandoned)
	}
	return nil
}

func applyOptions(item *store.Change, opts refs.PushOptions) {
	if opts.Topic != "" {
		item.Topic = opts.Topic
	}
	if opts.WIP {
		item.WIP = true
	}
	if opts.Private {
		item.Private = true
	}
	item.Reviewers = mergeMembers(item.Reviewers, opts.Reviewers)
	item.CCs = mergeMembers(item.CCs, opts.CCs)
}

func mergeMembers(have, add []string) []string {
	for _, member := range add {
		seen := false
		for _, existing := range have {
			if existing == member {
				seen = true
				break
			}
		}
		if !seen {
			have = append(have, member)
		}
	}
	return have
}
