package push

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"gavel/internal/access"
	"gavel/internal/auth"
	"gavel/internal/change"
	"gavel/internal/gitrepo"
	"gavel/internal/identity"
	"gavel/internal/store"
)

type fakeRecords struct {
	projects map[string]store.Project
	deleted  []int64
}

func (f *fakeRecords) GetProject(_ context.Context, name string) (store.Project, error) {
	item, ok := f.projects[name]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	return item, nil
}

func (f *fakeRecords) DeleteChange(_ context.Context, number int64) error {
	f.deleted = append(f.deleted, number)
	return nil
}

type fakeGit struct {
	commits    map[string]gitrepo.CommitInfo
	refs       map[string]string
	ancestors  map[string]bool
	refUpdates []string
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		commits:   make(map[string]gitrepo.CommitInfo),
		refs:      make(map[string]string),
		ancestors: make(map[string]bool),
	}
}

func (f *fakeGit) Commit(_, hash string) (gitrepo.CommitInfo, error) {
	info, ok := f.commits[hash]
	if !ok {
		return gitrepo.CommitInfo{}, fmt.Errorf("commit %s not found", hash)
	}
	return info, nil
}

func (f *fakeGit) Ref(_, name string) (string, error) {
	hash, ok := f.refs[name]
	if !ok {
		return "", gitrepo.ErrRefNotFound
	}
	return hash, nil
}

func (f *fakeGit) UpdateRef(_, name, oldHash, newHash string) error {
	if f.refs[name] != oldHash {
		return gitrepo.ErrStaleRef
	}
	if newHash == "" {
		delete(f.refs, name)
	} else {
		f.refs[name] = newHash
	}
	f.refUpdates = append(f.refUpdates, name+":"+oldHash+"->"+newHash)
	return nil
}

func (f *fakeGit) IsAncestor(_, ancestor, descendant string) (bool, error) {
	return f.ancestors[ancestor+".."+descendant], nil
}

func (f *fakeGit) BranchExists(_, branch string) (bool, error) {
	_, ok := f.refs["refs/heads/"+branch]
	return ok, nil
}

type fakeChanges struct {
	inputs  []change.UploadInput
	outcome *change.Outcome
	errs    []error // popped per call, nil entries succeed
}

func (f *fakeChanges) CreateOrUpdate(_ context.Context, in change.UploadInput) (*change.Outcome, error) {
	f.inputs = append(f.inputs, in)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.outcome != nil {
		return f.outcome, nil
	}
	return &change.Outcome{
		Change:     store.Change{Number: 7, ChangeKey: in.ChangeKey, CurrentPatchSet: 1},
		PatchSet:   store.PatchSet{ChangeNumber: 7, Number: 1, CommitHash: in.Commit},
		VirtualRef: "refs/changes/07/7/1",
		Created:    true,
	}, nil
}

const testKey = "Ibbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

var (
	testActor = auth.Actor{ID: "u1", Name: "Sam", Email: "sam@example.com"}
	testSig   = gitrepo.Signature{Name: "Sam", Email: "sam@example.com", When: time.Now()}
)

func handlerFixture(allowDirect bool, checker access.Checker) (*Handler, *fakeRecords, *fakeGit, *fakeChanges) {
	records := &fakeRecords{projects: map[string]store.Project{
		"widgets": {Name: "widgets", TrunkBranch: "main", SubmitPolicy: store.PolicyFastForwardOnly},
	}}
	git := newFakeGit()
	git.refs["refs/heads/main"] = "tip0"
	git.commits["c1"] = gitrepo.CommitInfo{
		Hash:      "c1",
		Tree:      "t1",
		Parents:   []string{"tip0"},
		Author:    testSig,
		Committer: testSig,
		Message:   "Add a widget\n\nChange-Id: " + testKey + "\n",
	}
	changes := &fakeChanges{}
	if checker == nil {
		checker = access.NewStatic(nil, nil)
	}
	return newHandler(records, git, changes, checker, allowDirect, time.Minute), records, git, changes
}

func TestProcessMagicPushCreatesChange(t *testing.T) {
	h, _, _, changes := handlerFixture(false, nil)

	result, err := h.Process(context.Background(), "widgets", testActor,
		[]Command{{RefName: "refs/for/main%topic=widgets,r=alice", OldHash: zeroHash, NewHash: "c1"}})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.Commands) != 1 {
		t.Fatalf("results = %d, want 1", len(result.Commands))
	}
	res := result.Commands[0]
	if !res.Created || res.ChangeNumber != 7 || res.PatchSet != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.VirtualRef != "refs/changes/07/7/1" {
		t.Errorf("virtual ref = %q", res.VirtualRef)
	}
	in := changes.inputs[0]
	if in.ChangeKey != testKey || in.DestBranch != "main" {
		t.Errorf("unexpected upload input: %+v", in)
	}
	if in.Options.Topic != "widgets" || len(in.Options.Reviewers) != 1 {
		t.Errorf("push options not carried: %+v", in.Options)
	}
}

func TestProcessMagicPushUnknownBranch(t *testing.T) {
	h, _, git, changes := handlerFixture(false, nil)

	_, err := h.Process(context.Background(), "widgets", testActor,
		[]Command{{RefName: "refs/for/release", OldHash: zeroHash, NewHash: "c1"}})
	if !errors.Is(err, ErrUnknownTargetBranch) {
		t.Fatalf("Process() error = %v, want ErrUnknownTargetBranch", err)
	}
	if len(git.refUpdates) != 0 || len(changes.inputs) != 0 {
		t.Error("admission rejection must not write")
	}
}

func TestProcessAllOrNothingAdmission(t *testing.T) {
	h, _, git, changes := handlerFixture(false, nil)
	git.commits["c2"] = gitrepo.CommitInfo{
		Hash: "c2", Tree: "t2", Parents: []string{"tip0"},
		Author: testSig, Committer: testSig,
		Message: "Two footers\n\nChange-Id: " + testKey + "\nChange-Id: " + testKey + "\n",
	}

	_, err := h.Process(context.Background(), "widgets", testActor, []Command{
		{RefName: "refs/for/main", OldHash: zeroHash, NewHash: "c1"},
		{RefName: "refs/for/main", OldHash: zeroHash, NewHash: "c2"},
	})
	if !errors.Is(err, identity.ErrMultipleChangeIDs) {
		t.Fatalf("Process() error = %v, want ErrMultipleChangeIDs", err)
	}
	if len(changes.inputs) != 0 {
		t.Error("one bad command must reject the whole push before any write")
	}
}

func TestProcessMagicPushMintsMissingKey(t *testing.T) {
	h, _, git, changes := handlerFixture(false, nil)
	git.commits["c3"] = gitrepo.CommitInfo{
		Hash: "c3", Tree: "t3", Parents: []string{"tip0"},
		Author: testSig, Committer: testSig,
		Message: "No footer here\n",
	}

	_, err := h.Process(context.Background(), "widgets", testActor,
		[]Command{{RefName: "refs/for/main", OldHash: zeroHash, NewHash: "c3"}})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	minted := changes.inputs[0].ChangeKey
	if !identity.Valid(minted) {
		t.Errorf("minted key %q is malformed", minted)
	}
	if minted == testKey {
		t.Error("minted key must derive from the commit, not reuse another")
	}
}

func TestProcessTrunkPushRequiresChangeID(t *testing.T) {
	checker := access.NewStatic([]string{"u1"}, nil)
	h, _, git, _ := handlerFixture(false, checker)
	git.commits["c4"] = gitrepo.CommitInfo{
		Hash: "c4", Tree: "t4", Parents: []string{"tip0"},
		Author: testSig, Committer: testSig,
		Message: "Untracked commit\n",
	}
	git.ancestors["tip0..c4"] = true

	_, err := h.Process(context.Background(), "widgets", testActor,
		[]Command{{RefName: "refs/heads/main", OldHash: "tip0", NewHash: "c4"}})
	if !errors.Is(err, identity.ErrMissingChangeID) {
		t.Fatalf("Process() error = %v, want ErrMissingChangeID", err)
	}
	if !strings.Contains(err.Error(), "commit-msg hook") {
		t.Errorf("rejection should point at the commit-msg hook: %v", err)
	}
	if git.refs["refs/heads/main"] != "tip0" {
		t.Error("trunk must not move on rejection")
	}
}

func TestProcessTrunkPushRecordsDirectChange(t *testing.T) {
	h, _, git, changes := handlerFixture(false, nil)
	git.ancestors["tip0..c1"] = true

	result, err := h.Process(context.Background(), "widgets", testActor,
		[]Command{{RefName: "refs/heads/main", OldHash: "tip0", NewHash: "c1"}})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if git.refs["refs/heads/main"] != "c1" {
		t.Errorf("trunk = %s, want c1", git.refs["refs/heads/main"])
	}
	if len(changes.inputs) != 1 || !changes.inputs[0].Direct {
		t.Fatalf("expected one Direct upload, got %+v", changes.inputs)
	}
	if changes.inputs[0].ChangeKey != testKey {
		t.Errorf("change key = %q, want footer key", changes.inputs[0].ChangeKey)
	}
	if result.Commands[0].Kind != "trunk" {
		t.Errorf("kind = %q, want trunk", result.Commands[0].Kind)
	}
}

func TestProcessProtectedBranchRejected(t *testing.T) {
	h, _, git, _ := handlerFixture(false, nil)
	git.refs["refs/heads/stable-1"] = "s0"

	_, err := h.Process(context.Background(), "widgets", testActor,
		[]Command{{RefName: "refs/heads/stable-1", OldHash: "s0", NewHash: "c1"}})
	if !errors.Is(err, ErrBranchProtected) {
		t.Fatalf("Process() error = %v, want ErrBranchProtected", err)
	}
}

func TestProcessForcePusherMayUpdateProtectedBranch(t *testing.T) {
	checker := access.NewStatic([]string{"u1"}, nil)
	h, _, git, _ := handlerFixture(false, checker)
	git.refs["refs/heads/stable-1"] = "s0"

	_, err := h.Process(context.Background(), "widgets", testActor,
		[]Command{{RefName: "refs/heads/stable-1", OldHash: "s0", NewHash: "c1"}})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if git.refs["refs/heads/stable-1"] != "c1" {
		t.Errorf("branch = %s, want c1", git.refs["refs/heads/stable-1"])
	}
}

func TestProcessNonFastForwardDirectPush(t *testing.T) {
	h, _, git, _ := handlerFixture(true, nil)
	git.refs["refs/heads/feature"] = "f0"
	// c1 does not descend from f0.

	_, err := h.Process(context.Background(), "widgets", testActor,
		[]Command{{RefName: "refs/heads/feature", OldHash: "f0", NewHash: "c1"}})
	if !errors.Is(err, ErrBranchProtected) {
		t.Fatalf("Process() error = %v, want ErrBranchProtected", err)
	}
}

func TestProcessTagDeletion(t *testing.T) {
	h, _, git, _ := handlerFixture(false, nil)
	git.refs["refs/tags/v1.0"] = "c1"

	_, err := h.Process(context.Background(), "widgets", testActor,
		[]Command{{RefName: "refs/tags/v1.0", OldHash: "c1", NewHash: zeroHash}})
	if !errors.Is(err, ErrTagDeletionForbidden) {
		t.Fatalf("Process() error = %v, want ErrTagDeletionForbidden", err)
	}

	allowed := access.NewStatic(nil, []string{"u1"})
	h2, _, git2, _ := handlerFixture(false, allowed)
	git2.refs["refs/tags/v1.0"] = "c1"
	if _, err := h2.Process(context.Background(), "widgets", testActor,
		[]Command{{RefName: "refs/tags/v1.0", OldHash: "c1", NewHash: zeroHash}}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if _, ok := git2.refs["refs/tags/v1.0"]; ok {
		t.Error("tag should be gone")
	}
}

func TestProcessVirtualRefIsReadOnly(t *testing.T) {
	h, _, _, _ := handlerFixture(false, nil)

	_, err := h.Process(context.Background(), "widgets", testActor,
		[]Command{{RefName: "refs/changes/07/7/1", OldHash: zeroHash, NewHash: "c1"}})
	if !errors.Is(err, ErrBranchProtected) {
		t.Fatalf("Process() error = %v, want ErrBranchProtected", err)
	}
}

func TestProcessApplyFailureRollsBack(t *testing.T) {
	h, records, git, changes := handlerFixture(false, nil)
	changes.errs = []error{store.ErrConcurrentModification}

	// Tag creation applies first, then the magic push fails; the tag must
	// be removed again and no change record may survive.
	_, err := h.Process(context.Background(), "widgets", testActor, []Command{
		{RefName: "refs/tags/v2.0", OldHash: zeroHash, NewHash: "c1"},
		{RefName: "refs/for/main", OldHash: zeroHash, NewHash: "c1"},
	})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("Process() error = %v, want ErrConcurrentModification", err)
	}
	if _, ok := git.refs["refs/tags/v2.0"]; ok {
		t.Error("tag creation was not rolled back")
	}
	if len(records.deleted) != 0 {
		t.Error("no change was created, none may be deleted")
	}
}

func TestProcessRollbackDeletesCreatedChange(t *testing.T) {
	h, records, git, changes := handlerFixture(false, nil)
	git.commits["c5"] = gitrepo.CommitInfo{
		Hash: "c5", Tree: "t5", Parents: []string{"tip0"},
		Author: testSig, Committer: testSig,
		Message: "Second change\n\nChange-Id: Icccccccccccccccccccccccccccccccccccccccc\n",
	}
	git.refs["refs/changes/07/7/1"] = "c1"
	changes.errs = []error{nil, store.ErrConcurrentModification}

	_, err := h.Process(context.Background(), "widgets", testActor, []Command{
		{RefName: "refs/for/main", OldHash: zeroHash, NewHash: "c1"},
		{RefName: "refs/for/main", OldHash: zeroHash, NewHash: "c5"},
	})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("Process() error = %v, want ErrConcurrentModification", err)
	}
	if len(records.deleted) != 1 || records.deleted[0] != 7 {
		t.Errorf("deleted changes = %v, want [7]", records.deleted)
	}
	if _, ok := git.refs["refs/changes/07/7/1"]; ok {
		t.Error("virtual ref of the rolled-back change should be gone")
	}
}

func TestProcessEmptyPush(t *testing.T) {
	h, _, _, _ := handlerFixture(false, nil)
	result, err := h.Process(context.Background(), "widgets", testActor, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(result.Commands) != 0 {
		t.Errorf("results = %d, want 0", len(result.Commands))
	}
}
