package change

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"gavel/internal/gitrepo"
	"gavel/internal/refs"
	"gavel/internal/store"
)

type fakeRecords struct {
	seq     int64
	changes map[string]store.Change
	sets    map[int64][]store.PatchSet

	createErr error
	appendErr error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		changes: make(map[string]store.Change),
		sets:    make(map[int64][]store.PatchSet),
	}
}

func (f *fakeRecords) NextChangeNumber(context.Context) (int64, error) {
	f.seq++
	return f.seq, nil
}

func (f *fakeRecords) CreateChangeWithPatchSet(_ context.Context, item store.Change, ps store.PatchSet) (store.Change, error) {
	if f.createErr != nil {
		return store.Change{}, f.createErr
	}
	name := item.Project + "~" + item.ChangeKey
	if _, ok := f.changes[name]; ok {
		return store.Change{}, store.ErrDuplicateChangeForKey
	}
	item.Version = 1
	f.changes[name] = item
	f.sets[item.Number] = []store.PatchSet{ps}
	return item, nil
}

func (f *fakeRecords) AppendPatchSet(_ context.Context, item store.Change, ps store.PatchSet) (store.Change, error) {
	if f.appendErr != nil {
		return store.Change{}, f.appendErr
	}
	name := item.Project + "~" + item.ChangeKey
	current, ok := f.changes[name]
	if !ok || current.Version != item.Version {
		return store.Change{}, store.ErrConcurrentModification
	}
	item.Version++
	f.changes[name] = item
	f.sets[item.Number] = append(f.sets[item.Number], ps)
	return item, nil
}

func (f *fakeRecords) GetChangeByKey(_ context.Context, project, changeKey string) (store.Change, error) {
	item, ok := f.changes[project+"~"+changeKey]
	if !ok {
		return store.Change{}, store.ErrNotFound
	}
	return item, nil
}

func (f *fakeRecords) ListPatchSets(_ context.Context, number int64) ([]store.PatchSet, error) {
	return f.sets[number], nil
}

func (f *fakeRecords) UpdateChangeCAS(_ context.Context, item store.Change) (store.Change, error) {
	name := item.Project + "~" + item.ChangeKey
	current, ok := f.changes[name]
	if !ok || current.Version != item.Version {
		return store.Change{}, store.ErrConcurrentModification
	}
	item.Version++
	f.changes[name] = item
	return item, nil
}

type fakeGit struct {
	commits map[string]gitrepo.CommitInfo
	diffs   map[string]map[string]gitrepo.BlobChange
	refs    map[string]string

	refErr error
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		commits: make(map[string]gitrepo.CommitInfo),
		diffs:   make(map[string]map[string]gitrepo.BlobChange),
		refs:    make(map[string]string),
	}
}

func (f *fakeGit) Commit(_, hash string) (gitrepo.CommitInfo, error) {
	info, ok := f.commits[hash]
	if !ok {
		return gitrepo.CommitInfo{}, fmt.Errorf("commit %s not found", hash)
	}
	return info, nil
}

func (f *fakeGit) DiffAgainstFirstParent(_, hash string) (map[string]gitrepo.BlobChange, error) {
	return f.diffs[hash], nil
}

func (f *fakeGit) UpdateRef(project, name, oldHash, newHash string) error {
	if f.refErr != nil {
		return f.refErr
	}
	key := project + " " + name
	if f.refs[key] != oldHash {
		return gitrepo.ErrStaleRef
	}
	if newHash == "" {
		delete(f.refs, key)
		return nil
	}
	f.refs[key] = newHash
	return nil
}

func newTestManager() (*Manager, *fakeRecords, *fakeGit) {
	records := newFakeRecords()
	git := newFakeGit()
	m := &Manager{store: records, git: git, locks: make(map[string]*sync.Mutex)}
	return m, records, git
}

func addCommit(git *fakeGit, hash, tree string, parents []string, message string) {
	git.commits[hash] = gitrepo.CommitInfo{
		Hash:      hash,
		Tree:      tree,
		Parents:   parents,
		Author:    gitrepo.Signature{Name: "Alice", Email: "alice@example.com"},
		Committer: gitrepo.Signature{Name: "Alice", Email: "alice@example.com"},
		Message:   message,
	}
}

const testKey = "I0123456789012345678901234567890123456789"

func TestCreateOrUpdateCreatesChange(t *testing.T) {
	m, records, git := newTestManager()
	addCommit(git, "c1", "t1", []string{"base"}, "Add widget\n\nChange-Id: "+testKey+"\n")

	out, err := m.CreateOrUpdate(context.Background(), UploadInput{
		Project:    "widgets",
		ChangeKey:  testKey,
		DestBranch: "main",
		Commit:     "c1",
		Uploader:   "Alice <alice@example.com>",
		Options:    refs.PushOptions{Topic: "widget-launch", Reviewers: []string{"Bob"}},
	})
	if err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}
	if !out.Created {
		t.Fatal("CreateOrUpdate() Created = false, want true")
	}
	if out.Change.Number != 1 || out.Change.Status != store.StatusNew || out.Change.CurrentPatchSet != 1 {
		t.Fatalf("CreateOrUpdate() change = %+v, want number 1, NEW, patch set 1", out.Change)
	}
	if out.Change.Subject != "Add widget" || out.Change.Topic != "widget-launch" {
		t.Fatalf("CreateOrUpdate() subject/topic = %q/%q", out.Change.Subject, out.Change.Topic)
	}
	if len(out.Change.Reviewers) != 1 || out.Change.Reviewers[0] != "Bob" {
		t.Fatalf("CreateOrUpdate() reviewers = %v", out.Change.Reviewers)
	}
	if out.PatchSet.Number != 1 || out.PatchSet.Kind != store.KindRework || out.PatchSet.CommitHash != "c1" {
		t.Fatalf("CreateOrUpdate() patch set = %+v", out.PatchSet)
	}
	if out.VirtualRef != "refs/changes/01/1/1" {
		t.Fatalf("CreateOrUpdate() ref = %s", out.VirtualRef)
	}
	if git.refs["widgets refs/changes/01/1/1"] != "c1" {
		t.Fatalf("virtual ref not written: %v", git.refs)
	}
	if len(records.sets[1]) != 1 {
		t.Fatalf("stored %d patch sets, want 1", len(records.sets[1]))
	}
}

func TestCreateOrUpdateAppendsPatchSet(t *testing.T) {
	m, records, git := newTestManager()
	addCommit(git, "c1", "t1", []string{"base"}, "Add widget\n\nChange-Id: "+testKey+"\n")
	addCommit(git, "c2", "t2", []string{"base"}, "Add widget properly\n\nChange-Id: "+testKey+"\n")
	git.diffs["c1"] = map[string]gitrepo.BlobChange{"a.txt": {To: "b1"}}
	git.diffs["c2"] = map[string]gitrepo.BlobChange{"a.txt": {To: "b2"}}

	in := UploadInput{Project: "widgets", ChangeKey: testKey, DestBranch: "main", Commit: "c1", Uploader: "Alice"}
	if _, err := m.CreateOrUpdate(context.Background(), in); err != nil {
		t.Fatalf("CreateOrUpdate(c1) error = %v", err)
	}
	in.Commit = "c2"
	out, err := m.CreateOrUpdate(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateOrUpdate(c2) error = %v", err)
	}
	if out.Created {
		t.Fatal("CreateOrUpdate() Created = true, want false")
	}
	if out.Change.CurrentPatchSet != 2 || out.Change.ChangeKey != testKey {
		t.Fatalf("CreateOrUpdate() change = %+v, want patch set 2, same key", out.Change)
	}
	if out.Change.Subject != "Add widget properly" {
		t.Fatalf("CreateOrUpdate() subject = %q, want updated subject", out.Change.Subject)
	}
	if out.PatchSet.Number != 2 || out.PatchSet.Kind != store.KindRework {
		t.Fatalf("CreateOrUpdate() patch set = %+v, want number 2 REWORK", out.PatchSet)
	}
	if git.refs["widgets refs/changes/01/1/2"] != "c2" {
		t.Fatalf("second virtual ref not written: %v", git.refs)
	}
	if len(records.sets[1]) != 2 {
		t.Fatalf("stored %d patch sets, want 2", len(records.sets[1]))
	}
}

func TestCreateOrUpdateRejectsKnownCommit(t *testing.T) {
	m, _, git := newTestManager()
	addCommit(git, "c1", "t1", []string{"base"}, "Add widget\n\nChange-Id: "+testKey+"\n")

	in := UploadInput{Project: "widgets", ChangeKey: testKey, DestBranch: "main", Commit: "c1", Uploader: "Alice"}
	if _, err := m.CreateOrUpdate(context.Background(), in); err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}
	if _, err := m.CreateOrUpdate(context.Background(), in); !errors.Is(err, ErrPatchSetExists) {
		t.Fatalf("CreateOrUpdate(same commit) error = %v, want ErrPatchSetExists", err)
	}
}

func TestCreateOrUpdateRejectsClosedChanges(t *testing.T) {
	m, records, git := newTestManager()
	addCommit(git, "c1", "t1", []string{"base"}, "Add widget\n\nChange-Id: "+testKey+"\n")
	addCommit(git, "c2", "t2", []string{"base"}, "Another attempt\n\nChange-Id: "+testKey+"\n")

	in := UploadInput{Project: "widgets", ChangeKey: testKey, DestBranch: "main", Commit: "c1", Uploader: "Alice"}
	if _, err := m.CreateOrUpdate(context.Background(), in); err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}

	item := records.changes["widgets~"+testKey]
	item.Status = store.StatusMerged
	records.changes["widgets~"+testKey] = item

	in.Commit = "c2"
	if _, err := m.CreateOrUpdate(context.Background(), in); !errors.Is(err, ErrAlreadyMerged) {
		t.Fatalf("CreateOrUpdate(merged) error = %v, want ErrAlreadyMerged", err)
	}

	item.Status = store.StatusAbandoned
	records.changes["widgets~"+testKey] = item
	if _, err := m.CreateOrUpdate(context.Background(), in); !errors.Is(err, ErrAlreadyAbandoned) {
		t.Fatalf("CreateOrUpdate(abandoned) error = %v, want ErrAlreadyAbandoned", err)
	}
}

func TestCreateOrUpdateCompensatesFailedCreate(t *testing.T) {
	m, records, git := newTestManager()
	addCommit(git, "c1", "t1", []string{"base"}, "Add widget\n\nChange-Id: "+testKey+"\n")
	records.createErr = errors.New("db down")

	_, err := m.CreateOrUpdate(context.Background(), UploadInput{
		Project: "widgets", ChangeKey: testKey, DestBranch: "main", Commit: "c1", Uploader: "Alice",
	})
	if err == nil {
		t.Fatal("CreateOrUpdate() error = nil, want failure")
	}
	if _, ok := git.refs["widgets refs/changes/01/1/1"]; ok {
		t.Fatal("virtual ref left behind after failed create")
	}
}

func TestCreateOrUpdateCompensatesFailedAppend(t *testing.T) {
	m, records, git := newTestManager()
	addCommit(git, "c1", "t1", []string{"base"}, "Add widget\n\nChange-Id: "+testKey+"\n")
	addCommit(git, "c2", "t2", []string{"base"}, "Add widget properly\n\nChange-Id: "+testKey+"\n")

	in := UploadInput{Project: "widgets", ChangeKey: testKey, DestBranch: "main", Commit: "c1", Uploader: "Alice"}
	if _, err := m.CreateOrUpdate(context.Background(), in); err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}

	records.appendErr = store.ErrConcurrentModification
	in.Commit = "c2"
	if _, err := m.CreateOrUpdate(context.Background(), in); !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("CreateOrUpdate() error = %v, want ErrConcurrentModification", err)
	}
	if _, ok := git.refs["widgets refs/changes/01/1/2"]; ok {
		t.Fatal("virtual ref left behind after failed append")
	}
	if len(records.sets[1]) != 1 {
		t.Fatalf("stored %d patch sets after failed append, want 1", len(records.sets[1]))
	}
}

func TestDirectPushCreatesMergedChange(t *testing.T) {
	m, _, git := newTestManager()
	addCommit(git, "c1", "t1", []string{"base"}, "Hotfix\n\nChange-Id: "+testKey+"\n")

	out, err := m.CreateOrUpdate(context.Background(), UploadInput{
		Project: "widgets", ChangeKey: testKey, DestBranch: "main", Commit: "c1",
		Uploader: "Alice <alice@example.com>", Direct: true,
	})
	if err != nil {
		t.Fatalf("CreateOrUpdate(direct) error = %v", err)
	}
	if out.Change.Status != store.StatusMerged {
		t.Fatalf("CreateOrUpdate(direct) status = %s, want MERGED", out.Change.Status)
	}
	if out.Change.SubmittedBy != "Alice <alice@example.com>" || out.Change.SubmittedAt == nil {
		t.Fatalf("CreateOrUpdate(direct) submitter = %q/%v", out.Change.SubmittedBy, out.Change.SubmittedAt)
	}
}

func TestDirectReannounceIsNoOp(t *testing.T) {
	m, records, git := newTestManager()
	addCommit(git, "c1", "t1", []string{"base"}, "Hotfix\n\nChange-Id: "+testKey+"\n")

	in := UploadInput{Project: "widgets", ChangeKey: testKey, DestBranch: "main", Commit: "c1", Uploader: "Alice", Direct: true}
	if _, err := m.CreateOrUpdate(context.Background(), in); err != nil {
		t.Fatalf("CreateOrUpdate(direct) error = %v", err)
	}
	out, err := m.CreateOrUpdate(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateOrUpdate(direct again) error = %v", err)
	}
	if out.Created || out.PatchSet.Number != 1 {
		t.Fatalf("CreateOrUpdate(direct again) = %+v, want existing patch set 1", out)
	}
	if len(records.sets[1]) != 1 {
		t.Fatalf("stored %d patch sets, want 1", len(records.sets[1]))
	}
}

func TestAbandonRestoreCycle(t *testing.T) {
	m, records, git := newTestManager()
	addCommit(git, "c1", "t1", []string{"base"}, "Add widget\n\nChange-Id: "+testKey+"\n")
	addCommit(git, "c2", "t2", []string{"base"}, "Add widget again\n\nChange-Id: "+testKey+"\n")

	in := UploadInput{Project: "widgets", ChangeKey: testKey, DestBranch: "main", Commit: "c1", Uploader: "Alice"}
	if _, err := m.CreateOrUpdate(context.Background(), in); err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}

	item, err := m.Abandon(context.Background(), "widgets", testKey)
	if err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}
	if item.Status != store.StatusAbandoned {
		t.Fatalf("Abandon() status = %s", item.Status)
	}
	if _, err := m.Abandon(context.Background(), "widgets", testKey); !errors.Is(err, ErrAlreadyAbandoned) {
		t.Fatalf("Abandon(again) error = %v, want ErrAlreadyAbandoned", err)
	}

	in.Commit = "c2"
	if _, err := m.CreateOrUpdate(context.Background(), in); !errors.Is(err, ErrAlreadyAbandoned) {
		t.Fatalf("CreateOrUpdate(abandoned) error = %v, want ErrAlreadyAbandoned", err)
	}

	item, err = m.Restore(context.Background(), "widgets", testKey)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if item.Status != store.StatusNew {
		t.Fatalf("Restore() status = %s", item.Status)
	}
	if _, err := m.Restore(context.Background(), "widgets", testKey); !errors.Is(err, ErrNotAbandoned) {
		t.Fatalf("Restore(open) error = %v, want ErrNotAbandoned", err)
	}

	out, err := m.CreateOrUpdate(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateOrUpdate(restored) error = %v", err)
	}
	if out.PatchSet.Number != 2 {
		t.Fatalf("CreateOrUpdate(restored) patch set = %d, want numbering to continue at 2", out.PatchSet.Number)
	}
	if len(records.sets[1]) != 2 {
		t.Fatalf("stored %d patch sets, want 2", len(records.sets[1]))
	}
}

func TestSetTopicAndWIP(t *testing.T) {
	m, records, git := newTestManager()
	addCommit(git, "c1", "t1", []string{"base"}, "Add widget\n\nChange-Id: "+testKey+"\n")

	in := UploadInput{Project: "widgets", ChangeKey: testKey, DestBranch: "main", Commit: "c1", Uploader: "Alice"}
	if _, err := m.CreateOrUpdate(context.Background(), in); err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}

	item, err := m.SetTopic(context.Background(), "widgets", testKey, "widget-launch")
	if err != nil {
		t.Fatalf("SetTopic() error = %v", err)
	}
	if item.Topic != "widget-launch" {
		t.Fatalf("SetTopic() topic = %q", item.Topic)
	}

	item, err = m.SetWIP(context.Background(), "widgets", testKey, true)
	if err != nil {
		t.Fatalf("SetWIP() error = %v", err)
	}
	if !item.WIP {
		t.Fatal("SetWIP() left WIP false")
	}

	stored := records.changes["widgets~"+testKey]
	stored.Status = store.StatusMerged
	records.changes["widgets~"+testKey] = stored
	if _, err := m.SetTopic(context.Background(), "widgets", testKey, "too-late"); !errors.Is(err, ErrAlreadyMerged) {
		t.Fatalf("SetTopic(merged) error = %v, want ErrAlreadyMerged", err)
	}
}
