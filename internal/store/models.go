package store

import "time"

// Change lifecycle states.
const (
	StatusNew       = "NEW"
	StatusMerged    = "MERGED"
	StatusAbandoned = "ABANDONED"
)

// Patch-set kinds, classified relative to the previous patch set.
const (
	KindRework                 = "REWORK"
	KindTrivialRebase          = "TRIVIAL_REBASE"
	KindNoCodeChange           = "NO_CODE_CHANGE"
	KindNoChange               = "NO_CHANGE"
	KindMergeFirstParentUpdate = "MERGE_FIRST_PARENT_UPDATE"
)

// Submit policies a project can be configured with.
const (
	PolicyFastForwardOnly  = "fast-forward-only"
	PolicyMergeIfNecessary = "merge-if-necessary"
)

type Project struct {
	Name         string
	TrunkBranch  string
	SubmitPolicy string
	CreatedAt    time.Time
}

type Change struct {
	Number          int64
	Project         string
	ChangeKey       string
	DestBranch      string
	Subject         string
	Status          string
	Owner           string
	CurrentPatchSet int
	Topic           string
	WIP             bool
	Private         bool
	Reviewers       []string
	CCs             []string
	CherryPickOf    string
	SubmittedBy     string
	SubmittedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Version         int64
}

type PatchSet struct {
	ChangeNumber int64
	Number       int
	CommitHash   string
	ParentHashes []string
	TreeHash     string
	Uploader     string
	Description  string
	Kind         string
	CreatedAt    time.Time
}

type Approval struct {
	ChangeNumber int64
	PatchSet     int
	Label        string
	Voter        string
	Value        int
	GrantedAt    time.Time
}

// ChangeFilter narrows ListChanges. Zero values mean "any".
type ChangeFilter struct {
	Project string
	Status  string
	Branch  string
	Topic   string
	Limit   int
}
