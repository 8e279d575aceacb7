package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gavel/internal/auth"
	"gavel/internal/change"
	"gavel/internal/config"
	"gavel/internal/events"
	"gavel/internal/gitrepo"
	"gavel/internal/push"
	"gavel/internal/refs"
	"gavel/internal/review"
	"gavel/internal/search"
	"gavel/internal/store"
	"gavel/internal/submit"
)

// The facade consumes its collaborators through interfaces so the HTTP
// tests can stand in fakes for any of them.

type recordStore interface {
	EnsureProject(ctx context.Context, project store.Project) error
	GetProject(ctx context.Context, name string) (store.Project, error)
	GetChangeByKey(ctx context.Context, project, changeKey string) (store.Change, error)
	ListChanges(ctx context.Context, filter store.ChangeFilter) ([]store.Change, error)
	ListPatchSets(ctx context.Context, changeNumber int64) ([]store.PatchSet, error)
	ListApprovals(ctx context.Context, changeNumber int64, patchSet int) ([]store.Approval, error)
}

type objectStore interface {
	EnsureProjectRepo(project, trunk string) error
	WriteCommit(project string, in gitrepo.CommitInput) (string, error)
	Snapshot(project, commitHash string) ([]byte, error)
}

type lifecycleManager interface {
	Abandon(ctx context.Context, project, changeKey string) (store.Change, error)
	Restore(ctx context.Context, project, changeKey string) (store.Change, error)
	SetTopic(ctx context.Context, project, changeKey, topic string) (store.Change, error)
	SetWIP(ctx context.Context, project, changeKey string, wip bool) (store.Change, error)
}

type pushHandler interface {
	Process(ctx context.Context, project string, actor auth.Actor, commands []push.Command) (*push.Result, error)
}

type submitEngine interface {
	Submit(ctx context.Context, project, changeKey string, submitter gitrepo.Signature) (*submit.SubmitResult, error)
	Rebase(ctx context.Context, project, changeKey string, actor gitrepo.Signature, base string) (*submit.RebaseResult, error)
	CherryPick(ctx context.Context, project, changeKey string, patchSet int, destBranch string, actor gitrepo.Signature, message string) (*submit.CherryPickResult, error)
}

type reviewService interface {
	Vote(ctx context.Context, project, changeKey string, patchSet int, voter string, votes map[string]int) ([]store.Approval, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexChange(record search.ChangeRecord)
	ReindexAllFromPG(ctx context.Context)
}

type eventSink interface {
	Emit(event events.Event)
}

// Archiver is the snapshot sink for merged changes. A nil Archiver is a
// no-op.
type Archiver interface {
	StoreAsync(project string, changeNumber int64, patchSet int, commitHash string, snapshot []byte)
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// Service composes the engines into the operations the HTTP surface
// exposes. Side effects that must never delay a mutation (events, search
// indexing, archival) are dispatched after the engine call returns.
type Service struct {
	cfg      config.Config
	db       pinger
	store    recordStore
	git      objectStore
	changes  lifecycleManager
	pushes   pushHandler
	submits  submitEngine
	reviews  reviewService
	searches searchService
	events   eventSink
	archives Archiver
}

// Deps are the collaborators of the service. Events and Archives may be
// nil; Searches must be present (Postgres FTS always works).
type Deps struct {
	DB       *sql.DB
	Store    *store.PostgresStore
	Git      *gitrepo.Service
	Changes  *change.Manager
	Pushes   *push.Handler
	Submits  *submit.Engine
	Reviews  *review.Service
	Searches *search.Service
	Events   *events.Publisher
	Archives Archiver
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:      cfg,
		db:       deps.DB,
		store:    deps.Store,
		git:      deps.Git,
		changes:  deps.Changes,
		pushes:   deps.Pushes,
		submits:  deps.Submits,
		reviews:  deps.Reviews,
		searches: deps.Searches,
		events:   deps.Events,
		archives: deps.Archives,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Bootstrap ensures every configured project exists: the record row, the
// bare repository, and an initialized trunk. Runs the search reindex when
// Meilisearch is reachable.
func (s *Service) Bootstrap(ctx context.Context) error {
	for _, name := range s.cfg.Projects {
		if err := s.store.EnsureProject(ctx, store.Project{
			Name:         name,
			TrunkBranch:  s.cfg.TrunkBranch,
			SubmitPolicy: s.cfg.SubmitPolicy,
		}); err != nil {
			return fmt.Errorf("ensure project %s: %w", name, err)
		}
		if err := s.git.EnsureProjectRepo(name, s.cfg.TrunkBranch); err != nil {
			return fmt.Errorf("ensure repo %s: %w", name, err)
		}
	}
	s.searches.ReindexAllFromPG(ctx)
	return nil
}

// UploadCommitInput carries a commit to write into a project's object
// store: file contents keyed by path, parent hashes, and the message.
type UploadCommitInput struct {
	Files   map[string]string `json:"files"`
	Parents []string          `json:"parents"`
	Message string            `json:"message"`
}

// UploadCommit writes a commit and returns its hash. It exists so clients
// can construct pushes without speaking the git wire protocol.
func (s *Service) UploadCommit(ctx context.Context, project string, actor auth.Actor, in UploadCommitInput) (string, error) {
	if strings.TrimSpace(in.Message) == "" {
		return "", &DomainError{Status: http.StatusBadRequest, Code: "invalid_body", Message: "message is required"}
	}
	if _, err := s.store.GetProject(ctx, project); err != nil {
		return "", err
	}
	files := make(map[string][]byte, len(in.Files))
	for path, content := range in.Files {
		files[path] = []byte(content)
	}
	sig := gitrepo.Signature{Name: actor.Name, Email: actor.Email, When: time.Now()}
	return s.git.WriteCommit(project, gitrepo.CommitInput{
		Files:     files,
		Parents:   in.Parents,
		Author:    sig,
		Committer: sig,
		Message:   in.Message,
	})
}

// PushCommandResult is one push command's outcome, including the submit
// outcome when the command asked for `%submit`.
type PushCommandResult struct {
	push.CommandResult
	Submitted   bool   `json:"submitted,omitempty"`
	SubmitError string `json:"submitError,omitempty"`
}

type PushResponse struct {
	Commands []PushCommandResult `json:"commands"`
}

// Push admits and applies the commands, then runs the requested submits
// and dispatches events and indexing for everything that changed.
func (s *Service) Push(ctx context.Context, project string, actor auth.Actor, commands []push.Command) (*PushResponse, error) {
	result, err := s.pushes.Process(ctx, project, actor, commands)
	if err != nil {
		return nil, err
	}

	response := &PushResponse{Commands: make([]PushCommandResult, 0, len(result.Commands))}
	for _, res := range result.Commands {
		out := PushCommandResult{CommandResult: res}
		if res.ChangeKey != "" {
			s.afterChangeMutation(ctx, project, actor, res.ChangeKey, eventForPush(res), res.PatchSet)
		}
		if res.SubmitRequested {
			if _, err := s.Submit(ctx, project, res.ChangeKey, actor); err != nil {
				out.SubmitError = err.Error()
			} else {
				out.Submitted = true
			}
		}
		response.Commands = append(response.Commands, out)
	}
	return response, nil
}

func eventForPush(res push.CommandResult) string {
	if res.Created {
		return events.TypeChangeCreated
	}
	return events.TypePatchSetCreated
}

// PatchSetDetail is one patch set plus its derived virtual ref.
type PatchSetDetail struct {
	store.PatchSet
	VirtualRef string `json:"virtualRef"`
}

// ChangeDetail is the full read model of one change.
type ChangeDetail struct {
	Change    store.Change     `json:"change"`
	PatchSets []PatchSetDetail `json:"patchSets"`
	Approvals []store.Approval `json:"approvals"`
}

func (s *Service) GetChange(ctx context.Context, project, changeKey string) (*ChangeDetail, error) {
	item, err := s.store.GetChangeByKey(ctx, project, changeKey)
	if err != nil {
		return nil, err
	}
	sets, err := s.store.ListPatchSets(ctx, item.Number)
	if err != nil {
		return nil, err
	}
	detail := &ChangeDetail{Change: item, PatchSets: make([]PatchSetDetail, 0, len(sets))}
	for _, ps := range sets {
		detail.PatchSets = append(detail.PatchSets, PatchSetDetail{
			PatchSet:   ps,
			VirtualRef: refs.VirtualRef(item.Number, ps.Number),
		})
	}
	approvals, err := s.store.ListApprovals(ctx, item.Number, item.CurrentPatchSet)
	if err != nil {
		return nil, err
	}
	detail.Approvals = approvals
	return detail, nil
}

func (s *Service) ListChanges(ctx context.Context, filter store.ChangeFilter) ([]store.Change, error) {
	return s.store.ListChanges(ctx, filter)
}

// Submit merges the change and, on success, emits the merged event,
// refreshes the index, and archives a snapshot of the new tip.
func (s *Service) Submit(ctx context.Context, project, changeKey string, actor auth.Actor) (*submit.SubmitResult, error) {
	sig := gitrepo.Signature{Name: actor.Name, Email: actor.Email, When: time.Now()}
	result, err := s.submits.Submit(ctx, project, changeKey, sig)
	if err != nil {
		return nil, err
	}

	s.emit(events.Event{
		Type:         events.TypeChangeMerged,
		Project:      project,
		ChangeNumber: result.Change.Number,
		ChangeKey:    changeKey,
		PatchSet:     result.PatchSet.Number,
		Actor:        actor.Ident(),
		Payload:      map[string]any{"newTip": result.NewTip, "fastForward": result.FastForward},
	})
	s.searches.IndexChange(toSearchRecord(result.Change))
	if s.archives != nil {
		if snapshot, err := s.git.Snapshot(project, result.NewTip); err == nil {
			s.archives.StoreAsync(project, result.Change.Number, result.PatchSet.Number, result.NewTip, snapshot)
		}
	}
	return result, nil
}

func (s *Service) Rebase(ctx context.Context, project, changeKey string, actor auth.Actor, base string) (*submit.RebaseResult, error) {
	sig := gitrepo.Signature{Name: actor.Name, Email: actor.Email, When: time.Now()}
	result, err := s.submits.Rebase(ctx, project, changeKey, sig, base)
	if err != nil {
		return nil, err
	}
	if !result.UpToDate {
		s.afterChangeMutation(ctx, project, actor, changeKey, events.TypePatchSetCreated, result.Change.CurrentPatchSet)
	}
	return result, nil
}

func (s *Service) CherryPick(ctx context.Context, project, changeKey string, patchSet int, destBranch string, actor auth.Actor, message string) (*submit.CherryPickResult, error) {
	sig := gitrepo.Signature{Name: actor.Name, Email: actor.Email, When: time.Now()}
	result, err := s.submits.CherryPick(ctx, project, changeKey, patchSet, destBranch, sig, message)
	if err != nil {
		return nil, err
	}
	created := result.Outcome.Change
	s.emit(events.Event{
		Type:         events.TypeChangeCreated,
		Project:      project,
		ChangeNumber: created.Number,
		ChangeKey:    created.ChangeKey,
		PatchSet:     result.Outcome.PatchSet.Number,
		Actor:        actor.Ident(),
		Payload:      map[string]any{"cherryPickOf": created.CherryPickOf},
	})
	s.searches.IndexChange(toSearchRecord(created))
	return result, nil
}

// Vote records a batch of label votes on one patch set. patchSet 0 means
// the current one.
func (s *Service) Vote(ctx context.Context, project, changeKey string, patchSet int, actor auth.Actor, votes map[string]int) ([]store.Approval, error) {
	approvals, err := s.reviews.Vote(ctx, project, changeKey, patchSet, actor.Ident(), votes)
	if err != nil {
		return nil, err
	}
	payload := make(map[string]any, len(votes))
	for label, value := range votes {
		payload[label] = value
	}
	item, err := s.store.GetChangeByKey(ctx, project, changeKey)
	if err == nil {
		s.emit(events.Event{
			Type:         events.TypeVoteCast,
			Project:      project,
			ChangeNumber: item.Number,
			ChangeKey:    changeKey,
			PatchSet:     item.CurrentPatchSet,
			Actor:        actor.Ident(),
			Payload:      payload,
		})
	}
	return approvals, nil
}

func (s *Service) Abandon(ctx context.Context, project, changeKey string, actor auth.Actor) (store.Change, error) {
	item, err := s.changes.Abandon(ctx, project, changeKey)
	if err != nil {
		return store.Change{}, err
	}
	s.emitChange(events.TypeChangeAbandoned, project, actor, item, nil)
	s.searches.IndexChange(toSearchRecord(item))
	return item, nil
}

func (s *Service) Restore(ctx context.Context, project, changeKey string, actor auth.Actor) (store.Change, error) {
	item, err := s.changes.Restore(ctx, project, changeKey)
	if err != nil {
		return store.Change{}, err
	}
	s.emitChange(events.TypeChangeRestored, project, actor, item, nil)
	s.searches.IndexChange(toSearchRecord(item))
	return item, nil
}

func (s *Service) SetTopic(ctx context.Context, project, changeKey, topic string, actor auth.Actor) (store.Change, error) {
	item, err := s.changes.SetTopic(ctx, project, changeKey, topic)
	if err != nil {
		return store.Change{}, err
	}
	s.emitChange(events.TypeTopicChanged, project, actor, item, map[string]any{"topic": topic})
	s.searches.IndexChange(toSearchRecord(item))
	return item, nil
}

func (s *Service) SetWIP(ctx context.Context, project, changeKey string, wip bool, actor auth.Actor) (store.Change, error) {
	return s.changes.SetWIP(ctx, project, changeKey, wip)
}

func (s *Service) Search(q search.Query) search.Response {
	return s.searches.Search(q)
}

// afterChangeMutation re-reads the change and dispatches the event and
// index update for it. Lookup failures only cost the side effects.
func (s *Service) afterChangeMutation(ctx context.Context, project string, actor auth.Actor, changeKey, eventType string, patchSet int) {
	item, err := s.store.GetChangeByKey(ctx, project, changeKey)
	if err != nil {
		return
	}
	s.emit(events.Event{
		Type:         eventType,
		Project:      project,
		ChangeNumber: item.Number,
		ChangeKey:    changeKey,
		PatchSet:     patchSet,
		Actor:        actor.Ident(),
	})
	s.searches.IndexChange(toSearchRecord(item))
}

func (s *Service) emitChange(eventType, project string, actor auth.Actor, item store.Change, payload map[string]any) {
	s.emit(events.Event{
		Type:         eventType,
		Project:      project,
		ChangeNumber: item.Number,
		ChangeKey:    item.ChangeKey,
		PatchSet:     item.CurrentPatchSet,
		Actor:        actor.Ident(),
		Payload:      payload,
	})
}

func (s *Service) emit(event events.Event) {
	if s.events == nil {
		return
	}
	s.events.Emit(event)
}

func toSearchRecord(item store.Change) search.ChangeRecord {
	return search.ChangeRecord{
		ID:        strconv.FormatInt(item.Number, 10),
		Project:   item.Project,
		ChangeKey: item.ChangeKey,
		Branch:    item.DestBranch,
		Subject:   item.Subject,
		Topic:     item.Topic,
		Status:    item.Status,
		Owner:     item.Owner,
	}
}
