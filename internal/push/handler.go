// Package push admits and applies decoded push commands. Admission runs an
// ordered stage pipeline over every command before anything is written, so
// one bad command rejects the whole push; the apply phase then mutates in
// command order and compensates on failure.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gavel/internal/access"
	"gavel/internal/auth"
	"gavel/internal/change"
	"gavel/internal/gitrepo"
	"gavel/internal/identity"
	"gavel/internal/refs"
	"gavel/internal/store"
	"gavel/internal/util"
)

var (
	// ErrUnknownTargetBranch rejects a magic-branch push whose destination
	// branch does not exist.
	ErrUnknownTargetBranch = errors.New("unknown target branch")

	// ErrBranchProtected rejects a direct push the acting account is not
	// allowed to make.
	ErrBranchProtected = errors.New("branch is protected")

	ErrTagDeletionForbidden = errors.New("tag deletion forbidden")
)

const zeroHash = "0000000000000000000000000000000000000000"

// Command is one decoded push command: update RefName from OldHash to
// NewHash. The zero hash (or "") on either side means absent.
type Command struct {
	RefName string
	OldHash string
	NewHash string
}

// IsDelete reports whether the command removes the ref.
func (c Command) IsDelete() bool {
	return c.NewHash == "" || c.NewHash == zeroHash
}

// IsCreate reports whether the command expects the ref to not exist yet.
func (c Command) IsCreate() bool {
	return c.OldHash == "" || c.OldHash == zeroHash
}

// CommandResult reports what one admitted command did.
type CommandResult struct {
	RefName         string
	Kind            string
	ChangeNumber    int64
	ChangeKey       string
	PatchSet        int
	VirtualRef      string
	Created         bool
	SubmitRequested bool
}

// Result is the outcome of a whole push.
type Result struct {
	Commands []CommandResult
}

type recordStore interface {
	GetProject(ctx context.Context, name string) (store.Project, error)
	DeleteChange(ctx context.Context, number int64) error
}

type objectStore interface {
	Commit(project, hash string) (gitrepo.CommitInfo, error)
	Ref(project, name string) (string, error)
	UpdateRef(project, name, oldHash, newHash string) error
	IsAncestor(project, ancestor, descendant string) (bool, error)
	BranchExists(project, branch string) (bool, error)
}

type changeManager interface {
	CreateOrUpdate(ctx context.Context, in change.UploadInput) (*change.Outcome, error)
}

// Handler runs pushes end to end: admission stages, then the apply phase.
type Handler struct {
	store   recordStore
	git     objectStore
	changes changeManager
	access  access.Checker

	allowDirect bool
	timeout     time.Duration
}

func NewHandler(dataStore *store.PostgresStore, gitService *gitrepo.Service, changes *change.Manager, checker access.Checker, allowDirect bool, timeout time.Duration) *Handler {
	return newHandler(dataStore, gitService, changes, checker, allowDirect, timeout)
}

func newHandler(dataStore recordStore, gitService objectStore, changes changeManager, checker access.Checker, allowDirect bool, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		store:       dataStore,
		git:         gitService,
		changes:     changes,
		access:      checker,
		allowDirect: allowDirect,
		timeout:     timeout,
	}
}

// pushContext carries the per-push state the stages share.
type pushContext struct {
	ctx     context.Context
	project string
	actor   auth.Actor
	proj    store.Project
}

// pushCommand is one command annotated by the admission stages.
type pushCommand struct {
	Command
	class       refs.Classification
	commit      gitrepo.CommitInfo // loaded for non-delete commands
	changeKey   string             // set for magic and trunk commands
	observedTip string             // target ref value at admission time, "" if absent
	fastForward bool
}

type stage struct {
	name string
	run  func(*pushContext, *pushCommand) error
}

func (h *Handler) stages() []stage {
	return []stage{
		{"classify", h.classifyStage},
		{"branch-exists", h.branchExistsStage},
		{"protection", h.protectionStage},
		{"identity", h.identityStage},
	}
}

// Process admits every command, then applies them in order. Admission does
// no writes; a rejection anywhere leaves the repository untouched. Apply
// failures undo the writes already made before returning.
func (h *Handler) Process(ctx context.Context, project string, actor auth.Actor, commands []Command) (*Result, error) {
	if len(commands) == 0 {
		return &Result{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	proj, err := h.store.GetProject(ctx, project)
	if err != nil {
		return nil, err
	}
	pc := &pushContext{ctx: ctx, project: project, actor: actor, proj: proj}

	admitted := make([]*pushCommand, len(commands))
	for i := range commands {
		admitted[i] = &pushCommand{Command: commands[i]}
	}
	for _, st := range h.stages() {
		for _, cmd := range admitted {
			if err := st.run(pc, cmd); err != nil {
				return nil, fmt.Errorf("%s %s: %w", st.name, cmd.RefName, err)
			}
		}
	}

	return h.apply(pc, admitted)
}

func (h *Handler) classifyStage(pc *pushContext, cmd *pushCommand) error {
	class, err := refs.Classify(cmd.RefName, pc.proj.TrunkBranch, h.allowDirect)
	if err != nil {
		return err
	}
	switch class.Kind {
	case refs.KindVirtual:
		return fmt.Errorf("the %s namespace is read-only: %w", refs.ChangesPrefix, ErrBranchProtected)
	case refs.KindOther:
		return fmt.Errorf("unsupported ref namespace %q", cmd.RefName)
	case refs.KindMagic:
		if cmd.IsDelete() {
			return fmt.Errorf("cannot delete %q", cmd.RefName)
		}
	}
	cmd.class = class

	if !cmd.IsDelete() {
		commit, err := h.git.Commit(pc.project, cmd.NewHash)
		if err != nil {
			return fmt.Errorf("read pushed commit: %w", err)
		}
		cmd.commit = commit
	}
	return nil
}

func (h *Handler) branchExistsStage(pc *pushContext, cmd *pushCommand) error {
	switch cmd.class.Kind {
	case refs.KindMagic:
		ok, err := h.git.BranchExists(pc.project, cmd.class.Target)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("branch %q: %w", cmd.class.Target, ErrUnknownTargetBranch)
		}

	case refs.KindTrunk, refs.KindBranch, refs.KindProtected, refs.KindTag:
		tip, err := h.git.Ref(pc.project, cmd.RefName)
		if err != nil && !errors.Is(err, gitrepo.ErrRefNotFound) {
			return err
		}
		cmd.observedTip = tip
		switch {
		case cmd.IsDelete():
		case tip == "":
			cmd.fastForward = true
		case tip == cmd.NewHash:
			cmd.fastForward = true
		default:
			ok, err := h.git.IsAncestor(pc.project, tip, cmd.NewHash)
			if err != nil {
				return err
			}
			cmd.fastForward = ok
		}
	}
	return nil
}

func (h *Handler) protectionStage(pc *pushContext, cmd *pushCommand) error {
	switch cmd.class.Kind {
	case refs.KindProtected:
		if !h.access.CanForcePush(pc.actor.ID, pc.project, cmd.class.Target) {
			return fmt.Errorf("branch %q accepts changes through %s%s only: %w",
				cmd.class.Target, refs.MagicPrefix, cmd.class.Target, ErrBranchProtected)
		}

	case refs.KindTrunk, refs.KindBranch:
		if cmd.IsDelete() || !cmd.fastForward {
			if !h.access.CanForcePush(pc.actor.ID, pc.project, cmd.class.Target) {
				return fmt.Errorf("non-fast-forward update of %q: %w", cmd.class.Target, ErrBranchProtected)
			}
		}

	case refs.KindTag:
		if cmd.IsDelete() && !h.access.CanDeleteTags(pc.actor.ID, pc.project) {
			return fmt.Errorf("tag %q: %w", cmd.class.Target, ErrTagDeletionForbidden)
		}
	}
	return nil
}

func (h *Handler) identityStage(pc *pushContext, cmd *pushCommand) error {
	if cmd.IsDelete() {
		return nil
	}
	switch cmd.class.Kind {
	case refs.KindTrunk:
		key, err := identity.Extract(cmd.commit.Message)
		if err != nil {
			return fmt.Errorf("%w; install the commit-msg hook to add one", err)
		}
		cmd.changeKey = key

	case refs.KindMagic:
		key, err := identity.Extract(cmd.commit.Message)
		switch {
		case err == nil:
			cmd.changeKey = key
		case errors.Is(err, identity.ErrMultipleChangeIDs):
			return err
		default:
			// Missing or malformed footer: mint a fresh identity from
			// the commit's own content.
			cmd.changeKey = identity.Generate(
				cmd.commit.Tree,
				cmd.commit.Parents,
				cmd.commit.Author.Ident(),
				cmd.commit.Committer.Ident(),
				identity.Strip(cmd.commit.Message),
			)
		}
	}
	return nil
}

// undoFn reverses one applied mutation. Undos run in reverse order; a
// failing undo is logged and the rest still run.
type undoFn func() error

func (h *Handler) apply(pc *pushContext, commands []*pushCommand) (*Result, error) {
	var undos []undoFn
	rollback := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			if err := undos[i](); err != nil {
				slog.Error("push rollback step failed",
					slog.String("project", pc.project),
					slog.Any("error", err))
			}
		}
	}

	result := &Result{Commands: make([]CommandResult, 0, len(commands))}
	for _, cmd := range commands {
		res, undo, err := h.applyOne(pc, cmd)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("apply %s: %w", cmd.RefName, err)
		}
		undos = append(undos, undo...)
		result.Commands = append(result.Commands, res)
	}
	return result, nil
}

func (h *Handler) applyOne(pc *pushContext, cmd *pushCommand) (CommandResult, []undoFn, error) {
	res := CommandResult{RefName: cmd.RefName, Kind: cmd.class.Kind.String()}

	switch cmd.class.Kind {
	case refs.KindMagic:
		outcome, err := h.changes.CreateOrUpdate(pc.ctx, change.UploadInput{
			Project:    pc.project,
			ChangeKey:  cmd.changeKey,
			DestBranch: cmd.class.Target,
			Commit:     cmd.NewHash,
			Uploader:   pc.actor.Ident(),
			Options:    cmd.class.Options,
		})
		if err != nil {
			return res, nil, err
		}
		res.ChangeNumber = outcome.Change.Number
		res.ChangeKey = outcome.Change.ChangeKey
		res.PatchSet = outcome.PatchSet.Number
		res.VirtualRef = outcome.VirtualRef
		res.Created = outcome.Created
		res.SubmitRequested = cmd.class.Options.Submit
		return res, h.changeUndos(pc, outcome), nil

	case refs.KindTrunk, refs.KindBranch, refs.KindProtected:
		newHash := cmd.NewHash
		if cmd.IsDelete() {
			newHash = ""
		}
		if err := h.git.UpdateRef(pc.project, cmd.RefName, cmd.observedTip, newHash); err != nil {
			if errors.Is(err, gitrepo.ErrStaleRef) {
				return res, nil, fmt.Errorf("%s: %w", cmd.RefName, store.ErrConcurrentModification)
			}
			return res, nil, err
		}
		refName, oldTip := cmd.RefName, cmd.observedTip
		undos := []undoFn{func() error {
			return h.git.UpdateRef(pc.project, refName, newHash, oldTip)
		}}

		if cmd.class.Kind == refs.KindTrunk && !cmd.IsDelete() {
			// A reviewed-bypass landing still gets a change record so the
			// key's history stays queryable.
			outcome, err := h.changes.CreateOrUpdate(pc.ctx, change.UploadInput{
				Project:    pc.project,
				ChangeKey:  cmd.changeKey,
				DestBranch: cmd.class.Target,
				Commit:     cmd.NewHash,
				Uploader:   pc.actor.Ident(),
				Direct:     true,
			})
			if err != nil {
				return res, undos, err
			}
			res.ChangeNumber = outcome.Change.Number
			res.ChangeKey = outcome.Change.ChangeKey
			res.PatchSet = outcome.PatchSet.Number
			res.Created = outcome.Created
			undos = append(undos, h.changeUndos(pc, outcome)...)
		}
		return res, undos, nil

	case refs.KindTag:
		newHash := cmd.NewHash
		if cmd.IsDelete() {
			newHash = ""
		}
		oldHash := cmd.OldHash
		if cmd.IsCreate() {
			oldHash = ""
		}
		if err := h.git.UpdateRef(pc.project, cmd.RefName, oldHash, newHash); err != nil {
			if errors.Is(err, gitrepo.ErrStaleRef) {
				return res, nil, fmt.Errorf("%s: %w", cmd.RefName, store.ErrConcurrentModification)
			}
			return res, nil, err
		}
		refName := cmd.RefName
		return res, []undoFn{func() error {
			return h.git.UpdateRef(pc.project, refName, newHash, oldHash)
		}}, nil
	}

	return res, nil, fmt.Errorf("unreachable kind %s for %q", cmd.class.Kind, cmd.RefName)
}

// changeUndos compensates a CreateOrUpdate. A created change is deleted
// along with its virtual ref; an appended patch set cannot be detached
// cleanly, so it is logged and left in place.
func (h *Handler) changeUndos(pc *pushContext, outcome *change.Outcome) []undoFn {
	if !outcome.Created {
		number, ps := outcome.Change.Number, outcome.PatchSet.Number
		commit := outcome.PatchSet.CommitHash
		return []undoFn{func() error {
			slog.Warn("push rolled back after appending a patch set; the patch set remains",
				slog.String("project", pc.project),
				slog.Int64("change", number),
				slog.Int("patchSet", ps),
				slog.String("commit", util.Abbrev(commit)))
			return nil
		}}
	}
	number := outcome.Change.Number
	ref := outcome.VirtualRef
	commit := outcome.PatchSet.CommitHash
	return []undoFn{func() error {
		if err := h.store.DeleteChange(pc.ctx, number); err != nil {
			return fmt.Errorf("delete change %d: %w", number, err)
		}
		if err := h.git.UpdateRef(pc.project, ref, commit, ""); err != nil && !errors.Is(err, gitrepo.ErrRefNotFound) {
			return fmt.Errorf("delete %s: %w", ref, err)
		}
		return nil
	}}
}

// HookGuidance is the remediation text returned alongside identity
// rejections on direct trunk pushes.
func HookGuidance() string {
	return strings.TrimSpace(`
Every commit pushed to the trunk needs a Change-Id footer. Install the
commit-msg hook in your clone and amend the commit:

  curl -Lo .git/hooks/commit-msg <server>/tools/hooks/commit-msg
  chmod +x .git/hooks/commit-msg
  git commit --amend --no-edit
`)
}
