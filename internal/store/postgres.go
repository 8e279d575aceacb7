package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateChangeForKey reports an insert that collided with an
	// existing (project, change_key) row.
	ErrDuplicateChangeForKey = errors.New("duplicate change for key")

	// ErrConcurrentModification reports a compare-and-swap update that
	// matched zero rows because the expected version was stale.
	ErrConcurrentModification = errors.New("concurrent modification")
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) EnsureProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (name, trunk_branch, submit_policy)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING
	`, project.Name, project.TrunkBranch, project.SubmitPolicy)
	if err != nil {
		return fmt.Errorf("ensure project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, name string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT name, trunk_branch, submit_policy, created_at
		FROM projects
		WHERE name=$1
	`, name).Scan(&item.Name, &item.TrunkBranch, &item.SubmitPolicy, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("project %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, trunk_branch, submit_policy, created_at
		FROM projects
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.Name, &item.TrunkBranch, &item.SubmitPolicy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

// NextChangeNumber hands out the next value of the global change counter.
// The single-row UPDATE serializes concurrent callers on the row lock.
func (s *PostgresStore) NextChangeNumber(ctx context.Context) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE change_sequence SET value = value + 1 WHERE id = 1 RETURNING value
	`).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("next change number: %w", err)
	}
	return value, nil
}

// CreateChangeWithPatchSet inserts a new change and its first patch set in
// one transaction so a half-created change can never be observed.
func (s *PostgresStore) CreateChangeWithPatchSet(ctx context.Context, item Change, ps PatchSet) (Change, error) {
	reviewers, ccs, err := encodeMemberLists(item.Reviewers, item.CCs)
	if err != nil {
		return Change{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Change{}, fmt.Errorf("begin create change tx: %w", err)
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO changes (number, project, change_key, dest_branch, subject, status, owner,
			current_patch_set, topic, wip, private, reviewers, ccs, cherry_pick_of, submitted_by, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13::jsonb, NULLIF($14, ''), NULLIF($15, ''), $16)
		RETURNING created_at, updated_at, version
	`,
		item.Number, item.Project, item.ChangeKey, item.DestBranch, item.Subject, item.Status, item.Owner,
		item.CurrentPatchSet, item.Topic, item.WIP, item.Private, reviewers, ccs, item.CherryPickOf,
		item.SubmittedBy, item.SubmittedAt,
	).Scan(&item.CreatedAt, &item.UpdatedAt, &item.Version)
	if err != nil {
		_ = tx.Rollback()
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.SQLState() == uniqueViolation {
			return Change{}, fmt.Errorf("change %s in %s: %w", item.ChangeKey, item.Project, ErrDuplicateChangeForKey)
		}
		return Change{}, fmt.Errorf("create change: %w", err)
	}
	if err := insertPatchSetTx(ctx, tx, ps); err != nil {
		_ = tx.Rollback()
		return Change{}, err
	}
	if err := tx.Commit(); err != nil {
		return Change{}, fmt.Errorf("commit create change: %w", err)
	}
	return item, nil
}

// AppendPatchSet bumps the change row under its version guard and inserts
// the next patch set in the same transaction. A stale version aborts the
// whole append with ErrConcurrentModification.
func (s *PostgresStore) AppendPatchSet(ctx context.Context, item Change, ps PatchSet) (Change, error) {
	reviewers, ccs, err := encodeMemberLists(item.Reviewers, item.CCs)
	if err != nil {
		return Change{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Change{}, fmt.Errorf("begin append tx: %w", err)
	}
	err = tx.QueryRowContext(ctx, `
		UPDATE changes
		SET dest_branch=$2, subject=$3, status=$4, current_patch_set=$5, topic=$6,
			wip=$7, private=$8, reviewers=$9::jsonb, ccs=$10::jsonb,
			submitted_by=NULLIF($11, ''), submitted_at=$12,
			updated_at=NOW(), version=version+1
		WHERE number=$1 AND version=$13
		RETURNING updated_at, version
	`,
		item.Number, item.DestBranch, item.Subject, item.Status, item.CurrentPatchSet, item.Topic,
		item.WIP, item.Private, reviewers, ccs, item.SubmittedBy, item.SubmittedAt, item.Version,
	).Scan(&item.UpdatedAt, &item.Version)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return Change{}, fmt.Errorf("change %d at version %d: %w", item.Number, item.Version, ErrConcurrentModification)
	}
	if err != nil {
		_ = tx.Rollback()
		return Change{}, fmt.Errorf("append patch set update: %w", err)
	}
	if err := insertPatchSetTx(ctx, tx, ps); err != nil {
		_ = tx.Rollback()
		return Change{}, err
	}
	if err := tx.Commit(); err != nil {
		return Change{}, fmt.Errorf("commit append: %w", err)
	}
	return item, nil
}

func insertPatchSetTx(ctx context.Context, tx *sql.Tx, item PatchSet) error {
	parents := item.ParentHashes
	if parents == nil {
		parents = []string{}
	}
	encodedParents, err := json.Marshal(parents)
	if err != nil {
		return fmt.Errorf("marshal parent hashes: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO patch_sets (change_number, number, commit_hash, parent_hashes, tree_hash, uploader, description, kind)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)
	`, item.ChangeNumber, item.Number, item.CommitHash, string(encodedParents), item.TreeHash, item.Uploader, item.Description, item.Kind)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.SQLState() == uniqueViolation {
			return fmt.Errorf("patch set %d of change %d: %w", item.Number, item.ChangeNumber, ErrConcurrentModification)
		}
		return fmt.Errorf("insert patch set: %w", err)
	}
	return nil
}

const changeColumns = `number, project, change_key, dest_branch, subject, status, owner,
	current_patch_set, topic, wip, private, reviewers, ccs,
	COALESCE(cherry_pick_of, ''), COALESCE(submitted_by, ''), submitted_at, created_at, updated_at, version`

func (s *PostgresStore) GetChangeByKey(ctx context.Context, project, changeKey string) (Change, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+changeColumns+`
		FROM changes
		WHERE project=$1 AND change_key=$2
	`, project, changeKey)
	item, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Change{}, fmt.Errorf("change %s in %s: %w", changeKey, project, ErrNotFound)
	}
	if err != nil {
		return Change{}, fmt.Errorf("get change by key: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetChangeByNumber(ctx context.Context, number int64) (Change, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+changeColumns+`
		FROM changes
		WHERE number=$1
	`, number)
	item, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Change{}, fmt.Errorf("change %d: %w", number, ErrNotFound)
	}
	if err != nil {
		return Change{}, fmt.Errorf("get change by number: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListChanges(ctx context.Context, filter ChangeFilter) ([]Change, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+changeColumns+`
		FROM changes
		WHERE ($1::text = '' OR project = $1)
		  AND ($2::text = '' OR status = $2)
		  AND ($3::text = '' OR dest_branch = $3)
		  AND ($4::text = '' OR topic = $4)
		ORDER BY number DESC
		LIMIT $5
	`, filter.Project, filter.Status, filter.Branch, filter.Topic, limit)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	items := make([]Change, 0)
	for rows.Next() {
		item, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return items, nil
}

// UpdateChangeCAS writes the mutable fields of item guarded by its Version.
// A zero-row match means another writer got there first.
func (s *PostgresStore) UpdateChangeCAS(ctx context.Context, item Change) (Change, error) {
	reviewers, ccs, err := encodeMemberLists(item.Reviewers, item.CCs)
	if err != nil {
		return Change{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		UPDATE changes
		SET dest_branch=$2, subject=$3, status=$4, current_patch_set=$5, topic=$6,
			wip=$7, private=$8, reviewers=$9::jsonb, ccs=$10::jsonb,
			submitted_by=NULLIF($11, ''), submitted_at=$12,
			updated_at=NOW(), version=version+1
		WHERE number=$1 AND version=$13
		RETURNING updated_at, version
	`,
		item.Number, item.DestBranch, item.Subject, item.Status, item.CurrentPatchSet, item.Topic,
		item.WIP, item.Private, reviewers, ccs, item.SubmittedBy, item.SubmittedAt, item.Version,
	).Scan(&item.UpdatedAt, &item.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Change{}, fmt.Errorf("change %d at version %d: %w", item.Number, item.Version, ErrConcurrentModification)
	}
	if err != nil {
		return Change{}, fmt.Errorf("update change: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteChange(ctx context.Context, number int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE number=$1`, number)
	if err != nil {
		return fmt.Errorf("delete change: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete change affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("change %d: %w", number, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetPatchSet(ctx context.Context, changeNumber int64, number int) (PatchSet, error) {
	var item PatchSet
	var parentsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT change_number, number, commit_hash, parent_hashes, tree_hash, uploader, description, kind, created_at
		FROM patch_sets
		WHERE change_number=$1 AND number=$2
	`, changeNumber, number).Scan(
		&item.ChangeNumber, &item.Number, &item.CommitHash, &parentsRaw,
		&item.TreeHash, &item.Uploader, &item.Description, &item.Kind, &item.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return PatchSet{}, fmt.Errorf("patch set %d of change %d: %w", number, changeNumber, ErrNotFound)
	}
	if err != nil {
		return PatchSet{}, fmt.Errorf("get patch set: %w", err)
	}
	_ = json.Unmarshal(parentsRaw, &item.ParentHashes)
	return item, nil
}

func (s *PostgresStore) ListPatchSets(ctx context.Context, changeNumber int64) ([]PatchSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT change_number, number, commit_hash, parent_hashes, tree_hash, uploader, description, kind, created_at
		FROM patch_sets
		WHERE change_number=$1
		ORDER BY number ASC
	`, changeNumber)
	if err != nil {
		return nil, fmt.Errorf("list patch sets: %w", err)
	}
	defer rows.Close()

	items := make([]PatchSet, 0)
	for rows.Next() {
		var item PatchSet
		var parentsRaw []byte
		if err := rows.Scan(
			&item.ChangeNumber, &item.Number, &item.CommitHash, &parentsRaw,
			&item.TreeHash, &item.Uploader, &item.Description, &item.Kind, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan patch set: %w", err)
		}
		_ = json.Unmarshal(parentsRaw, &item.ParentHashes)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patch sets: %w", err)
	}
	return items, nil
}

// UpsertApprovals records a batch of votes in one transaction so a rejected
// or failed write leaves no partial ballot behind.
func (s *PostgresStore) UpsertApprovals(ctx context.Context, items []Approval) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin approvals tx: %w", err)
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (change_number, patch_set, label, voter, value)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (change_number, patch_set, label, voter)
			DO UPDATE SET value=EXCLUDED.value, granted_at=NOW()
		`, item.ChangeNumber, item.PatchSet, item.Label, item.Voter, item.Value); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert approval %s: %w", item.Label, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit approvals: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, changeNumber int64, patchSet int) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT change_number, patch_set, label, voter, value, granted_at
		FROM approvals
		WHERE change_number=$1 AND patch_set=$2
		ORDER BY label ASC, voter ASC
	`, changeNumber, patchSet)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]Approval, 0)
	for rows.Next() {
		var item Approval
		if err := rows.Scan(&item.ChangeNumber, &item.PatchSet, &item.Label, &item.Voter, &item.Value, &item.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (Change, error) {
	var item Change
	var reviewersRaw, ccsRaw []byte
	if err := row.Scan(
		&item.Number,
		&item.Project,
		&item.ChangeKey,
		&item.DestBranch,
		&item.Subject,
		&item.Status,
		&item.Owner,
		&item.CurrentPatchSet,
		&item.Topic,
		&item.WIP,
		&item.Private,
		&reviewersRaw,
		&ccsRaw,
		&item.CherryPickOf,
		&item.SubmittedBy,
		&item.SubmittedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.Version,
	); err != nil {
		return Change{}, err
	}
	_ = json.Unmarshal(reviewersRaw, &item.Reviewers)
	_ = json.Unmarshal(ccsRaw, &item.CCs)
	return item, nil
}

func encodeMemberLists(reviewers, ccs []string) (string, string, error) {
	if reviewers == nil {
		reviewers = []string{}
	}
	if ccs == nil {
		ccs = []string{}
	}
	encodedReviewers, err := json.Marshal(reviewers)
	if err != nil {
		return "", "", fmt.Errorf("marshal reviewers: %w", err)
	}
	encodedCCs, err := json.Marshal(ccs)
	if err != nil {
		return "", "", fmt.Errorf("marshal ccs: %w", err)
	}
	return string(encodedReviewers), string(encodedCCs), nil
}
