package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true since losing Postgres takes the whole service
// down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the generated fts column on changes with plainto_tsquery,
// ranked by ts_rank, snippets via ts_headline.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "c.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2
	if q.FilterProject != "" {
		where += fmt.Sprintf(" AND c.project = $%d", argN)
		args = append(args, q.FilterProject)
		argN++
	}
	if q.FilterStatus != "" {
		where += fmt.Sprintf(" AND c.status = $%d", argN)
		args = append(args, q.FilterStatus)
		argN++
	}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM changes c WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.number, c.project, c.change_key, c.dest_branch, c.subject, c.status,
			ts_headline('english', c.subject || ' ' || c.topic, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM changes c
		WHERE %s
		ORDER BY ts_rank(c.fts, plainto_tsquery('english', $1)) DESC, c.number DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ChangeNumber, &r.Project, &r.ChangeKey, &r.Branch, &r.Subject, &r.Status, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every change as an index record, for reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ChangeRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT number, project, change_key, dest_branch, subject, topic, status, owner
		FROM changes
	`)
	if err != nil {
		return nil, fmt.Errorf("load changes: %w", err)
	}
	defer rows.Close()

	records := make([]ChangeRecord, 0)
	for rows.Next() {
		var r ChangeRecord
		var number int64
		if err := rows.Scan(&number, &r.Project, &r.ChangeKey, &r.Branch, &r.Subject, &r.Topic, &r.Status, &r.Owner); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		r.ID = fmt.Sprintf("%d", number)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return records, nil
}
