// Package search indexes changes for full-text lookup. Meilisearch is the
// primary index; Postgres FTS serves when it is absent or unhealthy.
package search

import (
	"context"
	"log/slog"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		slog.Warn("meilisearch error, falling back to pgfts", slog.Any("error", err))
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		slog.Error("pgfts search failed", slog.Any("error", err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexChange pushes one change into Meilisearch, fire-and-forget.
func (s *Service) IndexChange(record ChangeRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexChange(record); err != nil {
			slog.Warn("index change failed", slog.String("id", record.ID), slog.Any("error", err))
		}
	}()
}


// ReindexAllFromPG reads every change from Postgres and pushes the batch to
// Meilisearch. Called during bootstrap when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		slog.Warn("reindex load failed", slog.Any("error", err))
		return
	}
	if err := s.meili.IndexChanges(records); err != nil {
		slog.Warn("reindex changes failed", slog.Any("error", err))
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
