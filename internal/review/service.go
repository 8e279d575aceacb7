// Package review validates and records per-label approval votes against
// patch-set revisions.
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gavel/internal/change"
	"gavel/internal/store"
)

var ErrInvalidVoteRange = errors.New("vote value out of range")

// LabelRange bounds the legal values of one review label.
type LabelRange struct {
	Min int
	Max int
}

var builtinLabels = map[string]LabelRange{
	"Code-Review": {Min: -2, Max: 2},
	"Verified":    {Min: -1, Max: 1},
}

// Labels without explicit configuration get the widest built-in range.
var defaultRange = LabelRange{Min: -2, Max: 2}

type recordStore interface {
	GetChangeByKey(context.Context, string, string) (store.Change, error)
	GetPatchSet(context.Context, int64, int) (store.PatchSet, error)
	UpsertApprovals(context.Context, []store.Approval) error
}

type Service struct {
	store  recordStore
	labels map[string]LabelRange
}

func NewService(dataStore *store.PostgresStore) *Service {
	return &Service{store: dataStore, labels: builtinLabels}
}

// Range returns the bounds for a label.
func (s *Service) Range(label string) LabelRange {
	if bounds, ok := s.labels[label]; ok {
		return bounds
	}
	return defaultRange
}

// Vote applies a batch of label votes against one patch set of an open
// change. Every value is validated before anything is written; one
// out-of-range value rejects the whole batch. A repeated (voter, label,
// patch set) vote replaces the stored value. patchSet 0 targets the
// current patch set.
func (s *Service) Vote(ctx context.Context, project, changeKey string, patchSet int, voter string, votes map[string]int) ([]store.Approval, error) {
	item, err := s.store.GetChangeByKey(ctx, project, changeKey)
	if err != nil {
		return nil, err
	}
	switch item.Status {
	case store.StatusMerged:
		return nil, fmt.Errorf("change %d: %w", item.Number, change.ErrAlreadyMerged)
	case store.StatusAbandoned:
		return nil, fmt.Errorf("change %d: %w", item.Number, change.ErrAlreadyAbandoned)
	}
	if patchSet == 0 {
		patchSet = item.CurrentPatchSet
	}
	if _, err := s.store.GetPatchSet(ctx, item.Number, patchSet); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	batch := make([]store.Approval, 0, len(votes))
	for _, label := range sortedLabels(votes) {
		value := votes[label]
		bounds := s.Range(label)
		if value < bounds.Min || value > bounds.Max {
			return nil, fmt.Errorf("label %s value %d outside [%d, %d]: %w", label, value, bounds.Min, bounds.Max, ErrInvalidVoteRange)
		}
		batch = append(batch, store.Approval{
			ChangeNumber: item.Number,
			PatchSet:     patchSet,
			Label:        label,
			Voter:        voter,
			Value:        value,
			GrantedAt:    now,
		})
	}
	if len(batch) == 0 {
		return nil, nil
	}
	if err := s.store.UpsertApprovals(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func sortedLabels(votes map[string]int) []string {
	labels := make([]string, 0, len(votes))
	for label := range votes {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
