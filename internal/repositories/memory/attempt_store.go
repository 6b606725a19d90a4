package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/BradenHooton/authguard/internal/models"
)

// AttemptStore keeps the failure history in a slice
type AttemptStore struct {
	mu      sync.RWMutex
	records []models.AttemptRecord
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{}
}

func (s *AttemptStore) Insert(ctx context.Context, rec *models.AttemptRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

// Append inserts rec and snapshots its history under the same lock
func (s *AttemptStore) Append(ctx context.Context, rec *models.AttemptRecord, since time.Time) ([]models.AttemptRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return s.historyLocked(rec.Identifier, rec.Kind, since), nil
}

// History returns matching records in insertion order
func (s *AttemptStore) History(ctx context.Context, identifier string, kind models.AttemptKind, since time.Time) ([]models.AttemptRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.historyLocked(identifier, kind, since), nil
}

func (s *AttemptStore) historyLocked(identifier string, kind models.AttemptKind, since time.Time) []models.AttemptRecord {
	out := make([]models.AttemptRecord, 0)
	for _, r := range s.records {
		if r.Identifier == identifier && r.Kind == kind && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

func (s *AttemptStore) SummarizeAll(ctx context.Context, kind models.AttemptKind, since time.Time, minCount int) ([]models.IdentifierSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]*models.AttemptSummary)
	for i := range s.records {
		r := &s.records[i]
		if r.Kind != kind || r.CreatedAt.Before(since) {
			continue
		}
		sum, ok := byID[r.Identifier]
		if !ok {
			sum = &models.AttemptSummary{}
			byID[r.Identifier] = sum
		}
		addToSummary(sum, r)
	}

	out := make([]models.IdentifierSummary, 0, len(byID))
	for id, sum := range byID {
		if sum.Count >= minCount {
			out = append(out, models.IdentifierSummary{Identifier: id, AttemptSummary: *sum})
		}
	}
	slices.SortFunc(out, func(a, b models.IdentifierSummary) int { return cmp.Compare(a.Identifier, b.Identifier) })
	return out, nil
}

func (s *AttemptStore) CountByKind(ctx context.Context, kind models.AttemptKind, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for i := range s.records {
		if s.records[i].Kind == kind && !s.records[i].CreatedAt.Before(since) {
			total += weightOf(&s.records[i])
		}
	}
	return total, nil
}

// CountByEndpoint ranks endpoints by recorded events of any kind, highest first
func (s *AttemptStore) CountByEndpoint(ctx context.Context, since time.Time, limit int) ([]models.EndpointCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for i := range s.records {
		if !s.records[i].CreatedAt.Before(since) {
			counts[s.records[i].Endpoint] += weightOf(&s.records[i])
		}
	}

	out := make([]models.EndpointCount, 0, len(counts))
	for endpoint, n := range counts {
		out = append(out, models.EndpointCount{Endpoint: endpoint, Count: n})
	}
	slices.SortFunc(out, func(a, b models.EndpointCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Endpoint, b.Endpoint)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *AttemptStore) DeleteByIdentifier(ctx context.Context, identifier string, kind models.AttemptKind) (int, error) {
	return s.deleteWhere(ctx, func(r *models.AttemptRecord) bool {
		return r.Identifier == identifier && r.Kind == kind
	})
}

func (s *AttemptStore) DeleteOlderThan(ctx context.Context, before time.Time) (int, error) {
	return s.deleteWhere(ctx, func(r *models.AttemptRecord) bool {
		return r.CreatedAt.Before(before)
	})
}

func (s *AttemptStore) deleteWhere(ctx context.Context, match func(*models.AttemptRecord) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	removed := 0
	for i := range s.records {
		if match(&s.records[i]) {
			removed++
			continue
		}
		kept = append(kept, s.records[i])
	}
	clear(s.records[len(kept):])
	s.records = kept
	return removed, nil
}

func addToSummary(sum *models.AttemptSummary, r *models.AttemptRecord) {
	sum.Count += weightOf(r)
	if sum.Oldest == nil || r.CreatedAt.Before(*sum.Oldest) {
		t := r.CreatedAt
		sum.Oldest = &t
	}
}

func weightOf(r *models.AttemptRecord) int {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}
