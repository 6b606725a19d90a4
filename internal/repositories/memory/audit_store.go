package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/BradenHooton/authguard/internal/models"
)

// AuditStore is an append-only in-memory audit trail
type AuditStore struct {
	mu      sync.RWMutex
	entries []*models.AuditLogEntry
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Create(ctx context.Context, entry *models.AuditLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *entry
	if entry.Details != nil {
		cp.Details = make(models.AuditMetadata, len(entry.Details))
		for k, v := range entry.Details {
			cp.Details[k] = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &cp)
	return nil
}

// Query returns matching entries sorted by timestamp descending, with the total before paging
func (s *AuditStore) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	var matched []*models.AuditLogEntry
	for _, e := range s.entries {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(matched, func(a, b *models.AuditLogEntry) int {
		return b.Timestamp.Compare(a.Timestamp)
	})

	total := len(matched)
	start := min(filter.Offset, total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}

// All returns a snapshot of every entry in insertion order
func (s *AuditStore) All() []*models.AuditLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}
