package episode

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of Store.
// It uses a map with a mutex so the compare-and-set semantics match the
// SQLite adapter. Suitable for development and testing.
type MemoryStore struct {
	mu       sync.RWMutex
	episodes map[string]*Episode
}

// NewMemoryStore creates a new in-memory episode store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{episodes: make(map[string]*Episode)}
}

// Create persists a new episode. Stores a clone to avoid external mutations.
func (s *MemoryStore) Create(_ context.Context, ep *Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes[ep.ID] = ep.Clone()
	return nil
}

// FindByID retrieves an episode by ID. Returns a clone.
func (s *MemoryStore) FindByID(_ context.Context, id string) (*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ep.Clone(), nil
}

// List returns all episodes, newest published first.
func (s *MemoryStore) List(_ context.Context) ([]*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Episode, 0, len(s.episodes))
	for _, ep := range s.episodes {
		out = append(out, ep.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return out, nil
}

// Eligible returns episodes awaiting translation, newest published first.
func (s *MemoryStore) Eligible(_ context.Context, maxRetries, limit int) ([]*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Episode
	for _, ep := range s.episodes {
		if (ep.Status == StatusPending || ep.Status == StatusFailed) && ep.RetryCount < maxRetries {
			out = append(out, ep.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim atomically transitions pending/failed → processing under the lock.
func (s *MemoryStore) Claim(_ context.Context, id string, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[id]
	if !ok {
		return ErrNotFound
	}
	if ep.Status != StatusPending && ep.Status != StatusFailed {
		return ErrNotClaimable
	}
	if ep.RetryCount >= maxRetries {
		return ErrNotClaimable
	}
	ep.Status = StatusProcessing
	ep.UpdatedAt = time.Now().UTC()
	return nil
}

// CompleteTranslation writes the full translation record and marks the
// episode completed with a reset retry budget.
func (s *MemoryStore) CompleteTranslation(_ context.Context, id, sourceLanguage string, tr Translation) error {
	if !tr.Complete() {
		return ErrIncompleteTranslation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[id]
	if !ok {
		return ErrNotFound
	}
	if ep.Translations == nil {
		ep.Translations = make(map[string]Translation)
	}
	ep.Translations[tr.Language] = tr.clone()
	ep.SourceLanguage = sourceLanguage
	ep.Status = StatusCompleted
	ep.RetryCount = 0
	ep.ForceRequested = false
	ep.Error = ""
	ep.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed records the failure and increments the retry count.
func (s *MemoryStore) MarkFailed(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[id]
	if !ok {
		return ErrNotFound
	}
	ep.Status = StatusFailed
	ep.Error = message
	ep.RetryCount++
	ep.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailedPermanent records the failure with the retry budget exhausted.
func (s *MemoryStore) MarkFailedPermanent(_ context.Context, id, message string, retryBudget int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[id]
	if !ok {
		return ErrNotFound
	}
	ep.Status = StatusFailed
	ep.Error = message
	ep.RetryCount++
	if ep.RetryCount < retryBudget {
		ep.RetryCount = retryBudget
	}
	ep.UpdatedAt = time.Now().UTC()
	return nil
}

// Release returns a processing episode to pending without spending budget.
func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[id]
	if !ok {
		return ErrNotFound
	}
	if ep.Status != StatusProcessing {
		return ErrNotClaimable
	}
	ep.Status = StatusPending
	ep.UpdatedAt = time.Now().UTC()
	return nil
}

// RequestRetranslation re-enqueues the episode with a fresh retry budget and
// the force flag set.
func (s *MemoryStore) RequestRetranslation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[id]
	if !ok {
		return ErrNotFound
	}
	ep.Status = StatusPending
	ep.RetryCount = 0
	ep.ForceRequested = true
	ep.Error = ""
	ep.UpdatedAt = time.Now().UTC()
	return nil
}

// ReclaimStale returns stale processing episodes to failed.
func (s *MemoryStore) ReclaimStale(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reclaimed int64
	for _, ep := range s.episodes {
		if ep.Status == StatusProcessing && ep.UpdatedAt.Before(cutoff) {
			ep.Status = StatusFailed
			ep.Error = "reclaimed from stale processing"
			ep.RetryCount++
			ep.UpdatedAt = time.Now().UTC()
			reclaimed++
		}
	}
	return reclaimed, nil
}
