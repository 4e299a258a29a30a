package healthid

import (
	"fmt"
	"sync"
)

// BlockStore is the in-memory pool of unused HIDs for this process, plus the
// ids that were popped but not yet committed or put back.
type BlockStore struct {
	mu       sync.RWMutex
	ids      []string
	index    map[string]int
	inFlight map[string]struct{}
}

// NewBlockStore returns an empty store.
func NewBlockStore() *BlockStore {
	return &BlockStore{
		index:    make(map[string]int),
		inFlight: make(map[string]struct{}),
	}
}

// AddAll appends ids to the pool. Ids already pooled, in flight, or repeated
// within the input are not added and are reported as ErrDuplicateHealthID;
// the remaining ids are still added.
func (s *BlockStore) AddAll(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var dups []string
	for _, id := range ids {
		if _, ok := s.index[id]; ok {
			dups = append(dups, id)
			continue
		}
		if _, ok := s.inFlight[id]; ok {
			dups = append(dups, id)
			continue
		}
		s.push(id)
	}
	if len(dups) > 0 {
		return fmt.Errorf("%w: %d id(s) already pooled or in flight: %v", ErrDuplicateHealthID, len(dups), dups)
	}
	return nil
}

// Pop removes one id from the pool and marks it in flight. It never waits
// for replenishment.
func (s *BlockStore) Pop() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.ids)
	if n == 0 {
		return "", ErrSeriesExhausted
	}
	id := s.ids[n-1]
	s.ids = s.ids[:n-1]
	delete(s.index, id)
	s.inFlight[id] = struct{}{}
	return id, nil
}

// PutBack returns an abandoned id to the pool. Putting back an id that is
// already pooled is a no-op.
func (s *BlockStore) PutBack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, id)
	if _, ok := s.index[id]; ok {
		return
	}
	s.push(id)
}

// Release forgets an in-flight id once the caller committed it.
func (s *BlockStore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// InFlight reports whether id was popped and not yet released or put back.
func (s *BlockStore) InFlight(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inFlight[id]
	return ok
}

// Pooled reports whether id is waiting in the pool.
func (s *BlockStore) Pooled(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Count returns the number of unused ids in the pool.
func (s *BlockStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Snapshot returns a copy of the pooled ids.
func (s *BlockStore) Snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// Clear drops every pooled and in-flight id.
func (s *BlockStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = nil
	s.index = make(map[string]int)
	s.inFlight = make(map[string]struct{})
}

func (s *BlockStore) push(id string) {
	s.index[id] = len(s.ids)
	s.ids = append(s.ids, id)
}
