package boardsync

import "sync"

// VersionStore remembers the highest server version observed per item. It is
// written by successful mutations, 409 payloads and realtime frames.
type VersionStore struct {
	mu       sync.RWMutex
	versions map[string]int64
}

func NewVersionStore() *VersionStore {
	return &VersionStore{versions: map[string]int64{}}
}

func (s *VersionStore) Get(itemID string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[itemID]
	return v, ok
}

// Set records version for itemID unless a newer one is already known. It
// reports whether the stored value changed.
func (s *VersionStore) Set(itemID string, version int64) bool {
	if itemID == "" || version <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.versions[itemID]; ok && current >= version {
		return false
	}
	s.versions[itemID] = version
	return true
}

func (s *VersionStore) Forget(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, itemID)
}

func (s *VersionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.versions)
}
