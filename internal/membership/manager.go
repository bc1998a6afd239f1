package membership

import (
	"sort"
	"sync"
)

// ConnectionChecker reports whether a handle is currently registered.
type ConnectionChecker interface {
	Has(handleID string) bool
}

// Manager tracks which connections are viewing which threads.
// It is kept apart from the connection registry: thread viewing is
// transient UI state, connection existence is session state.
type Manager struct {
	mu       sync.RWMutex
	checker  ConnectionChecker
	threads  map[string]map[string]struct{} // threadID -> handleIDs
	byHandle map[string]map[string]struct{} // handleID -> threadIDs
}

// NewManager creates an empty membership manager.
func NewManager(checker ConnectionChecker) *Manager {
	return &Manager{
		checker:  checker,
		threads:  make(map[string]map[string]struct{}),
		byHandle: make(map[string]map[string]struct{}),
	}
}

// Join adds handleID to the viewers of threadID.
func (m *Manager) Join(threadID, handleID string) error {
	if threadID == "" {
		return ErrInvalidThread
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.checker.Has(handleID) {
		return ErrUnknownConnection
	}

	add(m.threads, threadID, handleID)
	add(m.byHandle, handleID, threadID)
	return nil
}

// Leave removes handleID from the viewers of threadID. Leaving a thread the
// handle is not viewing is a no-op.
func (m *Manager) Leave(threadID, handleID string) error {
	if threadID == "" {
		return ErrInvalidThread
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.checker.Has(handleID) {
		return ErrUnknownConnection
	}

	remove(m.threads, threadID, handleID)
	remove(m.byHandle, handleID, threadID)
	return nil
}

// LeaveAll removes handleID from every thread and returns the threads it
// left, sorted.
func (m *Manager) LeaveAll(handleID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	joined := m.byHandle[handleID]
	left := make([]string, 0, len(joined))
	for threadID := range joined {
		remove(m.threads, threadID, handleID)
		left = append(left, threadID)
	}
	delete(m.byHandle, handleID)

	sort.Strings(left)
	return left
}

// ViewersOf returns the handles currently viewing threadID, sorted.
func (m *Manager) ViewersOf(threadID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return keys(m.threads[threadID])
}

// ThreadsOf returns the threads handleID is viewing, sorted.
func (m *Manager) ThreadsOf(handleID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return keys(m.byHandle[handleID])
}

// IsViewing reports whether handleID is viewing threadID.
func (m *Manager) IsViewing(threadID, handleID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.threads[threadID][handleID]
	return ok
}

// GetStats returns membership statistics for monitoring.
func (m *Manager) GetStats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	memberships := 0
	for _, viewers := range m.threads {
		memberships += len(viewers)
	}
	return map[string]int{
		"active_threads": len(m.threads),
		"memberships":    memberships,
	}
}

func add(index map[string]map[string]struct{}, key, member string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[member] = struct{}{}
}

// remove deletes member and drops the key once its set is empty.
func remove(index map[string]map[string]struct{}, key, member string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(index, key)
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
