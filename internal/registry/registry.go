package registry

import (
	"sort"
	"sync"
	"time"

	"chathub/pkg/interfaces"
)

// Handle is one live connection of a user, owned by the Registry from Add
// until Remove.
type Handle struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	Conn      interfaces.Connection
}

// Change describes the effect of an Add or Remove on the owning user's
// presence. Changed is true only for Offline->Online and Online->Offline.
type Change struct {
	UserID  string
	Online  bool
	Changed bool
}

// Listener receives presence transitions. It is called with the registry
// lock held and must only enqueue.
type Listener func(Change)

// Registry maps users to the set of their live connections.
// A user is online iff it has a key in byUser; the key is deleted together
// with the user's last handle.
type Registry struct {
	mu       sync.RWMutex
	byHandle map[string]*Handle            // handleID -> Handle
	byUser   map[string]map[string]*Handle // userID -> handleID -> Handle
	listener Listener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byHandle: make(map[string]*Handle),
		byUser:   make(map[string]map[string]*Handle),
	}
}

// SetListener installs the presence transition listener.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// Add registers a new connection for userID.
func (r *Registry) Add(userID string, h *Handle) (Change, error) {
	if h == nil || h.ID == "" || userID == "" || h.Conn == nil {
		return Change{}, ErrInvalidHandle
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byHandle[h.ID]; exists {
		return Change{}, ErrDuplicateConnection
	}

	h.UserID = userID
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}

	handles, online := r.byUser[userID]
	if !online {
		handles = make(map[string]*Handle)
		r.byUser[userID] = handles
	}
	handles[h.ID] = h
	r.byHandle[h.ID] = h

	change := Change{UserID: userID, Online: true, Changed: !online}
	if change.Changed && r.listener != nil {
		r.listener(change)
	}
	return change, nil
}

// Remove deregisters a connection. Removing an unknown handle is a no-op and
// reports false.
func (r *Registry) Remove(handleID string) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, exists := r.byHandle[handleID]
	if !exists {
		return Change{}, false
	}
	delete(r.byHandle, handleID)

	change := Change{UserID: h.UserID, Online: true}
	if handles, ok := r.byUser[h.UserID]; ok {
		delete(handles, handleID)
		if len(handles) == 0 {
			delete(r.byUser, h.UserID)
			change.Online = false
			change.Changed = true
		}
	}

	if change.Changed && r.listener != nil {
		r.listener(change)
	}
	return change, true
}

// ConnectionsFor returns the handle IDs of userID, sorted. The result is
// empty when the user is offline.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := r.byUser[userID]
	ids := make([]string, 0, len(handles))
	for id := range handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HandlesFor returns the live handles of userID.
func (r *Registry) HandlesFor(userID string) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := r.byUser[userID]
	out := make([]*Handle, 0, len(handles))
	for _, h := range handles {
		out = append(out, h)
	}
	return out
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, online := r.byUser[userID]
	return online
}

// Lookup returns the handle registered under handleID.
func (r *Registry) Lookup(handleID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byHandle[handleID]
	return h, ok
}

// Has reports whether handleID is registered.
func (r *Registry) Has(handleID string) bool {
	_, ok := r.Lookup(handleID)
	return ok
}

// OnlineUsers returns a sorted snapshot of every online user.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// AllHandles returns a snapshot of every live handle.
func (r *Registry) AllHandles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Handle, 0, len(r.byHandle))
	for _, h := range r.byHandle {
		out = append(out, h)
	}
	return out
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.byHandle),
		"online_users":      len(r.byUser),
	}
}
