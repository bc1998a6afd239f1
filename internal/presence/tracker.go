package presence

import (
	"context"
	"log"
	"sync"

	"chathub/internal/registry"
	"chathub/pkg/types"
)

// Sink receives every presence transition after it has been broadcast to
// connected peers.
type Sink interface {
	Publish(ctx context.Context, event types.PresenceEvent) error
}

// Options configures presence broadcasting.
type Options struct {
	// SelfEcho also sends a user's own transitions and snapshot entry to
	// that user's other connections.
	SelfEcho bool
}

// Tracker turns registry transitions into presence broadcasts.
//
// The registry reports transitions while holding its lock; the tracker only
// queues them there and broadcasts from its own goroutine, so broadcasts
// leave in transition order and never block a registry mutation.
type Tracker struct {
	registry *registry.Registry
	opts     Options
	sinks    []Sink

	qmu   sync.Mutex
	queue []types.PresenceEvent
	wake  chan struct{}

	running  bool
	shutdown chan struct{}
	done     chan struct{}
	mu       sync.RWMutex
}

// NewTracker creates a tracker and installs it as the registry's listener.
func NewTracker(reg *registry.Registry, opts Options, sinks ...Sink) *Tracker {
	t := &Tracker{
		registry: reg,
		opts:     opts,
		sinks:    sinks,
		wake:     make(chan struct{}, 1),
	}
	reg.SetListener(t.enqueue)
	return t
}

// Start begins broadcasting queued transitions.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return ErrTrackerAlreadyRunning
	}
	t.running = true
	t.shutdown = make(chan struct{})
	t.done = make(chan struct{})

	log.Println("Starting presence tracker...")
	go t.run(ctx, t.shutdown, t.done)
	return nil
}

// Stop halts broadcasting and waits for the run loop to exit. Transitions
// queued before Stop are broadcast and published to sinks before it
// returns; later ones wait for the next Start.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrTrackerNotRunning
	}
	t.running = false
	close(t.shutdown)
	done := t.done
	t.mu.Unlock()

	log.Println("Stopping presence tracker...")
	<-done
	return nil
}

// CurrentlyOnlineUsers returns a point-in-time snapshot of online users.
// A client may learn about a later change through the broadcast stream
// right after reading it.
func (t *Tracker) CurrentlyOnlineUsers() []string {
	return t.registry.OnlineUsers()
}

// SendSnapshot pushes the online users snapshot to one connection.
func (t *Tracker) SendSnapshot(h *registry.Handle) error {
	if h == nil || h.Conn == nil {
		return ErrNilHandle
	}

	online := t.CurrentlyOnlineUsers()
	users := make([]string, 0, len(online))
	for _, userID := range online {
		if userID == h.UserID && !t.opts.SelfEcho {
			continue
		}
		users = append(users, userID)
	}

	return h.Conn.Send(types.EventOnlineUsers, types.OnlineUsers{Users: users})
}

func (t *Tracker) enqueue(change registry.Change) {
	t.qmu.Lock()
	t.queue = append(t.queue, types.PresenceEvent{UserID: change.UserID, Online: change.Online})
	t.qmu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tracker) drain() []types.PresenceEvent {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	events := t.queue
	t.queue = nil
	return events
}

func (t *Tracker) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer log.Println("Presence tracker stopped")

	// Transitions queued before Start.
	t.signal()

	for {
		select {
		case <-t.wake:
			for _, event := range t.drain() {
				t.broadcast(ctx, event)
			}
		case <-shutdown:
			for _, event := range t.drain() {
				t.broadcast(ctx, event)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// broadcast sends one transition to every online peer and then to sinks.
// Per-connection failures are logged and skipped.
func (t *Tracker) broadcast(ctx context.Context, event types.PresenceEvent) {
	sent := 0
	for _, h := range t.registry.AllHandles() {
		if h.UserID == event.UserID && !t.opts.SelfEcho {
			continue
		}
		if err := h.Conn.Send(types.EventPresence, event); err != nil {
			log.Printf("Presence delivery failed: user=%s handle=%s err=%v", h.UserID, h.ID, err)
			continue
		}
		sent++
	}
	log.Printf("Presence broadcast: user=%s online=%t recipients=%d", event.UserID, event.Online, sent)

	for _, sink := range t.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			log.Printf("Presence sink failed: user=%s err=%v", event.UserID, err)
		}
	}
}
