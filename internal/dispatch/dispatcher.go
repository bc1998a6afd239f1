package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"chathub/internal/membership"
	"chathub/internal/registry"
	"chathub/pkg/interfaces"
	"chathub/pkg/types"
)

// Options configures delivery policy.
type Options struct {
	// EchoToSender also delivers a copy to the sender's own connections.
	EchoToSender bool

	// UserFallback delivers to the recipient's connections that are not
	// viewing the thread, as a notification on the presence channel.
	UserFallback bool

	// MessagesPerMinute limits sends per sender; 0 disables the limit.
	MessagesPerMinute int
}

// Dispatcher persists chat messages and fans them out to live connections.
type Dispatcher struct {
	store      interfaces.MessageStore
	registry   *registry.Registry
	membership *membership.Manager
	limiter    *RateLimiter
	pairs      *keyedMutex
	opts       Options
	now        func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store interfaces.MessageStore, reg *registry.Registry, members *membership.Manager, opts Options) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		registry:   reg,
		membership: members,
		pairs:      newKeyedMutex(),
		opts:       opts,
		now:        time.Now,
	}
	if opts.MessagesPerMinute > 0 {
		d.limiter = NewRateLimiter(opts.MessagesPerMinute, time.Minute)
	}
	return d
}

// target is one resolved delivery.
type target struct {
	handle *registry.Handle
	event  string
	viewer bool // recipient connection viewing the thread
}

// Send validates, persists and delivers one message from senderID to
// recipientID.
//
// Nothing is delivered unless persistence succeeded. Per-connection delivery
// failures are logged and do not fail the call. Messages of one
// sender->recipient pair are persisted and handed to each connection in
// send order.
func (d *Dispatcher) Send(ctx context.Context, senderID, recipientID, body string) (*types.Message, error) {
	msg := &types.Message{
		ThreadID:    types.DirectThreadID(senderID, recipientID),
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        body,
		State:       types.DeliveryPending,
	}
	if err := msg.Validate(); err != nil {
		return nil, errors.WithMessage(ErrInvalidMessage, err.Error())
	}

	if d.limiter != nil && !d.limiter.Allow(senderID) {
		return nil, ErrRateLimited
	}

	unlock := d.pairs.Lock(senderID + "\x00" + recipientID)
	defer unlock()

	msg.Timestamp = d.now()
	id, err := d.store.Persist(ctx, senderID, recipientID, body, msg.Timestamp)
	if err != nil {
		if d.limiter != nil {
			d.limiter.Refund(senderID)
		}
		return nil, errors.WithMessagef(ErrStorageFailure, "persist %s->%s: %v", senderID, recipientID, err)
	}
	msg.ID = id

	targets := d.resolve(msg)
	delivered, viewed := d.deliver(msg, targets)

	if delivered > 0 {
		msg.State = types.DeliveryDelivered
	} else {
		msg.State = types.DeliveryStoredOnly
	}

	if viewed > 0 {
		d.markRead(ctx, msg)
	}

	log.Printf("Message dispatched: id=%s from=%s to=%s state=%s connections=%d",
		msg.ID, senderID, recipientID, msg.State, len(targets))
	return msg, nil
}

// resolve snapshots the connections that should receive msg. Thread viewers
// come first; the recipient's other connections are added as fallback.
func (d *Dispatcher) resolve(msg *types.Message) []target {
	var targets []target
	seen := make(map[string]bool)

	for _, handleID := range d.membership.ViewersOf(msg.ThreadID) {
		h, ok := d.registry.Lookup(handleID)
		if !ok {
			continue
		}
		switch {
		case h.UserID == msg.RecipientID:
			targets = append(targets, target{handle: h, event: types.EventNewMessage, viewer: true})
		case h.UserID == msg.SenderID && d.opts.EchoToSender:
			targets = append(targets, target{handle: h, event: types.EventNewMessage})
		default:
			continue
		}
		seen[h.ID] = true
	}

	if d.opts.UserFallback {
		for _, h := range d.registry.HandlesFor(msg.RecipientID) {
			if !seen[h.ID] {
				targets = append(targets, target{handle: h, event: types.EventMessageNotification})
				seen[h.ID] = true
			}
		}
	}

	if d.opts.EchoToSender {
		for _, h := range d.registry.HandlesFor(msg.SenderID) {
			if !seen[h.ID] {
				targets = append(targets, target{handle: h, event: types.EventNewMessage})
				seen[h.ID] = true
			}
		}
	}

	return targets
}

// deliver hands msg to every target concurrently and waits for all of them.
// It returns how many recipient connections accepted the message and how
// many of those were viewing the thread.
func (d *Dispatcher) deliver(msg *types.Message, targets []target) (int, int) {
	payload := *msg
	payload.State = ""

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
		viewed    int
	)

	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()

			if err := t.handle.Conn.Send(t.event, payload); err != nil {
				log.Printf("Failed to deliver message %s to %s (handle %s): %v",
					msg.ID, t.handle.UserID, t.handle.ID, err)
				return
			}
			if t.handle.UserID != msg.RecipientID {
				return
			}

			mu.Lock()
			delivered++
			if t.viewer {
				viewed++
			}
			mu.Unlock()
		}(t)
	}
	wg.Wait()

	return delivered, viewed
}

// markRead records a read receipt when the store supports it.
func (d *Dispatcher) markRead(ctx context.Context, msg *types.Message) {
	receipts, ok := d.store.(interfaces.ReadReceipts)
	if !ok {
		return
	}
	at := d.now()
	if err := receipts.MarkRead(ctx, msg.ID, at); err != nil {
		log.Printf("Failed to mark message %s read: %v", msg.ID, err)
		return
	}
	msg.ReadAt = &at
}

// CleanupLimiter drops idle rate limiter state.
func (d *Dispatcher) CleanupLimiter() {
	if d.limiter != nil {
		d.limiter.Cleanup()
	}
}
