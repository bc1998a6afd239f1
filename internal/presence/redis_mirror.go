package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"chathub/pkg/types"
)

// RedisMirrorConfig configures the Redis presence mirror.
type RedisMirrorConfig struct {
	NodeID    string
	KeyPrefix string
	Channel   string
	TTL       time.Duration
}

// RedisMirror mirrors presence into Redis so that other services can read
// it: key <prefix><user> holds the node ID with a TTL, and every transition
// is published as JSON on Channel. It is a read replica of the in-process
// registry, not a second source of truth.
type RedisMirror struct {
	client *redis.Client
	cfg    RedisMirrorConfig
}

// NewRedisMirror creates a mirror on an existing client.
func NewRedisMirror(client *redis.Client, cfg RedisMirrorConfig) *RedisMirror {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "chathub:presence:"
	}
	if cfg.Channel == "" {
		cfg.Channel = "chathub:presence"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	return &RedisMirror{client: client, cfg: cfg}
}

// Key returns the presence key of userID.
func (m *RedisMirror) Key(userID string) string {
	return m.cfg.KeyPrefix + userID
}

// Publish mirrors one transition.
func (m *RedisMirror) Publish(ctx context.Context, event types.PresenceEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal presence event: %w", err)
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if event.Online {
			pipe.Set(ctx, m.Key(event.UserID), m.cfg.NodeID, m.cfg.TTL)
		} else {
			pipe.Del(ctx, m.Key(event.UserID))
		}
		pipe.Publish(ctx, m.cfg.Channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mirror presence for %s: %w", event.UserID, err)
	}
	return nil
}

// Refresh renews the TTL of every given online user.
func (m *RedisMirror) Refresh(ctx context.Context, users []string) error {
	if len(users) == 0 {
		return nil
	}
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, userID := range users {
			pipe.Set(ctx, m.Key(userID), m.cfg.NodeID, m.cfg.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// Lookup reads a user's mirrored presence.
func (m *RedisMirror) Lookup(ctx context.Context, userID string) (string, bool, error) {
	nodeID, err := m.client.Get(ctx, m.Key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return nodeID, true, nil
}

// Run refreshes TTLs every half TTL until ctx is done.
func (m *RedisMirror) Run(ctx context.Context, online func() []string) {
	ticker := time.NewTicker(m.cfg.TTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Refresh(ctx, online()); err != nil {
				log.Printf("Redis presence refresh failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Ping checks connectivity.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
