package app

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"chathub/internal/config"
	"chathub/pkg/types"
)

type wireEnvelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func newTestApplication(t *testing.T) *Application {
	t.Helper()
	return newTestApplicationWith(t, nil)
}

func newTestApplicationWith(t *testing.T, customize func(*config.Config)) *Application {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "chathub.db")
	cfg.Database.RetryDelay = 0
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Auth.Secret = "test-secret"
	if customize != nil {
		customize(cfg)
	}

	application, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return application
}

func dial(t *testing.T, application *Application, userID string) *websocket.Conn {
	t.Helper()
	token, _, err := application.Verifier().Issue(userID)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	url := "ws://" + application.GetAddr() + "/ws?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, event string, v interface{}) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env wireEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("Waiting for %s: %v", event, err)
		}
		if env.Event != event {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(env.Payload, v); err != nil {
				t.Fatalf("Invalid %s payload: %v", event, err)
			}
		}
		return
	}
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Port = -1

	if _, err := NewApplication(cfg); err == nil {
		t.Error("Expected error for invalid configuration")
	}
}

func TestApplication_PresenceAndMessagingScenario(t *testing.T) {
	application := newTestApplication(t)

	userA := dial(t, application, "UserA")
	var snapshot types.OnlineUsers
	readEvent(t, userA, types.EventOnlineUsers, &snapshot)
	if len(snapshot.Users) != 0 {
		t.Errorf("UserA should see nobody online, got %v", snapshot.Users)
	}

	userB := dial(t, application, "UserB")
	readEvent(t, userB, types.EventOnlineUsers, &snapshot)
	if len(snapshot.Users) != 1 || snapshot.Users[0] != "UserA" {
		t.Errorf("UserB snapshot should be [UserA], got %v", snapshot.Users)
	}

	var event types.PresenceEvent
	readEvent(t, userA, types.EventPresence, &event)
	if event.UserID != "UserB" || !event.Online {
		t.Errorf("Expected UserB online, got %+v", event)
	}

	// UserB opens the conversation so the message arrives as new_message.
	send(t, userB, `{"event":"join_thread","payload":{"peer_id":"UserA"}}`)
	readEvent(t, userB, types.EventThreadHistory, nil)

	send(t, userA, `{"event":"send_message","payload":{"recipient_id":"UserB","body":"hi"}}`)

	var msg types.Message
	readEvent(t, userB, types.EventNewMessage, &msg)
	if msg.SenderID != "UserA" || msg.Body != "hi" {
		t.Errorf("Unexpected message %+v", msg)
	}

	var ack types.Message
	readEvent(t, userA, types.EventMessageSent, &ack)
	if ack.ID != msg.ID || ack.State != types.DeliveryDelivered {
		t.Errorf("Unexpected ack %+v", ack)
	}

	var stored int
	if err := application.dbManager.GetDB().QueryRow("SELECT COUNT(*) FROM messages").Scan(&stored); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if stored != 1 {
		t.Errorf("Expected exactly 1 stored message, got %d", stored)
	}

	_ = userB.Close()

	readEvent(t, userA, types.EventPresence, &event)
	if event.UserID != "UserB" || event.Online {
		t.Errorf("Expected UserB offline, got %+v", event)
	}
	if application.registry.IsOnline("UserB") {
		t.Error("UserB should be removed from the registry")
	}
	if threads := application.membership.GetStats()["memberships"]; threads != 0 {
		t.Errorf("UserB's thread membership should be gone, %d left", threads)
	}
}

func TestApplication_OfflineMessageReplayedOnJoin(t *testing.T) {
	application := newTestApplication(t)

	alice := dial(t, application, "alice")
	readEvent(t, alice, types.EventOnlineUsers, nil)

	send(t, alice, `{"event":"send_message","payload":{"recipient_id":"bob","body":"while you were away"}}`)
	var ack types.Message
	readEvent(t, alice, types.EventMessageSent, &ack)
	if ack.State != types.DeliveryStoredOnly {
		t.Errorf("Expected stored-only for offline recipient, got %s", ack.State)
	}

	bob := dial(t, application, "bob")
	send(t, bob, `{"event":"join_thread","payload":{"peer_id":"alice"}}`)

	var history types.ThreadHistory
	readEvent(t, bob, types.EventThreadHistory, &history)
	if len(history.Messages) != 1 || history.Messages[0].Body != "while you were away" {
		t.Errorf("Unexpected history %+v", history)
	}
}

func TestApplication_StatusEndpoints(t *testing.T) {
	application := newTestApplication(t)
	dial(t, application, "alice")

	deadline := time.Now().Add(2 * time.Second)
	for !application.registry.IsOnline("alice") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + application.GetAddr() + "/api/presence/alice")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var presence struct {
		Online      bool `json:"online"`
		Connections int  `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&presence); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if !presence.Online || presence.Connections != 1 {
		t.Errorf("Unexpected presence %+v", presence)
	}

	health, err := http.Get("http://" + application.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("Expected healthy status, got %d", health.StatusCode)
	}

	unauthorized, _, err := websocket.DefaultDialer.Dial("ws://"+application.GetAddr()+"/ws?access_token=bogus", nil)
	if err == nil {
		unauthorized.Close()
		t.Error("Invalid token should be rejected")
	}
}

func TestApplication_StopClearsMirroredPresence(t *testing.T) {
	server := miniredis.RunT(t)
	application := newTestApplicationWith(t, func(cfg *config.Config) {
		cfg.Redis.Addr = server.Addr()
		cfg.Redis.KeyPrefix = "test:presence:"
	})

	dial(t, application, "alice")

	deadline := time.Now().Add(3 * time.Second)
	for !server.Exists("test:presence:alice") {
		if time.Now().After(deadline) {
			t.Fatal("alice was never mirrored online")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if server.Exists("test:presence:alice") {
		t.Error("Presence key should be removed before Stop returns")
	}
}
