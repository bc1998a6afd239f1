package types

import (
	"encoding/json"
	"time"
)

// Logical channels multiplexed over a single client connection.
const (
	ChannelPresence  = "presence"
	ChannelMessaging = "message"
)

// Server -> client event names.
const (
	EventPresence            = "presence"
	EventOnlineUsers         = "online_users"
	EventMessageNotification = "message_notification"
	EventNewMessage          = "new_message"
	EventMessageSent         = "message_sent"
	EventThreadHistory       = "thread_history"
	EventThreadViewers       = "thread_viewers"
	EventThreadJoined        = "thread_joined"
	EventThreadLeft          = "thread_left"
	EventPong                = "pong"
	EventError               = "error"
)

// Client -> server frame names.
const (
	FrameSendMessage = "send_message"
	FrameJoinThread  = "join_thread"
	FrameLeaveThread = "leave_thread"
	FramePing        = "ping"
)

// DeliveryState is the transient delivery annotation of a message.
type DeliveryState string

const (
	DeliveryPending    DeliveryState = "pending"
	DeliveryDelivered  DeliveryState = "delivered"
	DeliveryStoredOnly DeliveryState = "stored-only"
)

// Message is a direct chat message between two users.
// The durable copy lives in the message store; State is owned by the
// dispatcher for the duration of one send.
type Message struct {
	ID          string        `json:"id"`
	ThreadID    string        `json:"thread_id"`
	SenderID    string        `json:"sender_id"`
	RecipientID string        `json:"recipient_id"`
	Body        string        `json:"body"`
	Timestamp   time.Time     `json:"timestamp"`
	State       DeliveryState `json:"state,omitempty"`
	ReadAt      *time.Time    `json:"read_at,omitempty"`
}

// PresenceEvent announces an online/offline transition of one user.
type PresenceEvent struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// OnlineUsers is the initial presence snapshot pushed to a new connection.
type OnlineUsers struct {
	Users []string `json:"users"`
}

// ThreadViewers lists the users currently viewing a thread.
type ThreadViewers struct {
	ThreadID string   `json:"thread_id"`
	Users    []string `json:"users"`
}

// ThreadHistory carries stored messages of a thread in chronological order.
type ThreadHistory struct {
	ThreadID string     `json:"thread_id"`
	Messages []*Message `json:"messages"`
}

// ThreadRef identifies a thread in join/leave frames and their replies.
// PeerID may be given instead of ThreadID for direct threads.
type ThreadRef struct {
	ThreadID string `json:"thread_id,omitempty"`
	PeerID   string `json:"peer_id,omitempty"`
}

// SendMessageRequest is the payload of a send_message frame.
type SendMessageRequest struct {
	RecipientID string `json:"recipient_id"`
	Body        string `json:"body"`
}

// ErrorPayload is reported to the originating connection only.
type ErrorPayload struct {
	Frame   string `json:"frame,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the wire frame for every server -> client event.
type Envelope struct {
	Channel   string      `json:"channel"`
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ClientFrame is the wire frame for every client -> server request.
type ClientFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChannelFor maps an event to the logical channel it travels on.
func ChannelFor(event string) string {
	switch event {
	case EventPresence, EventOnlineUsers, EventMessageNotification:
		return ChannelPresence
	default:
		return ChannelMessaging
	}
}
