package interfaces

import (
	"context"
	"time"

	"chathub/pkg/types"
)

// MessageStore is the durability boundary of the messaging core.
type MessageStore interface {
	// Persist records a message and returns its record ID.
	Persist(ctx context.Context, senderID, recipientID, body string, ts time.Time) (string, error)
}

// ReadReceipts is implemented by stores that track when a message was read.
type ReadReceipts interface {
	MarkRead(ctx context.Context, messageID string, at time.Time) error
}

// ThreadHistory is implemented by stores that can replay a direct thread.
type ThreadHistory interface {
	// ThreadMessages returns up to limit most recent messages of the thread,
	// oldest first.
	ThreadMessages(ctx context.Context, threadID string, limit int) ([]*types.Message, error)

	// MarkThreadRead marks every unread message sent to readerID in the
	// thread as read and returns how many were updated.
	MarkThreadRead(ctx context.Context, threadID, readerID string, at time.Time) (int64, error)
}
