package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chathub/pkg/types"
)

// ConnectionConfig tunes one connection's outbound queue.
type ConnectionConfig struct {
	BufferSize     int
	WriteTimeout   time.Duration
	EnqueueTimeout time.Duration
}

// DefaultConnectionConfig returns the stock queue settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		BufferSize:     100,
		WriteTimeout:   5 * time.Second,
		EnqueueTimeout: 5 * time.Second,
	}
}

// Connection implements interfaces.Connection over a gorilla websocket.
// All frames are written by a single goroutine.
type Connection struct {
	conn      *websocket.Conn
	cfg       ConnectionConfig
	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewConnection wraps conn and starts its writer.
func NewConnection(conn *websocket.Conn, cfg ConnectionConfig) *Connection {
	def := DefaultConnectionConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = def.EnqueueTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		cfg:     cfg,
		writeCh: make(chan []byte, cfg.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()
	return c
}

// writeLoop owns every data write. A failed write closes the connection so
// the read side notices and the session is torn down.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Send wraps payload in an Envelope and queues it for writing.
func (c *Connection) Send(event string, payload interface{}) error {
	return c.WriteJSON(types.Envelope{
		Channel:   types.ChannelFor(event),
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

// WriteJSON queues v for writing.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close stops the writer and closes the socket. It is idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			c.closeErr = c.conn.Close()
		}
	})
	return c.closeErr
}
