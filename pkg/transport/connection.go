// Package transport wraps a single websocket session with thread-safe
// send and lifecycle handling. The transport knows nothing about rooms or
// tenants; it hands inbound frames to a handler keyed by connection id.
package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// MessageHandler is invoked for each inbound text/binary frame.
type MessageHandler func(ctx context.Context, connID string, msg []byte)

// CloseHandler is invoked exactly once when the connection terminates.
type CloseHandler func(connID string, err error)

type Config struct {
	ReadTimeout time.Duration
}

// Connection is a single websocket session, safe for concurrent use.
type Connection struct {
	id     string
	conn   *websocket.Conn
	config Config
	send   chan []byte

	onMessage MessageHandler
	onClose   CloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config Config, onMessage MessageHandler, onClose CloseHandler, logger *slog.Logger) *Connection {
	id := uuid.NewString()
	connCtx, cancel := context.WithCancel(parentCtx)

	// the WaitGroup is joined here, not in Run, so a connection closed
	// before its pumps start still balances.
	wg.Add(1)
	return &Connection{
		id:        id,
		conn:      conn,
		config:    config,
		send:      make(chan []byte, 256),
		onMessage: onMessage,
		onClose:   onClose,
		done:      make(chan struct{}),
		wg:        wg,
		ctx:       connCtx,
		cancel:    cancel,
		logger:    logger.With(slog.String("connID", id)),
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()
	c.logger.Info("connection established")
}

// readPump pumps inbound frames to the message handler until the socket
// errors or the read timeout lapses with no traffic.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, rd, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			readErr = err
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		msg, err := io.ReadAll(rd)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, msg)
		}
	}
}

// writePump drains the send channel onto the socket.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, msg); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "shutting down")
			return
		}
	}
}

// Send enqueues a message for delivery. Safe for concurrent use; dropped
// with a warning if the connection is already closed or the buffer full.
func (c *Connection) Send(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
		c.logger.Warn("Attempted to send on a closed connection")
	}
}

// Close shuts the connection down exactly once and fires the close
// handler so registry cleanup can run. The send channel is never closed;
// a Send racing Close falls through to the cancelled-context case instead
// of panicking on a closed channel.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Info("Transport connection closing", slog.Any("reason", err))
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) SetOnMessage(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnClose(handler CloseHandler) {
	c.onClose = handler
}
