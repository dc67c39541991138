package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"solana-feed-gateway/internal/session"
)

var (
	// ErrSlowClient closes a connection whose outbound queue is full.
	ErrSlowClient = errors.New("client too slow, outbound queue full")

	errConnClosed = errors.New("connection closed")
	errShutdown   = errors.New("server shutting down")
)

// conn is one client websocket. Messages are queued by any goroutine via
// Send and written by a single writer goroutine. Dropping a message would
// break snapshot/update ordering, so a full queue closes the connection.
type conn struct {
	ws     *websocket.Conn
	cfg    Config
	logger *zap.Logger

	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	cause     error
	writerWG  sync.WaitGroup
}

func newConn(ws *websocket.Conn, cfg Config, logger *zap.Logger) *conn {
	return &conn{
		ws:     ws,
		cfg:    cfg,
		logger: logger,
		out:    make(chan []byte, cfg.OutboundBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues msg for the writer. It never blocks.
func (c *conn) Send(msg session.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}

	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.close(ErrSlowClient)
		return ErrSlowClient
	}
}

// close ends the connection; the first cause wins.
func (c *conn) close(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

func (c *conn) startWriter() {
	c.writerWG.Add(1)
	go c.writeLoop()
}

// writeLoop owns every write on ws and closes it on exit, which also
// unblocks the reader.
func (c *conn) writeLoop() {
	defer c.writerWG.Done()
	defer c.ws.Close()

	ticker := time.NewTicker(c.cfg.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.writeClose()
			return

		case data := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close(fmt.Errorf("write: %w", err))
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

// writeClose sends a close frame, best effort.
func (c *conn) writeClose() {
	code, text := websocket.CloseNormalClosure, ""
	switch err := c.err(); {
	case errors.Is(err, ErrSlowClient):
		code, text = websocket.ClosePolicyViolation, err.Error()
	case errors.Is(err, errShutdown):
		code, text = websocket.CloseGoingAway, err.Error()
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

// wait blocks until the writer has exited.
func (c *conn) wait() {
	c.writerWG.Wait()
}

var _ session.Sender = (*conn)(nil)
