package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// RequestTimeout bounds a correlated request when ctx has no deadline.
	RequestTimeout time.Duration
	// NotificationBuffer is the capacity of the notification channel.
	NotificationBuffer int
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		HandshakeTimeout:   10 * time.Second,
		PingInterval:       30 * time.Second,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Second,
		RequestTimeout:     30 * time.Second,
		NotificationBuffer: 10000,
	}
}

// WSClient implements Stream using gorilla/websocket.
// Subscription requests carry integer ids from a per-connection counter;
// other calls carry random UUID strings. Both are matched to their replies
// regardless of ordering.
type WSClient struct {
	endpoint string
	config   WSClientConfig
	nextID   atomic.Int64

	conn    *websocket.Conn
	writeMu sync.Mutex

	pending   map[string]chan wsReply
	pendingMu sync.Mutex

	notifications chan Notification

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	wg        sync.WaitGroup
}

type wsReply struct {
	result json.RawMessage
	err    *RPCError
}

// NewWSClient dials endpoint and starts the read and ping loops.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig) (*WSClient, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("websocket dial %s: %w", endpoint, ErrRateLimited)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	c := &WSClient{
		endpoint:      endpoint,
		config:        cfg,
		conn:          conn,
		pending:       make(map[string]chan wsReply),
		notifications: make(chan Notification, cfg.NotificationBuffer),
		done:          make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// DialWS is a StreamDialer backed by NewWSClient with default configuration.
func DialWS(ctx context.Context, address string) (Stream, error) {
	return NewWSClient(ctx, address, nil)
}

// Endpoint returns the websocket address.
func (c *WSClient) Endpoint() string {
	return c.endpoint
}

// Notifications implements Stream.
func (c *WSClient) Notifications() <-chan Notification {
	return c.notifications
}

// Done implements Stream.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

// Err implements Stream.
func (c *WSClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Subscribe implements Stream.
func (c *WSClient) Subscribe(ctx context.Context, method string, params []interface{}) (int64, error) {
	var subID int64
	if err := c.roundTrip(ctx, c.nextID.Add(1), method, params, &subID); err != nil {
		return 0, fmt.Errorf("%s: %w", method, err)
	}
	return subID, nil
}

// Unsubscribe implements Stream.
func (c *WSClient) Unsubscribe(ctx context.Context, method string, subID int64) error {
	var ok bool
	if err := c.roundTrip(ctx, c.nextID.Add(1), method, []interface{}{subID}, &ok); err != nil {
		return fmt.Errorf("%s %d: %w", method, subID, err)
	}
	return nil
}

// Call implements Stream.
func (c *WSClient) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	return c.roundTrip(ctx, uuid.NewString(), method, params, result)
}

// roundTrip sends one request with id, which must be an int64 or a string,
// and waits for its reply.
func (c *WSClient) roundTrip(ctx context.Context, id interface{}, method string, params []interface{}, result interface{}) error {
	if c.closed.Load() {
		return ErrTransportClosed
	}

	if _, ok := ctx.Deadline(); !ok && c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	reqID := pendingKey(id)
	replyCh := make(chan wsReply, 1)

	c.pendingMu.Lock()
	c.pending[reqID] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
	if err := c.write(req); err != nil {
		return err
	}

	select {
	case reply := <-replyCh:
		if reply.err != nil {
			return reply.err
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(reply.result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrTransportClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", method, ErrRequestTimeout)
		}
		return ctx.Err()
	}
}

func (c *WSClient) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write request: %w: %v", ErrTransportClosed, err)
	}
	return nil
}

// Close implements Stream.
func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.conn.Close()
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

func (c *WSClient) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		close(c.done)
	})
}

// readLoop reads messages until the connection breaks, then closes Done.
func (c *WSClient) readLoop() {
	defer c.wg.Done()

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				c.shutdown(nil)
			} else {
				c.shutdown(fmt.Errorf("read: %w: %v", ErrTransportClosed, err))
				c.conn.Close()
			}
			return
		}
		c.handleMessage(message)
	}
}

// handleMessage routes a response to its pending request or a notification
// to the notification channel.
func (c *WSClient) handleMessage(message []byte) {
	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	if msg.Method != "" {
		if msg.Params == nil {
			return
		}
		n := Notification{
			Method:       msg.Method,
			Subscription: msg.Params.Subscription,
			Value:        msg.Params.Result.Value,
		}
		if msg.Params.Result.Context != nil {
			n.Slot = msg.Params.Result.Context.Slot
		}
		// signatureNotification results carry no context in some providers
		if len(n.Value) == 0 {
			n.Value = msg.Params.Result.Raw
		}
		select {
		case c.notifications <- n:
		case <-c.done:
		}
		return
	}

	id := msg.requestID()
	if id == "" {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- wsReply{result: msg.Result, err: msg.Error}:
	default:
	}
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClient) pingLoop() {
	defer c.wg.Done()

	if c.config.PingInterval <= 0 {
		<-c.done
		return
	}

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			// a failed ping surfaces as a read error
			c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
		}
	}
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// pendingKey is the pending-map key of a request id, in the form
// wsMessage.requestID yields for its reply.
func pendingKey(id interface{}) string {
	switch v := id.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return v
	}
	return fmt.Sprint(id)
}

type wsMessage struct {
	JSONRPC string                `json:"jsonrpc"`
	ID      json.RawMessage       `json:"id"`
	Method  string                `json:"method"`
	Result  json.RawMessage       `json:"result"`
	Error   *RPCError             `json:"error"`
	Params  *wsNotificationParams `json:"params"`
}

func (m *wsMessage) requestID() string {
	if len(m.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}

type wsNotificationParams struct {
	Subscription int64                `json:"subscription"`
	Result       wsNotificationResult `json:"result"`
}

type wsNotificationResult struct {
	Context *wsContext      `json:"context"`
	Value   json.RawMessage `json:"value"`
	Raw     json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw result for notifications without a context/value envelope.
func (r *wsNotificationResult) UnmarshalJSON(data []byte) error {
	type plain wsNotificationResult
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		// non-object results (e.g. a bare string) are passed through
		r.Raw = append(json.RawMessage(nil), data...)
		return nil
	}
	*r = wsNotificationResult(p)
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

type wsContext struct {
	Slot int64 `json:"slot"`
}

var _ Stream = (*WSClient)(nil)
