package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"solana-feed-gateway/internal/observability"
	"solana-feed-gateway/internal/session"
)

// Default connection settings.
const (
	DefaultOutboundBuffer = 256
	DefaultWriteTimeout   = 10 * time.Second
	DefaultPongTimeout    = 60 * time.Second
	DefaultMaxMessageSize = 64 * 1024

	shutdownTimeout = 10 * time.Second
)

// Config configures client connections.
type Config struct {
	OutboundBuffer int
	WriteTimeout   time.Duration
	// PongTimeout is how long a connection may stay silent; pings are sent
	// at 9/10 of it.
	PongTimeout    time.Duration
	MaxMessageSize int64
}

// DefaultConfig returns the default connection settings.
func DefaultConfig() Config {
	return Config{
		OutboundBuffer: DefaultOutboundBuffer,
		WriteTimeout:   DefaultWriteTimeout,
		PongTimeout:    DefaultPongTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = d.OutboundBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
}

func (c Config) pingInterval() time.Duration {
	return c.PongTimeout * 9 / 10
}

// WatcherCounter reports running ledger watchers.
type WatcherCounter interface {
	Watchers() int
}

// Option configures Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics sets the metrics sink and the gatherer served on /metrics.
func WithMetrics(m *observability.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithWatcherCounter reports shared watchers on /status.
func WithWatcherCounter(w WatcherCounter) Option {
	return func(s *Server) {
		s.watchers = w
	}
}

// Server is the client-facing entry point: it upgrades websocket
// connections, hands their frames to the session manager and serves
// health, status and metrics.
type Server struct {
	cfg      Config
	manager  *session.Manager
	logger   *zap.Logger
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	watchers WatcherCounter
	upgrader websocket.Upgrader
	started  time.Time

	conns mapset.Set[*conn]
}

// NewServer creates a Server over manager.
func NewServer(cfg Config, manager *session.Manager, opts ...Option) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:     cfg,
		manager: manager,
		logger:  zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		started: time.Now(),
		conns:   mapset.NewSet[*conn](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("gateway")
	return s
}

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWS)

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/status", s.handleStatus)

	// Prometheus metrics
	mux.Handle("/metrics", observability.Handler(s.gatherer))

	return mux
}

// Run serves on addr until ctx is cancelled, then closes every client
// connection and tears down their sessions.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)

	// hijacked websocket connections are not tracked by Shutdown
	s.CloseConnections()
	s.manager.Close()

	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// CloseConnections closes every client connection.
func (s *Server) CloseConnections() {
	for _, c := range s.conns.ToSlice() {
		c.close(errShutdown)
	}
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	return s.conns.Cardinality()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newConn(ws, s.cfg, s.logger)
	s.conns.Add(c)
	defer s.conns.Remove(c)
	c.startWriter()

	sess := s.manager.Open(ctx, c)
	logger := s.logger.With(zap.String("session", sess.ID()), zap.String("remote", r.RemoteAddr))
	logger.Debug("client connected")

	s.readLoop(ctx, c, sess)

	// the session goes first so no pump writes into a dead connection
	s.manager.OnDisconnect(sess)
	c.close(nil)
	c.wait()

	if err := c.err(); err != nil {
		if errors.Is(err, ErrSlowClient) {
			s.metrics.RecordClientError("slow_client")
		}
		logger.Debug("client disconnected", zap.Error(err))
		return
	}
	logger.Debug("client disconnected")
}

// readLoop hands every client frame to the session manager until the
// connection fails or is closed.
func (s *Server) readLoop(ctx context.Context, c *conn, sess *session.Session) {
	ws := c.ws
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.close(fmt.Errorf("read: %w", err))
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if msgType != websocket.TextMessage {
			s.manager.Handle(ctx, sess, nil)
			continue
		}
		s.manager.Handle(ctx, sess, data)
	}
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status        string                   `json:"status"`
	Uptime        string                   `json:"uptime"`
	Started       time.Time                `json:"started"`
	Connections   int                      `json:"connections"`
	Sessions      int                      `json:"sessions"`
	Subscriptions int                      `json:"subscriptions"`
	ByDataType    map[session.DataType]int `json:"subscriptions_by_data_type"`
	Watchers      *int                     `json:"watchers,omitempty"`
}

// handleStatus returns server status as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.manager.Stats()
	resp := StatusResponse{
		Status:        "running",
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		Started:       s.started,
		Connections:   s.Connections(),
		Sessions:      st.Sessions,
		Subscriptions: st.Subscriptions,
		ByDataType:    st.ByDataType,
	}
	if s.watchers != nil {
		n := s.watchers.Watchers()
		resp.Watchers = &n
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
