package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/Avicted/courier/internal/auth"
	"github.com/Avicted/courier/internal/message"
	"github.com/Avicted/courier/internal/metrics"
	"github.com/Avicted/courier/internal/registry"
	"github.com/Avicted/courier/internal/router"
	"github.com/Avicted/courier/internal/securelog"
	"github.com/Avicted/courier/internal/user"
)

const (
	defaultSendBuffer    = 64
	defaultWriteTimeout  = 5 * time.Second
	defaultMaxFrameBytes = 1 << 20
	persistTimeout       = 10 * time.Second
)

// Error codes carried by error events.
const (
	CodeMalformed    = "malformed"
	CodeUnauthorized = "unauthorized"
	CodePersistence  = "persistence_unavailable"
	CodeRateLimited  = "rate_limited"
	CodeServer       = "server_error"
)

type Options struct {
	SendBuffer    int
	WriteTimeout  time.Duration
	MaxFrameBytes int64
	// InboundRPS and InboundBurst bound send frames per connection. Zero
	// disables the limit.
	InboundRPS   float64
	InboundBurst int
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = defaultMaxFrameBytes
	}
	if o.InboundRPS > 0 && o.InboundBurst <= 0 {
		o.InboundBurst = 1
	}
	return o
}

type tokenValidator interface {
	ValidateToken(token string) (auth.Session, error)
}

type submitter interface {
	Submit(ctx context.Context, identity user.ID, raw []byte) (message.Message, error)
}

// Hub accepts live connections, keeps the registry in sync with them and
// feeds inbound frames to the router.
type Hub struct {
	registry  *registry.Registry
	router    submitter
	validator tokenValidator
	metrics   *metrics.Metrics
	log       *zap.Logger
	opts      Options

	mu       sync.Mutex
	clients  map[*Client]struct{}
	shutdown bool
}

func NewHub(reg *registry.Registry, r submitter, validator tokenValidator, m *metrics.Metrics, log *zap.Logger, opts Options) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		registry:  reg,
		router:    r,
		validator: validator,
		metrics:   m,
		log:       log.Named("ws"),
		opts:      opts.withDefaults(),
		clients:   make(map[*Client]struct{}),
	}
}

// Run blocks until ctx is done and then closes every live connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.shutdown = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutdown")
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS upgrades an authenticated request and serves it until the
// connection ends.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil || h.router == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	session, err := authenticateRequest(r, h.validator)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(h.opts.MaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	client := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, h.opts.SendBuffer),
		userID: session.UserID,
	}
	if h.opts.InboundRPS > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(h.opts.InboundRPS), h.opts.InboundBurst)
	}

	if !h.track(client) {
		client.close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	h.register(client)

	go client.writeLoop()
	client.readLoop()
}

func (h *Hub) track(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) register(c *Client) {
	prev := h.registry.Register(c.userID, c)
	h.metrics.Registered(h.registry.Count(), prev != nil)
	h.log.Debug("connection registered", zap.String("user", string(c.userID)), zap.String("conn", c.id))

	if old, ok := prev.(*Client); ok {
		go old.close(websocket.StatusPolicyViolation, "superseded")
	}
}

// unregister runs once per connection when its read loop ends.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	if h.registry.Unregister(c.userID, c) {
		h.metrics.Unregistered(h.registry.Count())
	}
	c.close(websocket.StatusNormalClosure, "bye")
	h.log.Debug("connection closed", zap.String("user", string(c.userID)), zap.String("conn", c.id))
}

// Client is one live connection. It implements registry.Handle.
type Client struct {
	id        string
	conn      *websocket.Conn
	hub       *Hub
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	limiter   *rate.Limiter
	userID    user.ID
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
}

func (c *Client) ID() string {
	return c.id
}

// Push queues data without blocking. A full buffer closes the connection;
// the peer can reconnect and read history.
func (c *Client) Push(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return router.ErrHandleClosed
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return nil
	default:
	}
	c.mu.Unlock()

	go c.close(websocket.StatusPolicyViolation, "send buffer full")
	return router.ErrSlowConsumer
}

func (c *Client) readLoop() {
	defer c.hub.unregister(c)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.hub.metrics.ObserveRoute(metrics.OutcomeRateLimited)
			c.sendError(CodeRateLimited, "too many messages")
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	// A send that reached the router is persisted even if the sender
	// disconnects mid-write.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), persistTimeout)
	defer cancel()

	msg, err := c.hub.router.Submit(ctx, c.userID, data)
	switch {
	case err == nil:
		c.sendEvent(router.MessageEvent(router.EventMessageSent, msg))
	case errors.Is(err, message.ErrMalformedInput):
		c.sendError(CodeMalformed, "invalid message")
	case errors.Is(err, message.ErrUnauthorized):
		c.sendError(CodeUnauthorized, "sender does not match session")
	case errors.Is(err, message.ErrPersistenceUnavailable):
		c.sendError(CodePersistence, "message was not stored")
	default:
		securelog.Error(c.hub.log, "ws.submit", err)
		c.sendError(CodeServer, "internal error")
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, c.hub.opts.WriteTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (c *Client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()

		_ = c.conn.Close(status, reason)
		c.cancel()
	})
}

func (c *Client) sendEvent(event router.Event) {
	data, err := event.Encode()
	if err != nil {
		return
	}
	_ = c.Push(data)
}

func (c *Client) sendError(code, text string) {
	c.sendEvent(router.ErrorEvent(code, text))
}

func authenticateRequest(r *http.Request, validator tokenValidator) (auth.Session, error) {
	if validator == nil {
		return auth.Session{}, auth.ErrUnauthorized
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return validator.ValidateToken(token)
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		token, ok := auth.BearerToken(header)
		if !ok {
			return auth.Session{}, auth.ErrUnauthorized
		}
		return validator.ValidateToken(token)
	}
	return auth.Session{}, auth.ErrUnauthorized
}
