package signaling

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairlink/signaling-relay/internal/metrics"
	"github.com/pairlink/signaling-relay/internal/origin"
	"github.com/pairlink/signaling-relay/internal/ratelimit"
	"github.com/pairlink/signaling-relay/internal/registry"
)

const wsWriteWait = 1 * time.Second

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Registry holds room membership. If nil, a fresh unlimited registry is
	// created.
	Registry *registry.Registry

	// AllowedOrigins are normalized origins permitted to open the signaling
	// socket. "*" allows any origin; an empty list allows same-host only.
	// Requests without an Origin header are always allowed so non-browser
	// clients can connect.
	AllowedOrigins []string

	// IdleTimeout closes a connection that produces no reads (messages or
	// pongs) for this long.
	IdleTimeout time.Duration

	// PingInterval is how often the server pings each connection. Must be
	// shorter than IdleTimeout.
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	MaxRoomIDLength      int

	// Clock is used by the per-connection rate limiter. Nil means wall clock.
	Clock ratelimit.Clock
}

// Server implements the relay's WebSocket signaling surface.
//
// Endpoint:
//   - GET /signal : WebSocket signaling (join-room, offer/answer/candidate
//     relay, disconnect)
type Server struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	relay   *Relay
	clock   ratelimit.Clock

	allowedOrigins []string

	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int

	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New(0)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}

	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 || pingInterval >= idleTimeout {
		pingInterval = idleTimeout / 3
	}
	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = 64 * 1024
	}

	s := &Server{
		log:     logger,
		metrics: cfg.Metrics,
		relay:   NewRelay(reg, logger, cfg.Metrics, cfg.MaxRoomIDLength),
		clock:   clock,

		allowedOrigins: cfg.AllowedOrigins,

		idleTimeout:          idleTimeout,
		pingInterval:         pingInterval,
		maxMessageBytes:      maxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// Relay exposes the routing core, mainly for tests.
func (s *Server) Relay() *Relay { return s.relay }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

// checkOrigin runs at upgrade time so a disallowed browser origin never
// reaches the signaling loop.
func (s *Server) checkOrigin(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}
	normalized, host, ok := origin.Normalize(raw)
	if !ok {
		return false
	}
	return origin.Allowed(normalized, host, r.Host, s.allowedOrigins)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.log.Debug("websocket upgrade rejected", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	var limiter *ratelimit.TokenBucket
	if s.maxMessagesPerSecond > 0 {
		limiter = ratelimit.NewTokenBucket(s.clock, int64(s.maxMessagesPerSecond), int64(s.maxMessagesPerSecond))
	}

	wss := &wsSession{
		srv:     s,
		conn:    conn,
		id:      newConnectionID(),
		limiter: limiter,
		done:    make(chan struct{}),
	}
	s.relay.Register(wss)

	s.log.Info("connection opened", "conn_id", wss.id, "remote_addr", r.RemoteAddr)
	wss.run()
}

type wsSession struct {
	srv  *Server
	conn *websocket.Conn
	id   string

	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (wss *wsSession) ID() string { return wss.id }

// Deliver implements Peer. It is called from the relay on whichever goroutine
// triggered the event; writeMu serializes it with the keepalive pings.
func (wss *wsSession) Deliver(msg SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wss.conn.WriteMessage(websocket.TextMessage, data)
}

func (wss *wsSession) run() {
	defer wss.Close()
	defer func() {
		if r := recover(); r != nil {
			wss.srv.log.Error("panic in signaling session", "conn_id", wss.id, "panic", r)
		}
	}()

	wss.conn.SetReadLimit(wss.srv.maxMessageBytes)
	_ = wss.conn.SetReadDeadline(time.Now().Add(wss.srv.idleTimeout))
	wss.conn.SetPongHandler(func(string) error {
		return wss.conn.SetReadDeadline(time.Now().Add(wss.srv.idleTimeout))
	})

	go wss.pingLoop()

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				// No messages and no pongs for the idle window. Close
				// politely so the client sees a close code, not a reset.
				wss.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		// Rate-limit after reading so bytes already in the TCP receive buffer
		// are consumed; closing with unread data can turn into an abortive
		// close and hide the close code from the client.
		if wss.limiter != nil && !wss.limiter.Allow() {
			wss.srv.metrics.Inc(metrics.ConnectionRateLimited)
			wss.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			wss.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			// A malformed message is the client's problem, not the
			// connection's. Report it and keep the socket open.
			wss.srv.metrics.Inc(metrics.MessageRejectedMalformed)
			_ = wss.Deliver(SignalMessage{
				Type:    MessageTypeError,
				Message: "Invalid message",
				Details: err.Error(),
			})
			continue
		}

		switch msg.Type {
		case MessageTypeJoinRoom:
			wss.srv.relay.Join(wss.id, msg.RoomID)
		case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
			wss.srv.relay.Forward(wss.id, msg)
		case MessageTypeDisconnect:
			wss.closeWith(websocket.CloseNormalClosure, "bye")
			return
		}
	}
}

// pingLoop keeps NATs and proxies from reaping idle connections and gives the
// read deadline something to extend via pongs.
func (wss *wsSession) pingLoop() {
	ticker := time.NewTicker(wss.srv.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wss.done:
			return
		case <-ticker.C:
			wss.writeMu.Lock()
			err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			wss.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// Close tears the connection down exactly once: the read loop, the keepalive
// ticker, and a transport-level close can all race into it.
func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		close(wss.done)
		wss.srv.relay.Disconnect(wss.id)
		_ = wss.conn.Close()
		wss.srv.log.Info("connection closed", "conn_id", wss.id)
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func newConnectionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
