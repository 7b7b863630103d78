// Package server exposes the hub over HTTP: one WebSocket endpoint per user,
// a broadcast endpoint and a health check.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stupiduntilnot/chatdesk/internal/db"
	"github.com/stupiduntilnot/chatdesk/internal/hub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	frameQueueSize = 16
)

// FrameHandler processes one inbound frame of a channel.
type FrameHandler interface {
	HandleFrame(ctx context.Context, userID string, ch hub.Channel, raw []byte) error
}

// HandlerFunc adapts a function to FrameHandler.
type HandlerFunc func(ctx context.Context, userID string, ch hub.Channel, raw []byte) error

func (f HandlerFunc) HandleFrame(ctx context.Context, userID string, ch hub.Channel, raw []byte) error {
	return f(ctx, userID, ch, raw)
}

// EventLogger writes audit events.
type EventLogger interface {
	LogEvent(parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// Options tunes a Server. Zero values use the package defaults.
type Options struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
	ReadLimit  int64
	Events     EventLogger
}

// Server owns the WebSocket connections it has upgraded.
type Server struct {
	hub      *hub.Hub
	handler  FrameHandler
	log      *zap.Logger
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

func New(h *hub.Hub, handler FrameHandler, log *zap.Logger, opts Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = writeWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = pongWait
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = (opts.PongWait * 9) / 10
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = maxMessageSize
	}
	return &Server{
		hub:     h,
		handler: handler,
		log:     log,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Authentication is out of scope; any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: map[*websocket.Conn]struct{}{},
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{user_id}", s.handleWebSocket)
	mux.HandleFunc("POST /api/broadcast", s.handleBroadcast)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Close closes every open WebSocket connection and waits for their read
// loops to finish. http.Server.Shutdown does not track hijacked connections.
func (s *Server) Close() {
	s.mu.Lock()
	for conn := range s.conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("user_id"))
	if userID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ch := &wsChannel{id: uuid.NewString(), conn: conn, writeWait: s.opts.WriteWait}
	s.hub.Connect(userID, ch)

	s.readLoop(r.Context(), userID, ch)
}

// readLoop reads frames on its own goroutine so pongs keep extending the
// read deadline while a slow frame is processed. Frames are handled in
// arrival order on the calling goroutine.
func (s *Server) readLoop(ctx context.Context, userID string, ch *wsChannel) {
	log := s.log.With(zap.String("user_id", userID), zap.String("channel_id", ch.id))
	done := make(chan struct{})
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		s.pingLoop(ch, done, log)
	}()

	frames := make(chan []byte, frameQueueSize)
	go func() {
		defer workers.Done()
		defer close(frames)
		s.readFrames(ch, frames, done, log)
	}()

	defer func() {
		close(done)
		s.hub.Disconnect(userID, ch)
		ch.conn.Close()
		workers.Wait()
		s.mu.Lock()
		delete(s.conns, ch.conn)
		s.mu.Unlock()
	}()

	for data := range frames {
		if err := s.handler.HandleFrame(ctx, userID, ch, data); err != nil {
			log.Warn("frame not processed", zap.Error(err))
		}
	}
}

func (s *Server) readFrames(ch *wsChannel, frames chan<- []byte, done <-chan struct{}, log *zap.Logger) {
	conn := ch.conn
	conn.SetReadLimit(s.opts.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("websocket read error", zap.Error(err))
			} else {
				log.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		select {
		case frames <- data:
		case <-done:
			return
		}
		// Pongs queue up unread while the frame queue is full.
		conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	}
}

func (s *Server) pingLoop(ch *wsChannel, done <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ch.ping(); err != nil {
				log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

type broadcastRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.ReadLimit))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	n := s.hub.Broadcast(r.Context(), hub.AssistantFrame(req.Content))
	s.log.Info("broadcast sent", zap.Int("channels", n))
	if s.opts.Events != nil {
		if _, err := s.opts.Events.LogEvent(nil, db.EventBroadcastSent, map[string]any{
			"channels": n,
			"content":  req.Content,
		}); err != nil {
			s.log.Warn("log event failed", zap.String("event_type", db.EventBroadcastSent), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"users":             len(s.hub.Users()),
		"delivery_failures": s.hub.Failures(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// wsChannel is a hub.Channel over one WebSocket connection. gorilla allows
// one concurrent writer, so writes are serialized.
type wsChannel struct {
	id        string
	conn      *websocket.Conn
	writeWait time.Duration

	mu     sync.Mutex
	closed bool
}

func (c *wsChannel) ID() string { return c.id }

func (c *wsChannel) Send(ctx context.Context, f hub.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(f); err != nil {
		// A failed write leaves the connection unusable. Closing it ends the
		// read loop so the client sees the drop and can reconnect.
		c.closed = true
		c.conn.Close()
		return err
	}
	return nil
}

func (c *wsChannel) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

var errChannelClosed = errors.New("channel closed")
