// Package wshub keeps the live websocket sessions of each user and pushes
// notification frames to them.
package wshub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

const FrameTypeNotification = "NOTIFICATION"

// Frame is the payload pushed to a client.
type Frame struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority string `json:"priority"`
	Channel  string `json:"channel"`
	Type     string `json:"type"`
}

type session struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	encoder *json.Encoder
	closed  bool
}

func (s *session) write(frame any, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return s.encoder.Encode(frame)
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		_ = s.conn.Close()
	}
}

type Hub struct {
	mu           sync.RWMutex
	sessions     map[string]map[*session]struct{}
	writeTimeout time.Duration
	logger       *zap.Logger
}

func New(writeTimeout time.Duration, logger *zap.Logger) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		sessions:     make(map[string]map[*session]struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

func (h *Hub) register(userID string, conn *websocket.Conn) *session {
	s := &session{conn: conn, encoder: json.NewEncoder(conn)}

	h.mu.Lock()
	set, ok := h.sessions[userID]
	if !ok {
		set = make(map[*session]struct{})
		h.sessions[userID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("WebSocket session opened", zap.String("user_id", userID))
	return s
}

func (h *Hub) unregister(userID string, s *session) {
	h.mu.Lock()
	if set, ok := h.sessions[userID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, userID)
		}
	}
	h.mu.Unlock()
	s.close()
}

// SendToUser writes frame to every open session of userID and returns how
// many received it. Sessions that fail to receive are closed and pruned.
func (h *Hub) SendToUser(ctx context.Context, userID string, frame any) (int, error) {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions[userID]))
	for s := range h.sessions[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := s.write(frame, h.writeTimeout); err != nil {
			h.logger.Debug("Pruning websocket session",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			h.unregister(userID, s)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Sessions returns the number of open sessions for userID.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// Total returns the number of open sessions across all users.
func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}

// CloseAll closes every session; used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := h.sessions
	h.sessions = make(map[string]map[*session]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for s := range set {
			s.close()
		}
	}
}

// Authenticator resolves the user id of an upgrade request.
type Authenticator func(r *http.Request) (string, error)

var ErrUnauthenticated = errors.New("authentication required")

// Handler serves the websocket endpoint. Client frames are read and
// discarded; the read loop only detects disconnects.
func (h *Hub) Handler(auth Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := auth(r)
		if err != nil || userID == "" {
			http.Error(w, ErrUnauthenticated.Error(), http.StatusUnauthorized)
			return
		}

		websocket.Handler(func(conn *websocket.Conn) {
			s := h.register(userID, conn)
			defer h.unregister(userID, s)

			decoder := json.NewDecoder(conn)
			for {
				var ignored json.RawMessage
				if err := decoder.Decode(&ignored); err != nil {
					return
				}
			}
		}).ServeHTTP(w, r)
	})
}
