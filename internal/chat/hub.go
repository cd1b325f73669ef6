// Package chat is the real-time messaging relay: room-scoped fan-out of
// messages to connected ride participants. Delivery is best effort; the
// persisted history is what a client reconciles against after a reconnect.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

var (
	ErrNotParticipant = errors.New("not a participant of this ride chat")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
)

// session wraps a websocket connection with a write lock, since gorilla
// connections allow only one concurrent writer.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Hub tracks which users belong to which ride room and fans messages out
// to whoever is connected. Membership is driven by the booking ledger
// (Join/Leave), not by socket connects.
type Hub struct {
	mu sync.RWMutex
	// participants is the allowed-membership set per ride.
	participants map[string]map[string]bool
	// sessions holds live sockets per ride per user.
	sessions map[string]map[string]*session

	Store     storage.ChatStore
	Logger    *slog.Logger
	MaxMsgLen int
	Now       func() time.Time
}

func NewHub(store storage.ChatStore, logger *slog.Logger) *Hub {
	return &Hub{
		participants: make(map[string]map[string]bool),
		sessions:     make(map[string]map[string]*session),
		Store:        store,
		Logger:       logger,
		MaxMsgLen:    1000,
		Now:          time.Now,
	}
}

// Join adds the user to the ride room and announces it. Implements the
// ledger's Participants collaborator.
func (h *Hub) Join(ctx context.Context, rideID, userID string) error {
	h.mu.Lock()
	if h.participants[rideID] == nil {
		h.participants[rideID] = make(map[string]bool)
	}
	h.participants[rideID][userID] = true
	h.mu.Unlock()
	h.system(ctx, rideID, userID, "user_joined")
	return nil
}

// Announce posts a system message to the room, fire and forget. The
// ride handlers use it to tell booked passengers about cancellations
// and completions.
func (h *Hub) Announce(ctx context.Context, rideID, userID, kind string) {
	h.system(ctx, rideID, userID, kind)
}

// Seed restores membership without announcing it. Used when a participant
// known from the ride record reconnects after a process restart, where the
// in-memory room state has been lost.
func (h *Hub) Seed(rideID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.participants[rideID] == nil {
		h.participants[rideID] = make(map[string]bool)
	}
	h.participants[rideID][userID] = true
}

// Leave removes the user from the room and closes any live socket.
func (h *Hub) Leave(ctx context.Context, rideID, userID string) error {
	h.mu.Lock()
	delete(h.participants[rideID], userID)
	if s, ok := h.sessions[rideID][userID]; ok {
		delete(h.sessions[rideID], userID)
		_ = s.conn.Close()
	}
	h.mu.Unlock()
	h.system(ctx, rideID, userID, "user_left")
	return nil
}

// IsParticipant reports room membership; the HTTP layer uses it to guard
// history access.
func (h *Hub) IsParticipant(rideID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.participants[rideID][userID]
}

// inbound is what clients write to the socket.
type inbound struct {
	Content string `json:"content"`
}

// ServeConn registers the socket and relays its messages until the peer
// disconnects. Blocks; run it from the connection's handler goroutine.
func (h *Hub) ServeConn(ctx context.Context, rideID, userID string, conn *websocket.Conn) error {
	if !h.IsParticipant(rideID, userID) {
		_ = conn.Close()
		return ErrNotParticipant
	}

	s := &session{conn: conn}
	h.mu.Lock()
	if h.sessions[rideID] == nil {
		h.sessions[rideID] = make(map[string]*session)
	}
	if old, ok := h.sessions[rideID][userID]; ok {
		_ = old.conn.Close()
	}
	h.sessions[rideID][userID] = s
	h.mu.Unlock()
	observability.ChatClientsConnected.Inc()

	defer func() {
		h.mu.Lock()
		if h.sessions[rideID][userID] == s {
			delete(h.sessions[rideID], userID)
		}
		h.mu.Unlock()
		observability.ChatClientsConnected.Dec()
		_ = conn.Close()
	}()

	for {
		var in inbound
		if err := conn.ReadJSON(&in); err != nil {
			return nil // peer gone
		}
		if _, err := h.Post(ctx, rideID, userID, in.Content); err != nil {
			_ = s.send(map[string]string{"error": err.Error()})
		}
	}
}

// Post validates, persists and fans out a text message.
func (h *Hub) Post(ctx context.Context, rideID, userID, content string) (*models.ChatMessage, error) {
	if !h.IsParticipant(rideID, userID) {
		return nil, ErrNotParticipant
	}
	if content == "" {
		return nil, errors.New("message content is required")
	}
	if h.MaxMsgLen > 0 && len(content) > h.MaxMsgLen {
		return nil, ErrMessageTooLong
	}
	msg := &models.ChatMessage{
		ID:       auth.NewID(),
		RideID:   rideID,
		SenderID: userID,
		Type:     models.MessageText,
		Content:  content,
		SentAt:   h.Now(),
	}
	if h.Store != nil {
		if err := h.Store.AppendMessage(ctx, msg); err != nil {
			return nil, err
		}
	}
	h.broadcast(rideID, msg)
	observability.ChatMessagesTotal.Inc()
	return msg, nil
}

// system emits a room-lifecycle message. Best effort; failures only log.
func (h *Hub) system(ctx context.Context, rideID, userID, kind string) {
	msg := &models.ChatMessage{
		ID:       auth.NewID(),
		RideID:   rideID,
		SenderID: userID,
		Type:     models.MessageSystem,
		Content:  kind,
		SentAt:   h.Now(),
	}
	if h.Store != nil {
		if err := h.Store.AppendMessage(ctx, msg); err != nil && h.Logger != nil {
			h.Logger.Warn("chat system message not persisted", "ride_id", rideID, "error", err)
		}
	}
	h.broadcast(rideID, msg)
}

func (h *Hub) broadcast(rideID string, msg *models.ChatMessage) {
	h.mu.RLock()
	peers := make([]*session, 0, len(h.sessions[rideID]))
	for _, s := range h.sessions[rideID] {
		peers = append(peers, s)
	}
	h.mu.RUnlock()
	for _, s := range peers {
		if err := s.send(msg); err != nil && h.Logger != nil {
			h.Logger.Debug("chat send failed", "ride_id", rideID, "error", err)
		}
	}
}
