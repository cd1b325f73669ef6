package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/carpool/internal/models"
)

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// canChat checks participation against the ride record itself rather than
// the hub's in-memory rooms, which are empty after a restart. Passengers
// the driver cancelled lose access.
func canChat(ride *models.Ride, userID string) bool {
	if ride.DriverID == userID {
		return true
	}
	b, i := ride.BookingFor(userID)
	return i >= 0 && b.Status != models.BookingCancelled
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	ride, err := s.rides.GetRide(r.Context(), mux.Vars(r)["rideID"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !canChat(ride, u.ID) {
		s.fail(w, http.StatusForbidden, "not a participant of this ride")
		return
	}

	limit := queryInt(r.URL.Query().Get("limit"), s.cfg.ChatHistoryLimit)
	if limit > s.cfg.ChatHistoryLimit {
		limit = s.cfg.ChatHistoryLimit
	}
	msgs, err := s.hub.Store.History(r.Context(), ride.ID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unread, err := s.hub.Store.UnreadCount(r.Context(), ride.ID, u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// fetching history counts as reading it
	if err := s.hub.Store.MarkRead(r.Context(), ride.ID, u.ID, time.Now()); err != nil {
		s.logger.Warn("chat read mark failed", "ride_id", ride.ID, "error", err)
	}
	s.ok(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs), "unread": unread}, "")
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	ride, err := s.rides.GetRide(r.Context(), mux.Vars(r)["rideID"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !canChat(ride, u.ID) {
		s.fail(w, http.StatusForbidden, "not a participant of this ride")
		return
	}
	s.hub.Seed(ride.ID, u.ID)

	conn, err := chatUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "ride_id", ride.ID, "error", err)
		return
	}
	_ = s.hub.ServeConn(r.Context(), ride.ID, u.ID, conn)
}
