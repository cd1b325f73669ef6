package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/chat"
	"github.com/example/carpool/internal/ledger"
	"github.com/example/carpool/internal/reviews"
	"github.com/example/carpool/internal/storage"
)

// envelope matches the response shape the mobile clients already parse:
// {"success": bool, "data": ..., "message": ...}.
type envelope struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Message string   `json:"message,omitempty"`
	Code    string   `json:"code,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func (s *Server) failValidation(w http.ResponseWriter, errs []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Message: "validation failed", Errors: errs})
}

func (s *Server) ok(w http.ResponseWriter, status int, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Message: message})
}

func (s *Server) fail(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Message: message})
}

func (s *Server) failCode(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Code: code, Message: message})
}

// writeError maps domain errors onto the API contract. Business-rule
// rejections carry their stable reason code; anything unrecognized is a
// generic infrastructure failure, safe for the client to retry.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *ledger.Rejection
	switch {
	case errors.As(err, &rej):
		s.failCode(w, http.StatusBadRequest, string(rej.Code), rej.Message)
	case errors.Is(err, storage.ErrNotFound):
		s.fail(w, http.StatusNotFound, "not found")
	case errors.Is(err, ledger.ErrBookingNotFound):
		s.fail(w, http.StatusNotFound, "booking not found")
	case errors.Is(err, ledger.ErrNotAuthorized):
		s.fail(w, http.StatusForbidden, "you are not authorized for this action")
	case errors.Is(err, storage.ErrDuplicateUser),
		errors.Is(err, storage.ErrDuplicateReview):
		s.fail(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrAccountInactive),
		errors.Is(err, auth.ErrInvalidToken):
		s.fail(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, chat.ErrNotParticipant),
		errors.Is(err, reviews.ErrNotParticipant):
		s.fail(w, http.StatusForbidden, err.Error())
	case errors.Is(err, reviews.ErrRideNotCompleted),
		errors.Is(err, reviews.ErrSelfReview),
		errors.Is(err, reviews.ErrInvalidRating),
		errors.Is(err, reviews.ErrCommentTooLong),
		errors.Is(err, chat.ErrMessageTooLong):
		s.fail(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err)
		s.fail(w, http.StatusInternalServerError, "server error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}
