package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/carpool/internal/reviews"
)

func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	var req reviews.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rv, err := s.reviews.Create(r.Context(), currentUser(r).ID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, http.StatusCreated, rv, "review submitted")
}

func (s *Server) handleReviewsForUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	list, err := s.reviews.ForUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.users.GetUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]any{
		"reviews": list,
		"count":   len(list),
		"rating":  u.Rating,
	}, "")
}
