package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/storage"
)

type authResponse struct {
	User  any    `json:"user"`
	Token string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u, token, err := s.auth.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateUser) {
			s.writeError(w, r, err)
			return
		}
		// Register joins field-level failures into one error per line.
		s.failValidation(w, strings.Split(err.Error(), "\n"))
		return
	}
	s.ok(w, http.StatusCreated, authResponse{User: u, Token: token}, "registered successfully")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u, token, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, authResponse{User: u, Token: token}, "login successful")
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.ok(w, http.StatusOK, currentUser(r), "")
}
