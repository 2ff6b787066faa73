package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pauljones0/portfolio-backend/internal/identity"
	"github.com/pauljones0/portfolio-backend/internal/validator"
)

type identityResponse struct {
	UID   string        `json:"uid"`
	Role  identity.Role `json:"role"`
	Token string        `json:"token,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleAnonymous(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	uid, err := sess.AcquireAnonymous(r.Context())
	if err != nil {
		slog.Error("Failed to issue anonymous identity", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create identity")
		return
	}
	s.saveSession(w, r, sess)
	writeJSON(w, http.StatusOK, identityResponse{UID: uid, Role: sess.Role()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.validate.ValidateStruct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid login", Fields: validator.Fields(err)})
		return
	}
	token, claims, err := s.issuer.Login(req.Email, req.Password)
	if errors.Is(err, identity.ErrInvalidCredentials) {
		slog.Warn("Rejected admin login", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		slog.Error("Admin login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	s.saveSession(w, r, identity.NewSession(s.issuer, token))
	writeJSON(w, http.StatusOK, identityResponse{UID: claims.Subject, Role: claims.Role, Token: token})
}
