package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pauljones0/portfolio-backend/internal/identity"
)

const (
	identityCookie = "pf_identity"
	deviceCookie   = "pf_device"
	deviceTTL      = 365 * 24 * time.Hour
)

// sessionFor restores the caller's identity from the bearer token or the
// identity cookie.
func (s *Server) sessionFor(r *http.Request) *identity.Session {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	} else if c, err := r.Cookie(identityCookie); err == nil {
		token = c.Value
	}
	return identity.NewSession(s.issuer, token)
}

// saveSession sets the identity cookie when the session carries a token the
// request did not send.
func (s *Server) saveSession(w http.ResponseWriter, r *http.Request, sess *identity.Session) {
	if c := s.sessionCookie(r, sess); c != nil {
		http.SetCookie(w, c)
	}
}

func (s *Server) sessionCookie(r *http.Request, sess *identity.Session) *http.Cookie {
	token := sess.Token()
	if token == "" {
		return nil
	}
	if c, err := r.Cookie(identityCookie); err == nil && c.Value == token {
		return nil
	}
	return &http.Cookie{
		Name:     identityCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.identityTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	}
}

// deviceID returns the caller's device id, assigning a new one when the
// cookie is missing or malformed.
func deviceID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(deviceCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     deviceCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(deviceTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}
