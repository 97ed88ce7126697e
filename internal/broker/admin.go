package broker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ShaleXIONG/veracruz/internal/brokererr"
)

// adminClaims is the JWT payload for the Broker's operator-facing admin
// API (inspect sessions, force-close) — a Broker-operator surface, not
// part of the client-facing mTLS protocol in spec.md §6.
type adminClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// AdminAuth issues and validates short-lived admin JWTs.
type AdminAuth struct {
	secret []byte
}

// NewAdminAuth builds an AdminAuth over an HMAC secret.
func NewAdminAuth(secret []byte) *AdminAuth { return &AdminAuth{secret: secret} }

// IssueToken returns a JWT valid for one hour, naming operator.
func (a *AdminAuth) IssueToken(operator string) (string, error) {
	claims := adminClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "veracruz-broker",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AdminAuth) validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &adminClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*adminClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	return claims.Operator, nil
}

// Middleware requires a valid Bearer admin JWT.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, brokererr.New(brokererr.Unauthorized, "missing bearer token"))
			return
		}
		if _, err := a.validate(strings.TrimPrefix(authHeader, "Bearer ")); err != nil {
			writeError(w, http.StatusUnauthorized, brokererr.New(brokererr.Unauthorized, "invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminRoutes registers operator endpoints for inspecting and force
// closing sessions, gated by AdminAuth.
func (f *Frontend) AdminRoutes(auth *AdminAuth) chi.Router {
	r := chi.NewRouter()
	r.Use(auth.Middleware)
	r.Get("/sessions/{session_id}", f.handleAdminInspect)
	r.Post("/sessions/{session_id}/close", f.handleAdminForceClose)
	return r
}

func (f *Frontend) handleAdminInspect(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseSessionID(chi.URLParam(r, "session_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s, err := f.broker.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeSuccess(w, map[string]any{
		"session_id": s.ID,
		"phase":      s.Phase.String(),
		"active":     s.Active,
	})
}

func (f *Frontend) handleAdminForceClose(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseSessionID(chi.URLParam(r, "session_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		TicketID uint32 `json:"ticket_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.broker.FailSession(r.Context(), sessionID, req.TicketID, brokererr.New(brokererr.Internal, "force closed by operator"))
	writeSuccess(w, nil)
}
