package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in bearer JWTs, from least to most privileged.
const (
	RoleReader = "reader"
	RoleIngest = "ingest"
	RoleAdmin  = "admin"
)

// access is the privilege a route needs.
type access int

const (
	accessPublic access = iota
	accessRead
	accessWrite
	accessAdmin
)

// Claims are the JWT claims accepted by the HTTP surface.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for subject with role, valid for ttl.
func IssueToken(secret, subject, role string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	if roleAccess(role) == accessPublic {
		return "", fmt.Errorf("unknown role %q", role)
	}
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "wcp",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func roleAccess(role string) access {
	switch role {
	case RoleReader:
		return accessRead
	case RoleIngest:
		return accessWrite
	case RoleAdmin:
		return accessAdmin
	}
	return accessPublic
}

// authenticator accepts the static token (full access) or a signed JWT
// whose role covers the route.
type authenticator struct {
	token  string
	secret []byte
	now    func() time.Time
}

func (a *authenticator) enabled() bool { return a.token != "" || len(a.secret) > 0 }

// authorize returns the HTTP status and message for a refused request,
// or 0 when the request may proceed.
func (a *authenticator) authorize(r *http.Request, need access) (int, string) {
	if need == accessPublic || !a.enabled() {
		return 0, ""
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return http.StatusUnauthorized, "missing authorization header"
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return http.StatusUnauthorized, "invalid authorization scheme"
	}
	provided := strings.TrimPrefix(auth, "Bearer ")

	if a.token != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(a.token)) == 1 {
		return 0, ""
	}
	if len(a.secret) == 0 {
		return http.StatusUnauthorized, "invalid token"
	}
	claims, err := a.parse(provided)
	if err != nil {
		return http.StatusUnauthorized, "invalid token"
	}
	if roleAccess(claims.Role) < need {
		return http.StatusForbidden, "role " + claims.Role + " may not call this route"
	}
	return 0, ""
}

func (a *authenticator) parse(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// routeAccess classifies a request. Health and metrics are public, the
// admin tree needs admin, reads need read and everything else needs write.
func routeAccess(r *http.Request) access {
	switch {
	case r.URL.Path == "/v1/health" || r.URL.Path == "/metrics":
		return accessPublic
	case strings.HasPrefix(r.URL.Path, "/v1/admin/"):
		return accessAdmin
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		return accessRead
	}
	return accessWrite
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if !s.auth.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status, msg := s.auth.authorize(r, routeAccess(r)); status != 0 {
			writeError(w, status, msg)
			return
		}
		next.ServeHTTP(w, r)
	})
}
