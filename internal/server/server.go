// Package server exposes the scoring engine over HTTP and gRPC.
package server

import (
	"log/slog"
	"time"

	"github.com/whiteclaws/clawpoints/internal/engine"
)

// Options configures a Server. Empty AuthToken and JWTSecret disable
// authentication. A zero Rate disables the ingress limiter.
type Options struct {
	Engine    *engine.Engine
	Hub       *Hub
	Logger    *slog.Logger
	AuthToken string
	JWTSecret string
	Rate      float64
	Burst     int
	// Now is the clock for token validation; nil means time.Now.
	Now func() time.Time
}

// Server holds the transport-side state shared by the HTTP handlers.
type Server struct {
	engine  *engine.Engine
	hub     *Hub
	logger  *slog.Logger
	auth    *authenticator
	limiter *limiter
}

// New returns a Server over opts.Engine.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		engine:  opts.Engine,
		hub:     hub,
		logger:  logger.With("component", "http"),
		auth:    &authenticator{token: opts.AuthToken, secret: []byte(opts.JWTSecret), now: now},
		limiter: newLimiter(opts.Rate, opts.Burst),
	}
}
