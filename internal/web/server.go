// Package web exposes the HTTP surface: the Discord login flow, the
// websocket endpoint, the Prometheus scrape endpoint and the static
// dashboard files.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/unitedctf/instancer/internal/auth"
	"github.com/unitedctf/instancer/internal/config"
	"github.com/unitedctf/instancer/internal/gateway"
	"github.com/unitedctf/instancer/internal/metrics"
)

// shutdownTimeout bounds the graceful HTTP shutdown. Websocket connections
// are hijacked and not covered by it; Close tears those down.
const shutdownTimeout = 10 * time.Second

// NewServerParams collects the collaborators of a Server.
type NewServerParams struct {
	Auth     *auth.Authenticator
	Gateway  *gateway.Gateway
	Metrics  *metrics.Metrics
	Settings config.Settings
	Logger   *slog.Logger
}

// Server is the HTTP front of the instancer.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	auth       *auth.Authenticator
	gateway    *gateway.Gateway
	log        *slog.Logger
}

// NewServer builds the router and the underlying http.Server. Panics when a
// collaborator is missing.
func NewServer(p NewServerParams) *Server {
	if p.Auth == nil || p.Gateway == nil || p.Metrics == nil {
		panic("web: NewServer requires auth, gateway and metrics")
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		auth:    p.Auth,
		gateway: p.Gateway,
		log:     log.With("component", "web"),
	}

	engine.GET("/auth/login", s.handleLogin)
	engine.GET("/auth/callback", s.handleCallback)
	engine.GET("/auth/logout", s.handleLogout)
	engine.GET("/ws", s.handleWebsocket)
	engine.GET("/metrics", gin.WrapH(p.Metrics.Handler()))
	if p.Settings.StaticDir != "" {
		engine.NoRoute(gin.WrapH(http.FileServer(http.Dir(p.Settings.StaticDir))))
	}

	s.httpServer = &http.Server{
		Addr:              p.Settings.ListenOn,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully. Hijacked
// websocket connections survive the shutdown so sessions can keep relaying
// updates while the worker pool drains; the caller ends them with Close.
func (s *Server) Run(ctx context.Context) error {
	// The base context reaches websocket handlers through the request
	// context, which is how sessions observe shutdown.
	s.httpServer.BaseContext = func(_ net.Listener) context.Context { return ctx }

	errc := make(chan error, 1)
	go func() { errc <- s.httpServer.ListenAndServe() }()
	s.log.Info("listening", "addr", s.httpServer.Addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(sctx); err != nil {
		s.log.Warn("graceful shutdown incomplete", "error", err)
	}
	<-errc
	return nil
}

// Close force-closes the listener and every remaining connection, websocket
// sessions included. Called after the worker pool has drained.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// handleLogin starts the OAuth2 flow.
func (s *Server) handleLogin(c *gin.Context) {
	url, err := s.auth.BeginLogin(c.Writer, c.Request)
	if err != nil {
		s.log.Error("couldn't begin login", "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Redirect(http.StatusFound, url)
}

// handleCallback finishes the OAuth2 flow and redirects to the dashboard.
func (s *Server) handleCallback(c *gin.Context) {
	_, err := s.auth.CompleteLogin(c.Request.Context(), c.Writer, c.Request)
	switch {
	case errors.Is(err, auth.ErrNotInGuild):
		c.String(http.StatusForbidden, "you must be a member of the event's Discord server")
		return
	case errors.Is(err, auth.ErrBadState):
		c.AbortWithStatus(http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error("couldn't complete login", "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Redirect(http.StatusFound, "/")
}

func (s *Server) handleLogout(c *gin.Context) {
	if err := s.auth.Logout(c.Writer, c.Request); err != nil {
		s.log.Error("couldn't log out", "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Redirect(http.StatusFound, "/")
}

// handleWebsocket upgrades authenticated requests and hands the connection
// to the gateway for the rest of its life.
func (s *Server) handleWebsocket(c *gin.Context) {
	userID, ok := s.auth.UserID(c.Request)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close() //nolint:errcheck // double close on error paths is fine

	if err := s.gateway.Handle(c.Request.Context(), conn, userID); err != nil {
		s.log.Warn("session ended with error", "user", userID, "error", err)
	}
}
