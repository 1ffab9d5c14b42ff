// Package rest implements the REST management surface: telemetry,
// configuration, and run control over HTTP — a gin-gonic/gin router with
// a gin-contrib/static SPA mount and swaggo/swag + gin-swagger
// documentation, closing over internal/mgmt/runtime.Runtime.
package rest

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/packetforge/internal/mgmt/runtime"
)

// Server is the management REST API server.
type Server struct {
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds a Server bound to rt, listening on rt.Config().Mgmt.RESTPort.
func New(rt *runtime.Runtime, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(slogRequestLogger(logger))

	registerRoutes(engine, rt)
	mountSPA(engine, logger)

	addr := net.JoinHostPort("", strconv.Itoa(int(rt.Config().Mgmt.RESTPort)))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{logger: logger, engine: engine, httpServer: httpServer}
}

// Addr returns the server's listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Engine exposes the underlying gin.Engine, mainly for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// ListenAndServe runs the HTTP server until it is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
