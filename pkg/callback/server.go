// Package callback is the controller's event listener: a small HTTP surface
// the runner POSTs envelopes to. Acceptance is decoupled from handling so a
// misbehaving handler can never make the runner retry a delivered event.
package callback

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poc-agent/poc-agent/pkg/events"
)

// Handler consumes one event envelope. Implementations must be idempotent
// where duplicates are observable; delivery is at-least-once.
type Handler interface {
	Handle(env events.Envelope)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(env events.Envelope)

func (f HandlerFunc) Handle(env events.Envelope) { f(env) }

// Server accepts runner events on POST /events.
type Server struct {
	handler Handler
	logger  *slog.Logger
	httpSrv *http.Server
}

// NewServer builds the callback server listening on the given port.
func NewServer(port int, handler Handler) *Server {
	s := &Server{
		handler: handler,
		logger:  slog.Default().With("component", "callback-server"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/events", s.handleEvent)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "callback-server"})
	})
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handleEvent(c *gin.Context) {
	var env events.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		return
	}
	if env.JobID == "" || env.EventType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id and event_type are required"})
		return
	}

	// A handler panic must not turn into a 5xx: the event was delivered.
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Event handler panicked",
					"job_id", env.JobID, "event_type", env.EventType, "panic", r)
			}
		}()
		s.handler.Handle(env)
	}()

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the listener until Shutdown. Blocks.
func (s *Server) Start() error {
	s.logger.Info("Callback server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("callback server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the HTTP handler for tests.
func (s *Server) Router() http.Handler {
	return s.httpSrv.Handler
}
