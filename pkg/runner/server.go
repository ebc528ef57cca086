package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poc-agent/poc-agent/pkg/config"
)

// ModelFactory builds the LLM client for a session. Tests substitute a
// scripted model here.
type ModelFactory func(model string) Model

// Server exposes the session command API consumed by the controller.
type Server struct {
	registry    *Registry
	newModel    ModelFactory
	workspace   string
	jobsRoot    string
	callbackURL string // default when the start request omits one
	logger      *slog.Logger
	httpServer  *http.Server
}

type startBody struct {
	Goal            string `json:"goal"`
	CallbackURL     string `json:"callback_url"`
	Model           string `json:"model"`
	MaxTurns        int    `json:"max_turns"`
	ApprovalTimeout int    `json:"approval_timeout"`
}

type approveBody struct {
	ToolUseID       string `json:"tool_use_id"`
	Approved        bool   `json:"approved"`
	AutoApproveTool bool   `json:"auto_approve_tool"`
}

type messageBody struct {
	Message string `json:"message"`
}

// NewServer wires the command API around a session registry.
func NewServer(registry *Registry, newModel ModelFactory, workspace, jobsRoot, callbackURL string) *Server {
	return &Server{
		registry:    registry,
		newModel:    newModel,
		workspace:   workspace,
		jobsRoot:    jobsRoot,
		callbackURL: callbackURL,
		logger:      slog.Default().With("component", "runner-server"),
	}
}

// Router builds the gin engine with all session routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "runner"})
	})

	jobs := router.Group("/jobs/:id")
	jobs.POST("/start", s.handleStart)
	jobs.POST("/approve", s.handleApprove)
	jobs.POST("/message", s.handleMessage)
	jobs.POST("/cancel", s.handleCancel)
	jobs.POST("/end", s.handleEnd)
	jobs.GET("/status", s.handleStatus)

	return router
}

// Start serves the command API on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Router()}
	s.logger.Info("Runner API listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("runner server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStart(c *gin.Context) {
	jobID := c.Param("id")

	var body startBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.Goal == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "goal is required"})
		return
	}
	if existing, ok := s.registry.Get(jobID); ok && existing.Active() {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("job %s already has an active session", jobID)})
		return
	}

	model := body.Model
	if model == "" {
		model = config.DefaultModel
	}
	callbackURL := body.CallbackURL
	if callbackURL == "" {
		callbackURL = s.callbackURL
	}

	cfg := SessionConfig{
		JobID:           jobID,
		Goal:            body.Goal,
		Model:           model,
		MaxTurns:        body.MaxTurns,
		ApprovalTimeout: time.Duration(body.ApprovalTimeout) * time.Second,
		CallbackURL:     callbackURL,
		JobsRoot:        s.jobsRoot,
	}
	session := NewSession(cfg, s.newModel(model), NewToolbox(s.workspace))
	s.registry.Put(jobID, session)
	session.Start()

	s.logger.Info("Session started", "job_id", jobID, "model", model)
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": "started", "model": model})
}

func (s *Server) handleApprove(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	var body approveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var resolved bool
	if body.Approved {
		resolved = session.Approve(body.ToolUseID, body.AutoApproveTool)
	} else {
		resolved = session.Deny(body.ToolUseID)
	}
	if !resolved {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No matching pending approval"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "approved": body.Approved})
}

func (s *Server) handleMessage(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	var body messageBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	session.AddMessage(body.Message)
	c.JSON(http.StatusOK, gin.H{"status": "message_added"})
}

func (s *Server) handleCancel(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	session.Cancel()
	c.JSON(http.StatusOK, gin.H{"status": "cancel_requested"})
}

func (s *Server) handleEnd(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	session.End()
	c.JSON(http.StatusOK, gin.H{"status": "end_requested"})
}

func (s *Server) handleStatus(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	snap := session.Status()
	resp := gin.H{
		"job_id":      snap.JobID,
		"status":      snap.Status,
		"iteration":   snap.Iteration,
		"max_turns":   snap.MaxTurns,
		"model":       snap.Model,
		"result_text": snap.ResultText,
	}
	if snap.PendingApproval != nil {
		resp["pending_approval"] = gin.H{
			"tool_use_id": snap.PendingApproval.ToolUseID,
			"tool_name":   snap.PendingApproval.ToolName,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// session resolves the path job ID to a registered session, writing the 404
// itself when there is none.
func (s *Server) session(c *gin.Context) (*Session, bool) {
	jobID := c.Param("id")
	session, ok := s.registry.Get(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no session for job %s", jobID)})
		return nil, false
	}
	return session, true
}
