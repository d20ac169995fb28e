// Package boundary implements the control-plane HTTP API and the
// per-run WebSocket stream: the kernel's only externally reachable
// surface.
package boundary

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/internal/cortex"
	"github.com/raro-ai/orchestration-kernel/internal/runtimestate"
	"github.com/raro-ai/orchestration-kernel/internal/workflow"
)

// RunStarter is the subset of the Execution Engine the HTTP layer calls.
type RunStarter interface {
	StartRun(ctx context.Context, cfg workflow.Config) (string, error)
}

// RunReader is the subset of the Runtime State Machine the HTTP layer calls.
type RunReader interface {
	GetState(runID string) (runtimestate.RuntimeState, error)
	GetSignatures(runID string) (runtimestate.Signatures, error)
	UpdateRunStatus(ctx context.Context, runID string, status runtimestate.Status) error
	FailRun(ctx context.Context, runID, agentID, reason string) error
}

// Server wires the control-plane API and the WebSocket hub onto a gin engine.
type Server struct {
	engine RunStarter
	runs   RunReader
	bus    *cortex.Bus
	log    *zap.Logger

	router *gin.Engine
}

// New builds a Server. Call Handler to obtain the http.Handler to serve.
func New(engine RunStarter, runs RunReader, bus *cortex.Bus, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{engine: engine, runs: runs, bus: bus, log: log, router: router}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.POST("/runtime/start", s.handleStart)
	s.router.GET("/runtime/state", s.handleState)
	s.router.GET("/runtime/signatures", s.handleSignatures)
	s.router.POST("/runtime/:run_id/resume", s.handleResume)
	s.router.POST("/runtime/:run_id/stop", s.handleStop)
	s.router.GET("/ws/runtime/:run_id", s.handleWebSocket)
}

func (s *Server) handleStart(c *gin.Context) {
	var cfg workflow.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateConfig(cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID, err := s.engine.StartRun(c.Request.Context(), cfg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID})
}

func (s *Server) handleState(c *gin.Context) {
	runID := c.Query("run_id")
	state, err := s.runs.GetState(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleSignatures(c *gin.Context) {
	runID := c.Query("run_id")
	sigs, err := s.runs.GetSignatures(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sigs)
}

func (s *Server) handleResume(c *gin.Context) {
	runID := c.Param("run_id")
	state, err := s.runs.GetState(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if state.Status != runtimestate.StatusAwaitingApproval {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run is not awaiting approval"})
		return
	}
	if err := s.runs.UpdateRunStatus(c.Request.Context(), runID, runtimestate.StatusRunning); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.bus.Publish(cortex.Event{
		RunID: runID, Type: cortex.EventSystemIntervention,
		Payload: map[string]interface{}{"action": "resume"},
	})
	c.Status(http.StatusOK)
}

func (s *Server) handleStop(c *gin.Context) {
	runID := c.Param("run_id")
	if err := s.runs.FailRun(c.Request.Context(), runID, "OPERATOR", "Stopped by operator"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func validateConfig(cfg workflow.Config) error {
	if len(cfg.Nodes) == 0 {
		return runtimestate.ErrDependencyNotFound
	}

	known := make(map[string]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		known[n.ID] = true
	}
	for _, n := range cfg.Nodes {
		for _, dep := range n.DependsOn {
			if !known[dep] {
				return errUnknownDependency(n.ID, dep)
			}
		}
	}
	return nil
}
