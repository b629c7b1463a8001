// Package api exposes the operational HTTP surface: automation run triggers,
// streaming lifecycle control, and account inspection. No auth here; the
// service sits behind the platform gateway.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"copy-core/internal/automation"
	"copy-core/internal/streaming"
	"copy-core/internal/telemetry"
	"copy-core/pkg/db"
)

// Server wires HTTP endpoints around the automation core.
type Server struct {
	Router       *gin.Engine
	Store        *db.Store
	Orchestrator *automation.Orchestrator
	Streaming    *streaming.Manager
	Telemetry    *telemetry.Client
	Meta         SystemMeta
}

// SystemMeta describes runtime status exposed on /health.
type SystemMeta struct {
	AutomationEnabled bool
	MasterAccountID   string
	Version           string
}

func NewServer(store *db.Store, orchestrator *automation.Orchestrator, stream *streaming.Manager, tele *telemetry.Client, meta SystemMeta) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(5 * time.Minute)) // automation runs may take a while
	r.Use(CORSMiddleware())

	s := &Server{
		Router:       r,
		Store:        store,
		Orchestrator: orchestrator,
		Streaming:    stream,
		Telemetry:    tele,
		Meta:         meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		auto := api.Group("/automation")
		{
			auto.POST("/rebalance", s.runRebalance)
			auto.POST("/pause-checks", s.runPauseChecks)
			auto.POST("/resume-checks", s.runResumeChecks)
			auto.POST("/disconnect-checks", s.runDisconnectChecks)
			auto.POST("/daily-summaries", s.runDailySummaries)
			auto.POST("/run-all", s.runAll)
		}

		stream := api.Group("/streaming")
		{
			stream.POST("/start", s.startStreaming)
			stream.POST("/stop", s.stopStreaming)
			stream.POST("/reset-circuit", s.resetCircuit)
			stream.GET("/status", s.streamingStatus)
			stream.GET("/log", s.streamingLog)
		}

		accounts := api.Group("/accounts")
		{
			accounts.GET("/:id", s.getAccount)
			accounts.GET("/:id/stats", s.getAccountStats)
			accounts.GET("/:id/history", s.getAccountHistory)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"version":            s.Meta.Version,
		"automation_enabled": s.Meta.AutomationEnabled,
		"master_account":     s.Meta.MasterAccountID,
		"streaming":          s.Streaming.Status(),
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
