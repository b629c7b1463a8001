package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"copy-core/internal/streaming"
	"copy-core/internal/telemetry"
	"copy-core/pkg/db"
)

// --- automation runs ---

func (s *Server) runRebalance(c *gin.Context) {
	c.JSON(http.StatusOK, s.Orchestrator.RunRebalance(c.Request.Context()))
}

func (s *Server) runPauseChecks(c *gin.Context) {
	c.JSON(http.StatusOK, s.Orchestrator.RunPauseChecks(c.Request.Context()))
}

func (s *Server) runResumeChecks(c *gin.Context) {
	c.JSON(http.StatusOK, s.Orchestrator.RunResumeChecks(c.Request.Context()))
}

func (s *Server) runDisconnectChecks(c *gin.Context) {
	c.JSON(http.StatusOK, s.Orchestrator.RunDisconnectChecks(c.Request.Context()))
}

func (s *Server) runDailySummaries(c *gin.Context) {
	c.JSON(http.StatusOK, s.Orchestrator.RunDailySummaries(c.Request.Context()))
}

func (s *Server) runAll(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.Orchestrator.RunAll(c.Request.Context())})
}

// --- streaming lifecycle ---

func (s *Server) startStreaming(c *gin.Context) {
	if err := s.Streaming.Start(c.Request.Context()); err != nil {
		if errors.Is(err, streaming.ErrCircuitOpen) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.Streaming.Status())
}

func (s *Server) stopStreaming(c *gin.Context) {
	s.Streaming.Stop()
	c.JSON(http.StatusOK, s.Streaming.Status())
}

func (s *Server) resetCircuit(c *gin.Context) {
	s.Streaming.ResetCircuit()
	c.JSON(http.StatusOK, s.Streaming.Status())
}

func (s *Server) streamingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Streaming.Status())
}

func (s *Server) streamingLog(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	transitions, err := s.Store.ListStreamingTransitions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions})
}

// --- accounts ---

func (s *Server) getAccount(c *gin.Context) {
	account, err := s.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, account)
}

// getAccountStats serves a telemetry snapshot. Reads may come from the
// streaming cache; pass ?fresh=1 to force a venue fetch.
func (s *Server) getAccountStats(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	var err error
	var stats any
	if c.Query("fresh") == "1" {
		stats, err = s.Telemetry.GetAccountStats(ctx, id)
	} else {
		stats, err = s.Telemetry.GetAccountStatsCached(ctx, id)
	}
	if err != nil {
		if errors.Is(err, telemetry.ErrRejected) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "venue rejected the account", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "telemetry unavailable", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getAccountHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	history, err := s.Store.ListHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}
