package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/kvstream"
)

// getRunHandler handles GET /api/v1/runs/:id.
func (s *Server) getRunHandler(c *gin.Context) {
	runID := c.Param("id")

	run, err := s.runs.GetRun(c.Request.Context(), runID)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, runResponse(run))
}

// stopRunHandler handles POST /api/v1/runs/:id/stop. The signal goes out
// on the global control channel; whichever instance owns the run reacts.
func (s *Server) stopRunHandler(c *gin.Context) {
	runID := c.Param("id")

	run, err := s.runs.GetRun(c.Request.Context(), runID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if run.Status != "running" && run.Status != "pending" {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "run is not in a stoppable state"})
		return
	}

	if _, err := s.kv.Publish(c.Request.Context(), kvstream.RunControlChannel(runID), events.ControlStop); err != nil {
		s.logger.Error("Stop signal publish failed", "run_id", runID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to publish stop signal"})
		return
	}

	s.logger.Info("Stop requested", "run_id", runID)
	c.JSON(http.StatusAccepted, &StopResponse{RunID: runID, Message: "stop requested"})
}
