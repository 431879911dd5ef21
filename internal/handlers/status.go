package handlers

import (
	"errors"
	"net/http"

	"lifeboat/internal/coordinator"
	"lifeboat/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	statusOK        = "ok"
	statusEscalated = "escalation_queued"

	errGetStatus = "failed to load status"
	errEscalate  = "failed to queue escalation"
)

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": statusOK,
	})
}

// @Summary      Device status
// @Description  Coordinator mode, control-path proof, running image, rollback flag, failure streak, recovery channel state and the latest alert.
// @Tags         device
// @Produce      json
// @Success      200  {object}  models.DeviceStatus
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/status [get]
// @Security     BearerAuth
func (h *Handler) getStatus(c *gin.Context) {
	st, err := h.services.Status.Status(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errGetStatus, "status_failed", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary      Escalate to recovery
// @Description  Queues a switch to the recovery channel. Only accepted while the device is waiting for a control path.
// @Tags         device
// @Produce      json
// @Success      202  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/v1/escalate [post]
// @Security     BearerAuth
func (h *Handler) escalate(c *gin.Context) {
	err := h.services.Escalation.Escalate(c.Request.Context())
	switch {
	case err == nil:
		if h.log != nil {
			h.log.Warnw("manual_escalation_queued", "subject", c.GetString(ctxSubject))
		}
		c.JSON(http.StatusAccepted, gin.H{"status": statusEscalated})
	case errors.Is(err, service.ErrNotWaitingForControl):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, coordinator.ErrEscalationQueueFull):
		h.logAndJSONError(c, http.StatusServiceUnavailable, errEscalate, "escalation_queue_full", err)
	default:
		h.logAndJSONError(c, http.StatusInternalServerError, errEscalate, "escalation_failed", err)
	}
}
