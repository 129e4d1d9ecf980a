package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"worker-tracker/dto"
	"worker-tracker/pkg/workerclient"
	"worker-tracker/service"
)

// Stats reports the state of the local tracking worker.
type Stats interface {
	ActiveJobs() int
	Uptime() time.Duration
}

type HttpHandler struct {
	serviceName string
	tracker     service.Tracker
	sessions    service.Sessions
	stats       Stats
	metrics     http.Handler
}

func NewHttpHandler(serviceName string, tracker service.Tracker, sessions service.Sessions, stats Stats, metrics http.Handler) *HttpHandler {
	return &HttpHandler{
		serviceName: serviceName,
		tracker:     tracker,
		sessions:    sessions,
		stats:       stats,
		metrics:     metrics,
	}
}

// Register mounts the tracking routes. Everything but health and metrics
// requires the bearer token when one is configured.
func (h *HttpHandler) Register(r *gin.Engine, token string) {
	r.GET("/track/health", h.health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	authed := r.Group("/", BearerAuth(token))
	authed.POST("/track/check", h.check)
	authed.POST("/track/start", h.start)
	authed.POST("/track/stop", h.stop)
	authed.GET("/sessions", h.listSessions)
	authed.GET("/sessions/:id", h.getSession)
	authed.DELETE("/sessions/:id", h.deleteSession)
}

// BearerAuth rejects requests without "Authorization: Bearer <token>".
// An empty token disables the check.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if header == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "missing authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid authorization header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(token)) != 1 {
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		c.Next()
	}
}

func (h *HttpHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{
		Ok:         true,
		Service:    h.serviceName,
		ActiveJobs: h.stats.ActiveJobs(),
		UptimeSec:  int64(h.stats.Uptime().Seconds()),
	})
}

func (h *HttpHandler) check(c *gin.Context) {
	var req dto.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	resp, err := h.tracker.Check(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HttpHandler) start(c *gin.Context) {
	var req dto.StartTrackingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	resp, err := h.tracker.StartTracking(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HttpHandler) stop(c *gin.Context) {
	var req dto.StopTrackingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	resp, err := h.tracker.StopTracking(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HttpHandler) listSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	sessions, err := h.sessions.ListSessions(c.Request.Context(), c.Query("username"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SessionListResponse{Ok: true, Sessions: sessions})
}

func (h *HttpHandler) getSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", "invalid session id")
		return
	}
	session, samples, err := h.sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SessionDetailResponse{Ok: true, Session: session, Samples: samples})
}

func (h *HttpHandler) deleteSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", "invalid session id")
		return
	}
	deleted, err := h.sessions.DeleteSession(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.DeleteSessionResponse{Ok: true, Deleted: deleted})
}

func writeError(c *gin.Context, err error) {
	var apiErr *workerclient.APIError
	switch {
	case errors.Is(err, service.ErrInvalidUsername), errors.Is(err, service.ErrInvalidOptions):
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, service.ErrAlreadyRunning):
		abort(c, http.StatusConflict, "already_running", err.Error())
	case errors.Is(err, service.ErrLiveCheckFailed):
		abort(c, http.StatusBadGateway, "live_check_failed", err.Error())
	case errors.Is(err, service.ErrSessionNotFound):
		abort(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, workerclient.ErrUnavailable):
		abort(c, http.StatusServiceUnavailable, "worker_unavailable", err.Error())
	case errors.As(err, &apiErr):
		status := apiErr.Status
		if status < http.StatusBadRequest {
			// a remote reply that could not be read is still a bad gateway
			status = http.StatusBadGateway
		}
		abort(c, status, "worker_error", apiErr.Message)
	default:
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		abort(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, dto.ErrorResponse{Ok: false, Error: code, Message: message})
}
