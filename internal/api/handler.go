// Package api provides the admin HTTP API for inspecting and driving locks.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"

	lockgrpc "github.com/kneutral-org/leasekeeper/internal/grpc"
	"github.com/kneutral-org/leasekeeper/internal/logging"
)

// Handler serves the admin API. It goes through the same LockService as the
// gRPC server so both surfaces route and fail identically.
type Handler struct {
	service *lockgrpc.LockService
	logger  zerolog.Logger
}

// NewHandler creates a new admin API handler.
func NewHandler(service *lockgrpc.LockService, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes registers the lock routes on the provided router group.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	locks := router.Group("/locks")
	locks.GET("", h.ListLocks)
	locks.POST("", h.Lock)
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// LockRequest is the JSON form of the Lock RPC. A missing token means -1.
type LockRequest struct {
	Key        string `json:"key" binding:"required"`
	DurationMs int64  `json:"durationMs"`
	Token      *int64 `json:"token"`
}

// ListLocks handles GET /api/v1/locks
func (h *Handler) ListLocks(c *gin.Context) {
	resp, err := h.service.GetLockInfo(c.Request.Context(), &emptypb.Empty{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internalError",
			Message: "failed to list locks: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Lock handles POST /api/v1/locks
func (h *Handler) Lock(c *gin.Context) {
	var payload LockRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			_ = c.Error(err)
			return
		}
		h.logger.Warn().Err(err).Msg("failed to parse lock request")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "badRequest",
			Message: "invalid lock request: " + err.Error(),
		})
		return
	}

	if payload.DurationMs < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "badRequest",
			Message: "durationMs must not be negative",
		})
		return
	}

	token := lockgrpc.FailedToken
	if payload.Token != nil {
		token = *payload.Token
	}

	duration := time.Duration(payload.DurationMs) * time.Millisecond
	req := &lockgrpc.LockRequest{Key: payload.Key, Token: token}
	if duration > 0 {
		req.Duration = durationpb.New(duration)
	}
	op, _ := lockgrpc.Route(duration, token)

	resp, err := h.service.Lock(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internalError",
			Message: "lock request failed: " + err.Error(),
		})
		return
	}

	logging.SetLockFields(c, resp.Key, op, resp.Token)
	logger := logging.LockLogger(logging.LoggerFromContext(c.Request.Context()), resp.Key, resp.Token)
	logger.Debug().
		Str("operation", op).
		Int64("durationMs", payload.DurationMs).
		Bool("stale", resp.Stale).
		Msg("lock request handled")

	c.JSON(http.StatusOK, resp)
}
