package presencehandler

import (
	"context"
	"net/http"

	"teamchat/internal/services/presence"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Snapshotter reads the live presence aggregate.
type Snapshotter interface {
	Snapshot(ctx context.Context) (presence.Aggregate, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	svc    Snapshotter
	checks map[string]HealthCheck
}

func New(svc Snapshotter, checks map[string]HealthCheck) *Handler {
	return &Handler{svc: svc, checks: checks}
}

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/presence", h.snapshot)
	r.GET("/healthz", h.health)
}

// @Summary		Current presence
// @Description	Returns the number of logged in users and anonymous connections across every instance.
// @Tags			Presence
// @Produce		json
// @Success		200	{object}	presence.Aggregate
// @Failure		503	{object}	ErrorResponse
// @Router			/presence [get]
func (h *Handler) snapshot(ginCtx *gin.Context) {
	agg, err := h.svc.Snapshot(ginCtx.Request.Context())
	if err != nil {
		zap.L().Warn("http.presence", zap.Error(err))
		ginCtx.JSON(http.StatusServiceUnavailable, &ErrorResponse{Error: err.Error()})
		return
	}
	ginCtx.JSON(http.StatusOK, agg)
}

// @Summary		Health check
// @Description	Pings Redis and Postgres.
// @Tags			Health
// @Produce		json
// @Success		200	{object}	HealthResponse
// @Failure		503	{object}	HealthResponse
// @Router			/healthz [get]
func (h *Handler) health(ginCtx *gin.Context) {
	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(ginCtx.Request.Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	ginCtx.JSON(code, resp)
}
