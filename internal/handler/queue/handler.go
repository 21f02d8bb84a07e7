package queue

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/internal/service/visitflow"
	"github.com/jwalitptl/clinic-flow/pkg/httputil"
	"github.com/jwalitptl/clinic-flow/pkg/validator"
)

type Service interface {
	ListQueue(ctx context.Context, filter visitflow.QueueFilter) ([]model.QueueEntry, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/queue", h.ListQueue)
}

type queueQuery struct {
	ServiceType string         `form:"service_type" binding:"max=64"`
	Priority    model.Priority `form:"priority" binding:"omitempty,priority"`
}

// ListQueue returns waiting visits in the order AssignNext would take them.
func (h *Handler) ListQueue(c *gin.Context) {
	var q queueQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		httputil.RespondWithMessage(c, http.StatusBadRequest, validator.Describe(err))
		return
	}

	entries, err := h.service.ListQueue(c.Request.Context(), visitflow.QueueFilter{
		ServiceType: q.ServiceType,
		Priority:    q.Priority,
	})
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	if entries == nil {
		entries = []model.QueueEntry{}
	}
	httputil.RespondWithSuccess(c, entries)
}
