package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/clinic-flow/internal/middleware"
	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/internal/service/visitflow"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
	"github.com/jwalitptl/clinic-flow/pkg/httputil"
	"github.com/jwalitptl/clinic-flow/pkg/validator"
)

type Service interface {
	CheckIn(ctx context.Context, req model.CheckInRequest, actor model.Actor) (*model.VisitSession, error)
	Get(ctx context.Context, id uuid.UUID) (*model.VisitSession, error)
	ListActive(ctx context.Context, filter model.SessionFilter) (*visitflow.SessionIterator, error)
	Transition(ctx context.Context, id uuid.UUID, ev visitflow.Event, actor model.Actor, expectedVersion *int64) (*model.VisitSession, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the session routes. staffOnly guards the front-desk
// operations.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, staffOnly gin.HandlerFunc) {
	sessions := r.Group("/sessions")
	{
		sessions.POST("", staffOnly, h.CheckIn)
		sessions.GET("", h.ListSessions)
		sessions.GET("/:id", h.GetSession)

		sessions.POST("/:id/enqueue", staffOnly, h.transition(visitflow.EventEnqueue))
		sessions.POST("/:id/cancel", staffOnly, h.transition(visitflow.EventCancel))
		sessions.POST("/:id/assign", staffOnly, h.transition(visitflow.EventAssign))
		sessions.POST("/:id/complete", h.transition(visitflow.EventComplete))
		sessions.POST("/:id/transfer", h.transition(visitflow.EventTransfer))
		sessions.POST("/:id/discharge", h.transition(visitflow.EventDischarge))
	}
}

func (h *Handler) CheckIn(c *gin.Context) {
	var req model.CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithMessage(c, http.StatusBadRequest, validator.Describe(err))
		return
	}

	actor, _ := middleware.ActorFrom(c)
	session, err := h.service.CheckIn(c.Request.Context(), req, actor)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	setETag(c, session)
	httputil.RespondWithStatus(c, http.StatusCreated, session)
}

func (h *Handler) GetSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithMessage(c, http.StatusBadRequest, "invalid session ID")
		return
	}

	session, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	setETag(c, session)
	httputil.RespondWithSuccess(c, session)
}

type listQuery struct {
	State       string `form:"state"`
	Clinician   string `form:"clinician"`
	Patient     string `form:"patient"`
	ServiceType string `form:"service_type"`
	Day         string `form:"day"`
}

// ListSessions filters by a comma separated state list; active states when
// none is given.
func (h *Handler) ListSessions(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		httputil.RespondWithMessage(c, http.StatusBadRequest, validator.Describe(err))
		return
	}

	filter := model.SessionFilter{
		ClinicianRef: q.Clinician,
		PatientRef:   q.Patient,
		ServiceType:  q.ServiceType,
		VisitDay:     q.Day,
	}
	if q.State != "" {
		for _, st := range strings.Split(q.State, ",") {
			filter.States = append(filter.States, model.VisitState(strings.TrimSpace(st)))
		}
	}

	it, err := h.service.ListActive(c.Request.Context(), filter)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	sessions := it.All()
	if sessions == nil {
		sessions = []*model.VisitSession{}
	}
	httputil.RespondWithSuccess(c, sessions)
}

type transitionRequest struct {
	ClinicianRef string `json:"clinician_ref" binding:"max=128"`
	Reason       string `json:"reason" binding:"max=512"`
}

func (h *Handler) transition(event visitflow.EventType) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			httputil.RespondWithMessage(c, http.StatusBadRequest, "invalid session ID")
			return
		}

		var req transitionRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			httputil.RespondWithMessage(c, http.StatusBadRequest, validator.Describe(err))
			return
		}
		if (event == visitflow.EventAssign || event == visitflow.EventTransfer) && req.ClinicianRef == "" {
			httputil.RespondWithMessage(c, http.StatusBadRequest, "clinician_ref is required")
			return
		}

		expected, err := ifMatch(c)
		if err != nil {
			httputil.RespondWithError(c, err)
			return
		}

		actor, _ := middleware.ActorFrom(c)
		session, err := h.service.Transition(c.Request.Context(), id, visitflow.Event{
			Type:         event,
			ClinicianRef: req.ClinicianRef,
			Reason:       req.Reason,
		}, actor, expected)
		if err != nil {
			httputil.RespondWithError(c, err)
			return
		}

		setETag(c, session)
		httputil.RespondWithSuccess(c, session)
	}
}

// ifMatch reads the version a client last saw, as sent back from ETag.
func ifMatch(c *gin.Context) (*int64, error) {
	raw := strings.TrimSpace(c.GetHeader("If-Match"))
	if raw == "" {
		return nil, nil
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		return nil, apperrors.NewBadRequest("If-Match must carry a session version", err)
	}
	return &v, nil
}

func setETag(c *gin.Context, s *model.VisitSession) {
	c.Header("ETag", fmt.Sprintf(`"%d"`, s.Version))
}
