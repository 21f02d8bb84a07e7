package clinician

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/clinic-flow/internal/middleware"
	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/pkg/httputil"
	"github.com/jwalitptl/clinic-flow/pkg/validator"
)

type Service interface {
	Login(ctx context.Context, clinicianRef string, actor model.Actor) (*model.ClinicianAvailability, error)
	Heartbeat(ctx context.Context, clinicianRef string) (*model.ClinicianAvailability, error)
	SetStatus(ctx context.Context, clinicianRef string, req model.SetStatusRequest, actor model.Actor) (*model.ClinicianAvailability, error)
	Logout(ctx context.Context, clinicianRef string, req model.LogoutRequest, actor model.Actor) (*model.ClinicianAvailability, error)
	GetClinician(ctx context.Context, clinicianRef string) (*model.ClinicianAvailability, error)
	ListAvailable(ctx context.Context) ([]*model.ClinicianAvailability, error)
	AssignNext(ctx context.Context, clinicianRef string, actor model.Actor) (*model.VisitSession, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	clinicians := r.Group("/clinicians")
	{
		clinicians.GET("/available", h.ListAvailable)
		clinicians.GET("/:ref", h.GetClinician)

		clinicians.POST("/:ref/login", h.self, h.Login)
		clinicians.POST("/:ref/heartbeat", h.self, h.Heartbeat)
		clinicians.POST("/:ref/logout", h.self, h.Logout)
		clinicians.PUT("/:ref/status", h.self, h.SetStatus)
		clinicians.POST("/:ref/assign-next", h.AssignNext)
	}
}

// self lets clinicians act only on their own record. Staff and admins may
// act on anyone's.
func (h *Handler) self(c *gin.Context) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		httputil.RespondWithMessage(c, http.StatusUnauthorized, "unauthenticated")
		return
	}
	if actor.Role == model.ActorRoleClinician && actor.ID != c.Param("ref") {
		httputil.RespondWithMessage(c, http.StatusForbidden, "clinicians may only change their own availability")
		return
	}
	c.Next()
}

func (h *Handler) Login(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)
	rec, err := h.service.Login(c.Request.Context(), c.Param("ref"), actor)
	respond(c, rec, err)
}

func (h *Handler) Heartbeat(c *gin.Context) {
	rec, err := h.service.Heartbeat(c.Request.Context(), c.Param("ref"))
	respond(c, rec, err)
}

func (h *Handler) Logout(c *gin.Context) {
	var req model.LogoutRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.RespondWithMessage(c, http.StatusBadRequest, validator.Describe(err))
		return
	}
	actor, _ := middleware.ActorFrom(c)
	if req.ForceRelease && actor.Role != model.ActorRoleAdmin && actor.Role != model.ActorRoleStaff {
		httputil.RespondWithMessage(c, http.StatusForbidden, "force_release requires staff")
		return
	}

	rec, err := h.service.Logout(c.Request.Context(), c.Param("ref"), req, actor)
	respond(c, rec, err)
}

func (h *Handler) SetStatus(c *gin.Context) {
	var req model.SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithMessage(c, http.StatusBadRequest, validator.Describe(err))
		return
	}

	actor, _ := middleware.ActorFrom(c)
	rec, err := h.service.SetStatus(c.Request.Context(), c.Param("ref"), req, actor)
	respond(c, rec, err)
}

func (h *Handler) GetClinician(c *gin.Context) {
	rec, err := h.service.GetClinician(c.Request.Context(), c.Param("ref"))
	respond(c, rec, err)
}

func (h *Handler) ListAvailable(c *gin.Context) {
	recs, err := h.service.ListAvailable(c.Request.Context())
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	if recs == nil {
		recs = []*model.ClinicianAvailability{}
	}
	httputil.RespondWithSuccess(c, recs)
}

func (h *Handler) AssignNext(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)
	if actor.Role == model.ActorRoleClinician && actor.ID != c.Param("ref") {
		httputil.RespondWithMessage(c, http.StatusForbidden, "clinicians may only claim visits for themselves")
		return
	}

	session, err := h.service.AssignNext(c.Request.Context(), c.Param("ref"), actor)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, session)
}

func respond(c *gin.Context, rec *model.ClinicianAvailability, err error) {
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, rec)
}
