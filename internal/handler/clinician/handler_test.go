package clinician

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/clinic-flow/internal/middleware"
	"github.com/jwalitptl/clinic-flow/internal/model"
	apperrors "github.com/jwalitptl/clinic-flow/pkg/errors"
	"github.com/jwalitptl/clinic-flow/pkg/validator"
)

type fakeService struct {
	calls  []string
	status model.SetStatusRequest
	logout model.LogoutRequest
	err    error
}

func (f *fakeService) rec(ref string, state model.AvailabilityState) (*model.ClinicianAvailability, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.ClinicianAvailability{ClinicianRef: ref, State: state}, nil
}

func (f *fakeService) Login(ctx context.Context, ref string, actor model.Actor) (*model.ClinicianAvailability, error) {
	f.calls = append(f.calls, "login:"+ref)
	return f.rec(ref, model.AvailabilityOnline)
}

func (f *fakeService) Heartbeat(ctx context.Context, ref string) (*model.ClinicianAvailability, error) {
	f.calls = append(f.calls, "heartbeat:"+ref)
	return f.rec(ref, model.AvailabilityOnline)
}

func (f *fakeService) SetStatus(ctx context.Context, ref string, req model.SetStatusRequest, actor model.Actor) (*model.ClinicianAvailability, error) {
	f.calls = append(f.calls, "status:"+ref)
	f.status = req
	return f.rec(ref, req.Status)
}

func (f *fakeService) Logout(ctx context.Context, ref string, req model.LogoutRequest, actor model.Actor) (*model.ClinicianAvailability, error) {
	f.calls = append(f.calls, "logout:"+ref)
	f.logout = req
	return f.rec(ref, model.AvailabilityOffline)
}

func (f *fakeService) GetClinician(ctx context.Context, ref string) (*model.ClinicianAvailability, error) {
	return f.rec(ref, model.AvailabilityOnline)
}

func (f *fakeService) ListAvailable(ctx context.Context) ([]*model.ClinicianAvailability, error) {
	return nil, f.err
}

func (f *fakeService) AssignNext(ctx context.Context, ref string, actor model.Actor) (*model.VisitSession, error) {
	f.calls = append(f.calls, "assign-next:"+ref)
	if f.err != nil {
		return nil, f.err
	}
	return &model.VisitSession{AssignedClinicianRef: &ref, State: model.VisitStateStarted}, nil
}

func newRouter(svc Service, actor model.Actor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	_ = validator.Register()
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextActor, actor)
		c.Next()
	})
	NewHandler(svc).RegisterRoutes(r.Group("/api/v1"))
	return r
}

func send(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

var (
	drA  = model.Actor{ID: "dr-a", Role: model.ActorRoleClinician}
	desk = model.Actor{ID: "desk-1", Role: model.ActorRoleStaff}
)

func TestClinicianActsOnlyOnSelf(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc, drA)

	assert.Equal(t, http.StatusOK, send(r, http.MethodPost, "/api/v1/clinicians/dr-a/login", "").Code)
	assert.Equal(t, http.StatusOK, send(r, http.MethodPost, "/api/v1/clinicians/dr-a/heartbeat", "").Code)
	assert.Equal(t, http.StatusForbidden, send(r, http.MethodPost, "/api/v1/clinicians/dr-b/login", "").Code)
	assert.Equal(t, http.StatusForbidden, send(r, http.MethodPost, "/api/v1/clinicians/dr-b/assign-next", "").Code)

	assert.Equal(t, []string{"login:dr-a", "heartbeat:dr-a"}, svc.calls)
}

func TestStaffMayActForClinicians(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc, desk)

	w := send(r, http.MethodPost, "/api/v1/clinicians/dr-b/logout", `{"force_release":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, svc.logout.ForceRelease)
}

func TestForceReleaseNeedsStaff(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc, drA)

	w := send(r, http.MethodPost, "/api/v1/clinicians/dr-a/logout", `{"force_release":true}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, svc.calls)

	w = send(r, http.MethodPost, "/api/v1/clinicians/dr-a/logout", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetStatusValidatesState(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc, drA)

	w := send(r, http.MethodPut, "/api/v1/clinicians/dr-a/status", `{"status":"lunch"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "status must be one of offline, online, busy")

	w = send(r, http.MethodPut, "/api/v1/clinicians/dr-a/status", `{"status":"busy"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.AvailabilityBusy, svc.status.Status)
}

func TestNotLoggedInIsConflict(t *testing.T) {
	r := newRouter(&fakeService{err: apperrors.NewNotLoggedIn("dr-a")}, drA)

	w := send(r, http.MethodPost, "/api/v1/clinicians/dr-a/heartbeat", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"not_logged_in"`)
}

func TestAssignNextEmptyQueue(t *testing.T) {
	r := newRouter(&fakeService{err: apperrors.NewNoWaitingVisits()}, drA)

	w := send(r, http.MethodPost, "/api/v1/clinicians/dr-a/assign-next", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "no waiting visits")
}

func TestListAvailableReturnsEmptyList(t *testing.T) {
	r := newRouter(&fakeService{}, desk)

	w := send(r, http.MethodGet, "/api/v1/clinicians/available", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","data":[]}`, w.Body.String())
}
