package httputil

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/clinic-flow/pkg/errors"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response wraps all API responses
type Response struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Data    interface{}            `json:"data,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

var statusByCode = map[errors.ErrorCode]int{
	errors.ErrNotFound:             http.StatusNotFound,
	errors.ErrBadRequest:           http.StatusBadRequest,
	errors.ErrUnauthorized:         http.StatusUnauthorized,
	errors.ErrForbidden:            http.StatusForbidden,
	errors.ErrInternal:             http.StatusInternalServerError,
	errors.ErrDuplicateActiveVisit: http.StatusConflict,
	errors.ErrIllegalTransition:    http.StatusConflict,
	errors.ErrStaleWrite:           http.StatusConflict,
	errors.ErrNotLoggedIn:          http.StatusConflict,
	errors.ErrHasActiveVisit:       http.StatusConflict,
	errors.ErrNoWaitingVisits:      http.StatusNotFound,
	errors.ErrInvalidStatus:        http.StatusBadRequest,
}

// StatusFor maps an error to its HTTP status. Errors without an AppError in
// their chain are internal.
func StatusFor(err error) int {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	if status, ok := statusByCode[appErr.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func RespondWithSuccess(c *gin.Context, data interface{}) {
	RespondWithStatus(c, http.StatusOK, data)
}

func RespondWithStatus(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{Status: StatusSuccess, Data: data})
}

// RespondWithError writes the error envelope. Internal causes are attached to
// the gin context for the logger and never sent to the client.
func RespondWithError(c *gin.Context, err error) {
	status := StatusFor(err)
	resp := Response{Status: StatusError, Message: "internal server error", Code: errors.ErrInternal.String()}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && status != http.StatusInternalServerError {
		resp.Message = appErr.Message
		resp.Code = appErr.Code.String()
		resp.Details = appErr.Details
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, resp)
}

// RespondWithMessage writes an error envelope for failures detected at the
// HTTP edge, such as malformed bodies.
func RespondWithMessage(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, Response{Status: StatusError, Message: message})
}
