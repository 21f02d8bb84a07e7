package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError carrying the same code, so
// errors.Is(err, &AppError{Code: ErrStaleWrite}) works through wrapping.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrForbidden
	ErrInternal

	// Visit flow codes
	ErrDuplicateActiveVisit
	ErrIllegalTransition
	ErrStaleWrite
	ErrNotLoggedIn
	ErrHasActiveVisit
	ErrNoWaitingVisits
	ErrInvalidStatus
)

var codeNames = map[ErrorCode]string{
	ErrNotFound:             "not_found",
	ErrBadRequest:           "bad_request",
	ErrUnauthorized:         "unauthorized",
	ErrForbidden:            "forbidden",
	ErrInternal:             "internal",
	ErrDuplicateActiveVisit: "duplicate_active_visit",
	ErrIllegalTransition:    "illegal_transition",
	ErrStaleWrite:           "stale_write",
	ErrNotLoggedIn:          "not_logged_in",
	ErrHasActiveVisit:       "has_active_visit",
	ErrNoWaitingVisits:      "no_waiting_visits",
	ErrInvalidStatus:        "invalid_status",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error_%d", int(c))
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, &AppError{Code: code})
}

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

// NewDuplicateActiveVisit carries the id of the session the patient already
// holds so staff can resume it.
func NewDuplicateActiveVisit(patientRef, existingSessionID string) *AppError {
	return &AppError{
		Code:    ErrDuplicateActiveVisit,
		Message: "already checked in",
		Details: map[string]interface{}{
			"patient_ref":         patientRef,
			"existing_session_id": existingSessionID,
		},
	}
}

func NewIllegalTransition(from, event, reason string) *AppError {
	msg := fmt.Sprintf("cannot apply %s to a visit in state %s", event, from)
	if reason != "" {
		msg = reason
	}
	return &AppError{
		Code:    ErrIllegalTransition,
		Message: msg,
		Details: map[string]interface{}{
			"from":  from,
			"event": event,
		},
	}
}

func NewStaleWrite(resource, id string) *AppError {
	return &AppError{
		Code:    ErrStaleWrite,
		Message: fmt.Sprintf("%s %s was modified concurrently", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

func NewNotLoggedIn(clinicianRef string) *AppError {
	return &AppError{
		Code:    ErrNotLoggedIn,
		Message: fmt.Sprintf("clinician %s is not logged in", clinicianRef),
		Details: map[string]interface{}{"clinician_ref": clinicianRef},
	}
}

func NewHasActiveVisit(clinicianRef, sessionID string) *AppError {
	return &AppError{
		Code:    ErrHasActiveVisit,
		Message: fmt.Sprintf("clinician %s has an active visit", clinicianRef),
		Details: map[string]interface{}{
			"clinician_ref": clinicianRef,
			"session_id":    sessionID,
		},
	}
}

func NewNoWaitingVisits() *AppError {
	return &AppError{
		Code:    ErrNoWaitingVisits,
		Message: "no waiting visits",
	}
}

func NewInvalidStatus(message string) *AppError {
	return &AppError{
		Code:    ErrInvalidStatus,
		Message: message,
	}
}

// Common errors
func NotFound(resource string, err error) *AppError {
	return NewNotFound(resource, err)
}

func BadRequest(message string, err error) *AppError {
	return NewBadRequest(message, err)
}

func Internal(err error) *AppError {
	return NewInternal(err)
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

func Forbidden(message string) *AppError {
	return &AppError{
		Code:    ErrForbidden,
		Message: message,
	}
}
