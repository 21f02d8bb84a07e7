package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("commit: %w", NewStaleWrite("session", "abc"))

	assert.True(t, IsCode(err, ErrStaleWrite))
	assert.False(t, IsCode(err, ErrNotFound))
	assert.Equal(t, ErrStaleWrite, CodeOf(err))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrInternal, CodeOf(stderrors.New("boom")))
	assert.False(t, IsCode(nil, ErrInternal))
}

func TestDuplicateActiveVisitCarriesExistingID(t *testing.T) {
	err := NewDuplicateActiveVisit("P1", "sess-1")

	assert.Equal(t, "already checked in", err.Error())
	assert.Equal(t, "sess-1", err.Details["existing_session_id"])
}

func TestIllegalTransitionMessage(t *testing.T) {
	err := NewIllegalTransition("started", "cancel", "")
	assert.Equal(t, "cannot apply cancel to a visit in state started", err.Error())

	custom := NewIllegalTransition("started", "assign", "visit is no longer available")
	assert.Equal(t, "visit is no longer available", custom.Error())
	assert.Equal(t, "assign", custom.Details["event"])
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := NewInternal(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "internal server error: connection reset", err.Error())
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "no_waiting_visits", ErrNoWaitingVisits.String())
	assert.Equal(t, "error_1", ErrorCode(1).String())
}
