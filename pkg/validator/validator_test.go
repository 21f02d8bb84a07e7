package validator

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/clinic-flow/internal/model"
)

func newValidate(t *testing.T) *validator.Validate {
	t.Helper()
	v := validator.New()
	v.SetTagName("binding")
	require.NoError(t, RegisterOn(v))
	return v
}

func TestPriorityTag(t *testing.T) {
	v := newValidate(t)

	assert.NoError(t, v.Struct(model.CheckInRequest{PatientRef: "P1", ServiceType: "general"}))
	assert.NoError(t, v.Struct(model.CheckInRequest{PatientRef: "P1", ServiceType: "general", Priority: model.PriorityEmergency}))

	err := v.Struct(model.CheckInRequest{PatientRef: "P1", ServiceType: "general", Priority: "urgent"})
	require.Error(t, err)
	assert.Equal(t, "priority must be one of normal, priority, emergency", Describe(err))
}

func TestAvailabilityStateTag(t *testing.T) {
	v := newValidate(t)

	assert.NoError(t, v.Struct(model.SetStatusRequest{Status: model.AvailabilityBusy}))

	err := v.Struct(model.SetStatusRequest{Status: "away"})
	require.Error(t, err)
	assert.Contains(t, Describe(err), "offline, online, busy")
}

func TestDescribeRequired(t *testing.T) {
	v := newValidate(t)

	err := v.Struct(model.CheckInRequest{})
	require.Error(t, err)
	assert.Equal(t, "patient_ref is required; service_type is required", Describe(err))
}
