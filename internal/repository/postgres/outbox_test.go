package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/clinic-flow/internal/model"
)

func TestOutboxCreateFillsDefaults(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxRepository(NewBaseRepository(db))

	event := &model.OutboxEvent{EventType: model.AuditEventTypeOutboxRecord, Payload: []byte(`{"a":1}`)}

	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), model.AuditEventTypeOutboxRecord, []byte(`{"a":1}`), "PENDING", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), event))
	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, model.OutboxStatusPending, event.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxCreateRejectsEmptyPayload(t *testing.T) {
	db, _ := newMock(t)
	repo := NewOutboxRepository(NewBaseRepository(db))

	assert.Error(t, repo.Create(context.Background(), &model.OutboxEvent{EventType: "x"}))
}

func TestOutboxUpdateStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxRepository(NewBaseRepository(db))

	id := uuid.New()
	msg := "redis down"
	retryAt := t0.Add(time.Second)
	mock.ExpectExec("UPDATE outbox_events").
		WithArgs(id.String(), "FAILED", msg, retryAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateStatus(context.Background(), id, model.OutboxStatusFailed, &msg, &retryAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxPendingAndCleanup(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxRepository(NewBaseRepository(db))

	id := uuid.New()
	mock.ExpectQuery("FROM outbox_events").
		WithArgs("PENDING", "FAILED", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_type", "payload", "status", "retry_count", "created_at", "updated_at"}).
			AddRow(id.String(), "audit.recorded", []byte(`{}`), "PENDING", 0, t0, t0))
	mock.ExpectExec("DELETE FROM outbox_events").
		WithArgs("PROCESSED", t0).
		WillReturnResult(sqlmock.NewResult(0, 4))

	events, err := repo.GetPendingEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)

	n, err := repo.DeleteProcessedBefore(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPatientGet(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPatientRepository(NewBaseRepository(db))

	mock.ExpectQuery("FROM patients").
		WithArgs("P1").
		WillReturnRows(sqlmock.NewRows([]string{"patient_ref", "display_name", "date_of_birth", "updated_at"}).
			AddRow("P1", "Ada L.", nil, t0))

	patient, err := repo.Get(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", patient.DisplayName)
	assert.Nil(t, patient.DateOfBirth)
}
