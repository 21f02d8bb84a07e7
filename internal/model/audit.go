package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditEvent is handed to the audit collaborator after every committed
// change. Persistence and querying live outside this service.
type AuditEvent struct {
	ID         uuid.UUID              `json:"id"`
	Actor      string                 `json:"actor"`
	Action     string                 `json:"action"`
	TargetType string                 `json:"target_type"`
	TargetID   string                 `json:"target_id"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

const (
	// Target types
	AuditTargetSession   = "visit_session"
	AuditTargetClinician = "clinician_availability"

	// Actions
	AuditActionCheckIn         = "session.checked_in"
	AuditActionLogin           = "availability.login"
	AuditActionLogout          = "availability.logout"
	AuditActionStatusChanged   = "availability.status_changed"
	AuditActionReapedOffline   = "availability.reaped_offline"
	AuditActionDriftRepaired   = "availability.drift_repaired"
	AuditActionSessionReaped   = "session.force_reaped"
	AuditActionSessionPrefix   = "session."
	AuditActionForcedLogout    = "availability.forced_logout"
	AuditEventTypeOutboxRecord = "audit.recorded"
)

// SessionAction names the audit action for a state machine event.
func SessionAction(event string) string {
	return AuditActionSessionPrefix + event
}
