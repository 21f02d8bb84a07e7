package model

// Actor is whoever requested a change: a staff member, a clinician, or the
// system itself.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

const (
	ActorRoleStaff     = "staff"
	ActorRoleClinician = "clinician"
	ActorRoleAdmin     = "admin"
	ActorRoleSystem    = "system"
)

// ReaperActor attributes corrections made without a live human in the loop.
var ReaperActor = Actor{ID: "system:reaper", Role: ActorRoleSystem}

func (a Actor) IsSystem() bool {
	return a.Role == ActorRoleSystem
}

func (a Actor) String() string {
	if a.ID == "" {
		return "anonymous"
	}
	return a.ID
}

func ValidRole(role string) bool {
	switch role {
	case ActorRoleStaff, ActorRoleClinician, ActorRoleAdmin, ActorRoleSystem:
		return true
	}
	return false
}
