package rbac

type Role string
type Action string

const (
	RoleViewer   Role = "viewer"
	RoleReviewer Role = "reviewer"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

const (
	ActionView       Action = "view"
	ActionPreview    Action = "preview"
	ActionTransition Action = "transition"
	ActionFinalize   Action = "finalize"
	ActionDiscard    Action = "discard"
	ActionCreate     Action = "create"
)

// Can reports whether role may perform action. Reviewers decide on
// individual changes; only approvers commit or drop a whole review.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleApprover:
		return action != ActionCreate
	case RoleReviewer:
		return action == ActionView || action == ActionPreview || action == ActionTransition
	case RoleViewer:
		return action == ActionView
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleReviewer, RoleApprover, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
