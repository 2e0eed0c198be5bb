package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer view", role: RoleViewer, action: ActionView, allow: true},
		{name: "viewer preview", role: RoleViewer, action: ActionPreview, allow: false},
		{name: "viewer transition", role: RoleViewer, action: ActionTransition, allow: false},
		{name: "reviewer transition", role: RoleReviewer, action: ActionTransition, allow: true},
		{name: "reviewer finalize", role: RoleReviewer, action: ActionFinalize, allow: false},
		{name: "approver finalize", role: RoleApprover, action: ActionFinalize, allow: true},
		{name: "approver discard", role: RoleApprover, action: ActionDiscard, allow: true},
		{name: "approver create", role: RoleApprover, action: ActionCreate, allow: false},
		{name: "admin create", role: RoleAdmin, action: ActionCreate, allow: true},
		{name: "unknown role", role: Role("auditor"), action: ActionView, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("approver"); got != RoleApprover {
		t.Fatalf("Normalize(approver) = %q", got)
	}
	if got := Normalize(""); got != RoleViewer {
		t.Fatalf("Normalize(\"\") = %q, want viewer", got)
	}
	if got := Normalize("root"); got != RoleViewer {
		t.Fatalf("Normalize(root) = %q, want viewer", got)
	}
}
