package gate

import "strings"

// Permission grants one action on a resource type, written "resource:action".
// Either half may be the wildcard "*".
type Permission string

const (
	Wildcard             = "*"
	PermissionSuperAdmin = Permission("*:*")
)

func NewPermission(resourceType string, action Action) Permission {
	return Permission(resourceType + ":" + string(action))
}

// Split returns the resource type and action. A malformed permission yields
// two empty strings and matches nothing.
func (p Permission) Split() (string, Action) {
	res, act, ok := strings.Cut(string(p), ":")
	if !ok || res == "" || act == "" {
		return "", ""
	}
	return res, Action(act)
}

// Grants reports whether holding p allows the requested permission.
func (p Permission) Grants(requested Permission) bool {
	res, act := p.Split()
	reqRes, reqAct := requested.Split()
	if res == "" || reqRes == "" {
		return false
	}
	return (res == Wildcard || res == reqRes) && (act == Wildcard || act == reqAct)
}
