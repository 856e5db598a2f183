// Package authz holds the account role model and the guard that every
// account-scoped mutation consults.
package authz

import (
	"encoding/json"
	"fmt"
)

// Role is a member's role on an account. Roles are ordered: a higher role
// includes the privileges of the lower ones.
type Role int

const (
	RoleNone Role = iota
	Reader
	Administrator
	Owner
)

var roleNames = map[Role]string{
	Reader:        "Reader",
	Administrator: "Administrator",
	Owner:         "Owner",
}

// ManagerRoles may mutate account-scoped resources.
var ManagerRoles = []Role{Administrator, Owner}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "None"
}

// Valid reports whether r is an assignable role.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// ParseRole converts a role name to a Role.
func ParseRole(s string) (Role, error) {
	for role, name := range roleNames {
		if name == s {
			return role, nil
		}
	}
	return RoleNone, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalJSON() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("cannot marshal role %d", int(r))
	}
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
