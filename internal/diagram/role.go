package diagram

import (
	"errors"
	"strings"

	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

var ErrUnknownRole = errors.New("unknown role")

var rank = map[types.Role]int{
	types.RoleViewer: 1,
	types.RoleEditor: 2,
	types.RoleAdmin:  3,
	types.RoleOwner:  4,
}

// Rank orders roles by privilege. Unknown roles rank below VIEWER.
func Rank(r types.Role) int {
	return rank[r]
}

func ParseRole(s string) (types.Role, error) {
	r := types.Role(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := rank[r]; !ok {
		return "", ErrUnknownRole
	}
	return r, nil
}

// ParseGrantRole never fails: approving a request implies edit intent, so an
// unrecognized or missing role is read as EDITOR.
func ParseGrantRole(s string) types.Role {
	r, err := ParseRole(s)
	if err != nil {
		return types.RoleEditor
	}
	return r
}

func MaxRole(a, b types.Role) types.Role {
	if Rank(b) > Rank(a) {
		return b
	}
	return a
}

func MinRole(a, b types.Role) types.Role {
	if Rank(b) < Rank(a) {
		return b
	}
	return a
}

func CanEdit(r types.Role) bool {
	return Rank(r) >= Rank(types.RoleEditor)
}

func CanApprove(r types.Role) bool {
	return Rank(r) >= Rank(types.RoleAdmin)
}
