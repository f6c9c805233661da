// Package access decides whether an actor role may mutate a stage, based on
// the stage's responsible tag. The check gates every stage write and every
// stage-scoped upload; it is evaluated server-side on each request.
package access

import "fmt"

// Actor roles.
const (
	RoleAdmin       = "admin"
	RoleReadOnly    = "readonly"
	RoleEngineering = "engineering"
	RoleFinance     = "finance"
)

// Stage responsible tags.
const (
	TagEngineering = "engineering"
	TagFinance     = "finance"
	TagShared      = "shared"
)

// CanModify reports whether role may mutate a stage owned by tag. Unknown
// roles and tags resolve to false.
func CanModify(role, tag string) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReadOnly:
		return false
	case RoleEngineering:
		return tag == TagEngineering || tag == TagShared
	case RoleFinance:
		return tag == TagFinance || tag == TagShared
	default:
		return false
	}
}

// ForbiddenError explains a rejected mutation in role/ownership terms.
type ForbiddenError struct {
	Role string
	Tag  string
}

func (e ForbiddenError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("role %s lacks the privilege for this operation", e.Role)
	}
	return fmt.Sprintf("only the stage's responsible role (%s) or a shared-responsibility stage may be modified by role %s", e.Tag, e.Role)
}
