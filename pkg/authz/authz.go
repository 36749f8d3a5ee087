package authz

import (
	"errors"

	"aegis/pkg/models"
)

const (
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeAccessDenied     = "ACCESS_DENIED"
	CodeInsufficientRole = "INSUFFICIENT_ROLE"
	CodeSelfOrAdmin      = "SELF_OR_ADMIN_REQUIRED"
	CodeBulkOwnership    = "BULK_OWNERSHIP_VIOLATION"
)

var (
	ErrNoPrincipal      = errors.New("no authenticated principal")
	ErrAccessDenied     = errors.New("access denied")
	ErrInsufficientRole = errors.New("insufficient role")
	ErrSelfOrAdmin      = errors.New("self or admin required")
	ErrBulkOwnership    = errors.New("bulk ownership violation")
)

// Static role → permission table. Checked at compile time through the closed
// Role enum; there is no runtime permission configuration.
var rolePermissions = map[models.Role][]models.Permission{
	models.RoleUser: {
		"search:read", "search:write",
		"export:create", "analysis:read",
	},
	models.RoleAdmin: {
		"search:read", "search:write",
		"export:create", "analysis:read",
		"users:read", "reports:read", "security:read",
	},
	models.RoleSuperAdmin: {
		"search:read", "search:write",
		"export:create", "analysis:read",
		"users:read", "users:write", "reports:read",
		"security:read", "security:write", "system:administer",
	},
}

// Thresholds for administrative override per action. Destructive and
// administrative actions demand the top role.
var actionAdminThreshold = map[models.Action]models.Role{
	models.ActionRead:       models.RoleAdmin,
	models.ActionWrite:      models.RoleAdmin,
	models.ActionDelete:     models.RoleSuperAdmin,
	models.ActionAdminister: models.RoleSuperAdmin,
}

func HasPermission(p *models.Principal, perm models.Permission) bool {
	if p == nil {
		return false
	}
	for _, granted := range rolePermissions[p.Role] {
		if granted == perm {
			return true
		}
	}
	for _, granted := range p.Grants {
		if granted == perm {
			return true
		}
	}
	return false
}

func RequirePermission(p *models.Principal, perm models.Permission) error {
	if p == nil {
		return ErrNoPrincipal
	}
	if !HasPermission(p, perm) {
		return ErrAccessDenied
	}
	return nil
}

// RequireRole succeeds iff the principal's role is at least min in the total
// order USER < ADMIN < SUPER_ADMIN.
func RequireRole(p *models.Principal, min models.Role) error {
	if p == nil {
		return ErrNoPrincipal
	}
	if p.Role < min {
		return ErrInsufficientRole
	}
	return nil
}

// RequireSelfOrAdmin allows acting on the target user's records when the
// principal is that user or holds an admin role. This is the explicit
// administrative-override entry point.
func RequireSelfOrAdmin(p *models.Principal, targetUserID string) error {
	if p == nil {
		return ErrNoPrincipal
	}
	if p.ID == targetUserID {
		return nil
	}
	if p.Role >= models.RoleAdmin {
		return nil
	}
	return ErrSelfOrAdmin
}

// ValidateOwnership enforces strict owner equality for the given action.
// Role does not bypass this check; routes that allow administrative override
// use RequireSelfOrAdmin or Decide instead.
func ValidateOwnership(p *models.Principal, resourceOwnerID string, action models.Action) error {
	if p == nil {
		return ErrNoPrincipal
	}
	if resourceOwnerID == "" || p.ID != resourceOwnerID {
		return ErrAccessDenied
	}
	return nil
}

// Decision is the per-call authorization outcome; it is computed fresh each
// time and never persisted.
type Decision struct {
	Allowed bool
	Code    string
}

// Decide evaluates the full allow rule for an action on a resource: admin
// override at the action's threshold role, or owner equality.
func Decide(p *models.Principal, action models.Action, ref models.ResourceRef) Decision {
	if p == nil {
		return Decision{Allowed: false, Code: CodeAuthRequired}
	}
	threshold, ok := actionAdminThreshold[action]
	if !ok {
		threshold = models.RoleSuperAdmin
	}
	if p.Role >= threshold {
		return Decision{Allowed: true}
	}
	if ref.OwnerID != "" && ref.OwnerID == p.ID {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Code: CodeAccessDenied}
}

// ValidateBulkOwnership checks every item of a submitted collection against
// the acting principal. Items missing the owner field are claimed for the
// principal in place rather than rejected; a mismatched owner on any item
// rejects the whole batch unless the principal holds an admin role.
func ValidateBulkOwnership(p *models.Principal, items []map[string]interface{}, ownerField string) error {
	if p == nil {
		return ErrNoPrincipal
	}
	if ownerField == "" {
		ownerField = "owner_id"
	}
	admin := p.Role >= models.RoleAdmin
	for _, item := range items {
		if item == nil {
			continue
		}
		owner, _ := item[ownerField].(string)
		if owner == "" {
			item[ownerField] = p.ID
			continue
		}
		if owner != p.ID && !admin {
			return ErrBulkOwnership
		}
	}
	return nil
}

// ScopeToOwner rewrites an outbound query filter so results are constrained
// to the caller's own records unless the principal holds an admin role. This
// closes cross-user leakage at the query layer, not just per object.
func ScopeToOwner(p *models.Principal, filter map[string]interface{}, ownerField string) map[string]interface{} {
	if ownerField == "" {
		ownerField = "owner_id"
	}
	out := make(map[string]interface{}, len(filter)+1)
	for k, v := range filter {
		out[k] = v
	}
	if p == nil {
		out[ownerField] = ""
		return out
	}
	if p.Role >= models.RoleAdmin {
		return out
	}
	out[ownerField] = p.ID
	return out
}
