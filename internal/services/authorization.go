package services

import (
	"github.com/biblioteca/backend/internal/models"
)

// Action enumerates the operations subject to role checks.
type Action string

const (
	ActionBorrow        Action = "borrow"         // create/return own loans
	ActionManageLoans   Action = "manage_loans"   // process any user's loans
	ActionManageCatalog Action = "manage_catalog" // create/update/delete books and categories
	ActionManageRoles   Action = "manage_roles"   // change user roles
	ActionListUsers     Action = "list_users"     // enumerate all users
)

// capabilities is the closed matrix of role permissions. Self-scoped reads
// are handled by AuthorizeSelf, not listed here.
var capabilities = map[models.Role]map[Action]bool{
	models.RoleMember: {
		ActionBorrow: true,
	},
	models.RoleLibrarian: {
		ActionBorrow:        true,
		ActionManageLoans:   true,
		ActionManageCatalog: true,
	},
	models.RoleAdmin: {
		ActionBorrow:        true,
		ActionManageLoans:   true,
		ActionManageCatalog: true,
		ActionManageRoles:   true,
		ActionListUsers:     true,
	},
}

// Authorize answers whether the actor may perform an action on a resource
// owned by ownerID. Owning the resource is enough for borrow-scoped actions;
// anything else goes through the capability matrix. Denial is ErrForbidden,
// never a silent filter.
func Authorize(actor models.Actor, action Action, ownerID int) error {
	if capabilities[actor.Role][action] {
		if action != ActionBorrow || ownerID == actor.ID || capabilities[actor.Role][ActionManageLoans] {
			return nil
		}
	}
	return ErrForbidden
}

// AuthorizeSelf covers self-scoped reads such as a user's own loan list or
// stats: the owner may read, and so may librarians and admins.
func AuthorizeSelf(actor models.Actor, ownerID int) error {
	if actor.ID == ownerID {
		return nil
	}
	if actor.Role == models.RoleAdmin || actor.Role == models.RoleLibrarian {
		return nil
	}
	return ErrForbidden
}
