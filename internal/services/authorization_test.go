package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/biblioteca/backend/internal/models"
)

func TestAuthorize(t *testing.T) {
	member := models.Actor{ID: 1, Role: models.RoleMember}
	librarian := models.Actor{ID: 2, Role: models.RoleLibrarian}
	admin := models.Actor{ID: 3, Role: models.RoleAdmin}

	tests := []struct {
		name    string
		actor   models.Actor
		action  Action
		ownerID int
		allowed bool
	}{
		{"member borrows for self", member, ActionBorrow, 1, true},
		{"member cannot borrow for another user", member, ActionBorrow, 2, false},
		{"member cannot manage loans", member, ActionManageLoans, 1, false},
		{"member cannot manage catalog", member, ActionManageCatalog, 1, false},
		{"member cannot manage roles", member, ActionManageRoles, 1, false},
		{"member cannot list users", member, ActionListUsers, 1, false},

		{"librarian borrows for self", librarian, ActionBorrow, 2, true},
		{"librarian processes another user's loan", librarian, ActionBorrow, 1, true},
		{"librarian manages loans", librarian, ActionManageLoans, 1, true},
		{"librarian manages catalog", librarian, ActionManageCatalog, 1, true},
		{"librarian cannot manage roles", librarian, ActionManageRoles, 1, false},
		{"librarian cannot list users", librarian, ActionListUsers, 1, false},

		{"admin borrows for self", admin, ActionBorrow, 3, true},
		{"admin processes another user's loan", admin, ActionBorrow, 1, true},
		{"admin manages loans", admin, ActionManageLoans, 1, true},
		{"admin manages catalog", admin, ActionManageCatalog, 1, true},
		{"admin manages roles", admin, ActionManageRoles, 1, true},
		{"admin lists users", admin, ActionListUsers, 1, true},

		{"unknown role denied everything", models.Actor{ID: 4, Role: "ghost"}, ActionBorrow, 4, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.actor, tt.action, tt.ownerID)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrForbidden)
			}
		})
	}
}

func TestAuthorizeSelf(t *testing.T) {
	tests := []struct {
		name    string
		actor   models.Actor
		ownerID int
		allowed bool
	}{
		{"owner reads own data", models.Actor{ID: 1, Role: models.RoleMember}, 1, true},
		{"member cannot read another user's data", models.Actor{ID: 1, Role: models.RoleMember}, 2, false},
		{"librarian reads any user's data", models.Actor{ID: 2, Role: models.RoleLibrarian}, 1, true},
		{"admin reads any user's data", models.Actor{ID: 3, Role: models.RoleAdmin}, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AuthorizeSelf(tt.actor, tt.ownerID)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrForbidden)
			}
		})
	}
}
