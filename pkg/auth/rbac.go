// Scribe is an audio transcription service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package auth

import (
	"scribe/pkg/models"
)

// Authorize is the single permission predicate every core operation
// invokes at its entry. For session principals the role alone decides;
// for API-key principals the key's permission set further constrains
// what the role would allow.
func Authorize(p models.Principal, action string) bool {
	if action == models.PermAdmin && p.Role != models.RoleAdmin {
		return false
	}
	if p.KeyID == "" {
		return true
	}
	for _, granted := range p.Permissions {
		if granted == action {
			return true
		}
	}
	return false
}

// CanAccess checks if the principal may act on a resource owned by
// ownerID (owners and admins).
func CanAccess(p models.Principal, ownerID string) bool {
	return p.UserID == ownerID || p.IsAdmin()
}

// IsAdmin checks if the user has admin role
func IsAdmin(user *models.User) bool {
	return user != nil && user.Role == models.RoleAdmin && !user.Disabled
}

// IsActive checks if the user may authenticate at all
func IsActive(user *models.User) bool {
	return user != nil && !user.Disabled
}

// CanManageUsers checks if the user can manage other users (admin only)
func CanManageUsers(user *models.User) bool {
	return IsAdmin(user)
}

// ValidKeyPermissions reports whether every requested permission is
// grantable on a key owned by the given user. The admin permission is
// only grantable on admin-owned keys.
func ValidKeyPermissions(owner *models.User, perms []string) bool {
	for _, p := range perms {
		switch p {
		case models.PermSubmit, models.PermRead, models.PermCancel:
		case models.PermAdmin:
			if !IsAdmin(owner) {
				return false
			}
		default:
			return false
		}
	}
	return true
}
