// Package access holds the project access-control rules: who can read a
// project, who can change it, and when an invite link may be redeemed.
// It is pure logic; persistence lives in the store.
package access

import (
	"errors"
	"time"
)

type Role string

const (
	// RoleOwner is implicit: the owner never has a collaborator entry.
	RoleOwner   Role = "owner"
	RoleEditor  Role = "editor"
	RoleReader  Role = "reader"
	RolePending Role = "pending"
)

var (
	// ErrLinkExpired means the link's expiry is in the past.
	ErrLinkExpired = errors.New("invite link expired")
	// ErrLinkExhausted means the link has reached its use cap.
	ErrLinkExhausted = errors.New("invite link exhausted")
	// ErrAlreadyRedeemed means this identity already used the link.
	ErrAlreadyRedeemed = errors.New("invite link already redeemed")
)

// Normalize maps a stored role string to a Role, defaulting to reader.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleEditor, RoleReader, RolePending:
		return Role(role)
	default:
		return RoleReader
	}
}

// HasAccess reports whether userID may read the project. Any collaborator
// role counts, including pending: an invited user may see what they were
// invited to before accepting.
func HasAccess(userID, ownerID string, roles map[string]Role) bool {
	if userID == "" {
		return false
	}
	if userID == ownerID {
		return true
	}
	_, ok := roles[userID]
	return ok
}

// RoleOf returns the caller's effective role, or false if they have none.
func RoleOf(userID, ownerID string, roles map[string]Role) (Role, bool) {
	if userID == "" {
		return "", false
	}
	if userID == ownerID {
		return RoleOwner, true
	}
	role, ok := roles[userID]
	return role, ok
}

// CanEdit reports whether a role may modify the project: rename it, upload
// and delete versions, and manage invite links.
func CanEdit(role Role) bool {
	return role == RoleOwner || role == RoleEditor
}

// CanParticipate reports whether a role may stream versions and comment.
// Pending collaborators can see the project exists but nothing inside it
// until they accept.
func CanParticipate(role Role) bool {
	return role == RoleOwner || role == RoleEditor || role == RoleReader
}

// CanManageCollaborators reports whether a role may add, remove, or change
// collaborators. Only the owner can.
func CanManageCollaborators(role Role) bool {
	return role == RoleOwner
}

// CanRevokeLink reports whether the caller may delete an invite link:
// owner, editor, or whoever created the link.
func CanRevokeLink(role Role, userID, createdBy string) bool {
	return CanEdit(role) || userID == createdBy
}

// LinkRole is the collaborator role an invite link grants on redemption.
func LinkRole(isEditor bool) Role {
	if isEditor {
		return RoleEditor
	}
	return RoleReader
}

// LinkTerms are the grant constraints carried by an invite link. Nil
// fields mean unconstrained.
type LinkTerms struct {
	ExpiresAt *time.Time
	MaxUses   *int
}

// EvaluateRedemption decides whether userID may redeem a link given its
// terms and the identities that already used it. It returns nil when the
// redemption may proceed. The store calls this inside the redemption
// transaction so the check and the append are one isolated step.
func EvaluateRedemption(terms LinkTerms, usedBy []string, userID string, now time.Time) error {
	for _, used := range usedBy {
		if used == userID {
			return ErrAlreadyRedeemed
		}
	}
	if terms.ExpiresAt != nil && !now.Before(*terms.ExpiresAt) {
		return ErrLinkExpired
	}
	if terms.MaxUses != nil && len(usedBy) >= *terms.MaxUses {
		return ErrLinkExhausted
	}
	return nil
}

// LinkActive reports whether a link is still usable. Expired or exhausted
// links are treated as absent: listings filter them, redemption fails.
func LinkActive(terms LinkTerms, useCount int, now time.Time) bool {
	if terms.ExpiresAt != nil && !now.Before(*terms.ExpiresAt) {
		return false
	}
	if terms.MaxUses != nil && useCount >= *terms.MaxUses {
		return false
	}
	return true
}
