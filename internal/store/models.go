package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Project struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Collaborator is one entry in a project's collaborator map. Email and
// DisplayName are joined from users for API responses.
type Collaborator struct {
	ProjectID   string
	UserID      string
	Role        string
	AddedAt     time.Time
	Email       string
	DisplayName string
}

// Invitation is an email-addressed grant not yet tied to an identity.
// Status is "pending" until a matching account registers, then
// "delivered". Invitations never expire; they reconcile lazily.
type Invitation struct {
	ProjectID string
	Email     string
	Status    string
	IsEditor  bool
	InvitedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type InviteLink struct {
	Token     string
	ProjectID string
	CreatedBy string
	IsEditor  bool
	ExpiresAt *time.Time
	MaxUses   *int
	CreatedAt time.Time
	// UsedBy lists redeeming identities in redemption order.
	UsedBy []string
}

type Comment struct {
	ID              string
	ProjectID       string
	VersionFilename string
	AuthorID        string
	AuthorName      string
	Body            string
	TimeSeconds     float64
	Resolved        bool
	CreatedAt       time.Time
}

// VersionCommentCounts aggregates comment totals per version filename.
type VersionCommentCounts struct {
	Total    int
	Resolved int
}

// ProjectMembership is a project listing row: the project plus the
// viewer's role in it.
type ProjectMembership struct {
	Project
	Role string
}
