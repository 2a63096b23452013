package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trackroom/api/internal/access"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ----- users -----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified
		FROM users WHERE email=LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ----- sessions -----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ----- projects -----

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, owner_id) VALUES ($1, $2, $3)
	`, project.ID, project.Name, project.OwnerID)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, created_at, updated_at FROM projects WHERE id=$1
	`, projectID).Scan(&project.ID, &project.Name, &project.OwnerID, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

func (s *PostgresStore) RenameProject(ctx context.Context, projectID, name string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name=$2, updated_at=NOW() WHERE id=$1
	`, projectID, name)
	if err != nil {
		return fmt.Errorf("rename project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename project result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteProject removes the project row; collaborator, invitation, link,
// and comment rows follow via foreign-key cascade.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete project result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]ProjectMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner_id, created_at, updated_at, role FROM (
			SELECT p.id, p.name, p.owner_id, p.created_at, p.updated_at, 'owner'::text AS role
			FROM projects p WHERE p.owner_id=$1
			UNION ALL
			SELECT p.id, p.name, p.owner_id, p.created_at, p.updated_at, c.role
			FROM projects p JOIN collaborators c ON c.project_id = p.id
			WHERE c.user_id=$1
		) memberships
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectMembership, 0)
	for rows.Next() {
		var m ProjectMembership
		if err := rows.Scan(&m.ID, &m.Name, &m.OwnerID, &m.CreatedAt, &m.UpdatedAt, &m.Role); err != nil {
			return nil, fmt.Errorf("scan project membership: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// ----- collaborators -----

func (s *PostgresStore) CollaboratorRoles(ctx context.Context, projectID string) (map[string]access.Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, role FROM collaborators WHERE project_id=$1`, projectID)
	if err != nil {
		return nil, fmt.Errorf("load collaborator roles: %w", err)
	}
	defer rows.Close()

	roles := make(map[string]access.Role)
	for rows.Next() {
		var userID, role string
		if err := rows.Scan(&userID, &role); err != nil {
			return nil, fmt.Errorf("scan collaborator role: %w", err)
		}
		roles[userID] = access.Normalize(role)
	}
	return roles, rows.Err()
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, projectID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.project_id, c.user_id, c.role, c.added_at, u.email, u.display_name
		FROM collaborators c
		JOIN users u ON u.id = c.user_id
		WHERE c.project_id=$1
		ORDER BY c.added_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var c Collaborator
		if err := rows.Scan(&c.ProjectID, &c.UserID, &c.Role, &c.AddedAt, &c.Email, &c.DisplayName); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetCollaboratorRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM collaborators WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	return role, nil
}

func (s *PostgresStore) UpsertCollaborator(ctx context.Context, projectID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaborators (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, projectID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCollaboratorRole(ctx context.Context, projectID, userID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE collaborators SET role=$3 WHERE project_id=$1 AND user_id=$2
	`, projectID, userID, role)
	if err != nil {
		return false, fmt.Errorf("update collaborator role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update collaborator role result: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, projectID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM collaborators WHERE project_id=$1 AND user_id=$2
	`, projectID, userID)
	if err != nil {
		return false, fmt.Errorf("remove collaborator: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove collaborator result: %w", err)
	}
	return affected > 0, nil
}

// ----- invitations -----

func (s *PostgresStore) UpsertInvitation(ctx context.Context, invitation Invitation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitations (project_id, email, status, is_editor, invited_by)
		VALUES ($1, LOWER($2), $3, $4, $5)
		ON CONFLICT (project_id, email) DO UPDATE
			SET status=EXCLUDED.status, is_editor=EXCLUDED.is_editor, invited_by=EXCLUDED.invited_by, updated_at=NOW()
	`, invitation.ProjectID, invitation.Email, invitation.Status, invitation.IsEditor, invitation.InvitedBy)
	if err != nil {
		return fmt.Errorf("upsert invitation: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkInvitationDelivered(ctx context.Context, projectID, email string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE invitations SET status='delivered', updated_at=NOW()
		WHERE project_id=$1 AND email=LOWER($2)
	`, projectID, email)
	if err != nil {
		return fmt.Errorf("mark invitation delivered: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteInvitation(ctx context.Context, projectID, email string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM invitations WHERE project_id=$1 AND email=LOWER($2)
	`, projectID, email)
	if err != nil {
		return fmt.Errorf("delete invitation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListInvitations(ctx context.Context, projectID string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, email, status, is_editor, invited_by, created_at, updated_at
		FROM invitations WHERE project_id=$1
		ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()
	return scanInvitations(rows)
}

// ListPendingInvitationsByEmail feeds invitation reconciliation when a new
// identity registers with a matching email.
func (s *PostgresStore) ListPendingInvitationsByEmail(ctx context.Context, email string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, email, status, is_editor, invited_by, created_at, updated_at
		FROM invitations WHERE email=LOWER($1) AND status='pending'
	`, email)
	if err != nil {
		return nil, fmt.Errorf("list pending invitations: %w", err)
	}
	defer rows.Close()
	return scanInvitations(rows)
}

func scanInvitations(rows *sql.Rows) ([]Invitation, error) {
	items := make([]Invitation, 0)
	for rows.Next() {
		var inv Invitation
		if err := rows.Scan(&inv.ProjectID, &inv.Email, &inv.Status, &inv.IsEditor, &inv.InvitedBy, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		items = append(items, inv)
	}
	return items, rows.Err()
}

// ----- invite links -----

func (s *PostgresStore) InsertInviteLink(ctx context.Context, link InviteLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invite_links (token, project_id, created_by, is_editor, expires_at, max_uses)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, link.Token, link.ProjectID, link.CreatedBy, link.IsEditor, link.ExpiresAt, link.MaxUses)
	if err != nil {
		return fmt.Errorf("insert invite link: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInviteLink(ctx context.Context, token string) (InviteLink, error) {
	var link InviteLink
	err := s.db.QueryRowContext(ctx, `
		SELECT token, project_id, created_by, is_editor, expires_at, max_uses, created_at
		FROM invite_links WHERE token=$1
	`, token).Scan(&link.Token, &link.ProjectID, &link.CreatedBy, &link.IsEditor, &link.ExpiresAt, &link.MaxUses, &link.CreatedAt)
	if err != nil {
		return InviteLink{}, err
	}
	usedBy, err := s.linkUses(ctx, s.db, token)
	if err != nil {
		return InviteLink{}, err
	}
	link.UsedBy = usedBy
	return link, nil
}

func (s *PostgresStore) ListInviteLinks(ctx context.Context, projectID string) ([]InviteLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, project_id, created_by, is_editor, expires_at, max_uses, created_at
		FROM invite_links WHERE project_id=$1
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list invite links: %w", err)
	}
	defer rows.Close()

	links := make([]InviteLink, 0)
	for rows.Next() {
		var link InviteLink
		if err := rows.Scan(&link.Token, &link.ProjectID, &link.CreatedBy, &link.IsEditor, &link.ExpiresAt, &link.MaxUses, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invite link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range links {
		usedBy, err := s.linkUses(ctx, s.db, links[i].Token)
		if err != nil {
			return nil, err
		}
		links[i].UsedBy = usedBy
	}
	return links, nil
}

func (s *PostgresStore) DeleteInviteLink(ctx context.Context, token string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM invite_links WHERE token=$1`, token)
	if err != nil {
		return false, fmt.Errorf("delete invite link: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete invite link result: %w", err)
	}
	return affected > 0, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) linkUses(ctx context.Context, q queryer, token string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id FROM invite_link_uses WHERE token=$1 ORDER BY used_at
	`, token)
	if err != nil {
		return nil, fmt.Errorf("load link uses: %w", err)
	}
	defer rows.Close()

	usedBy := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan link use: %w", err)
		}
		usedBy = append(usedBy, userID)
	}
	return usedBy, rows.Err()
}

// RedeemInviteLink appends userID to the link's redemption set and grants
// the link's collaborator role, as one transaction. The link row is locked
// for the duration so two concurrent redemptions cannot both pass the
// max-uses check. Returns access.ErrLinkExpired, access.ErrLinkExhausted,
// access.ErrAlreadyRedeemed, or sql.ErrNoRows for a missing link.
func (s *PostgresStore) RedeemInviteLink(ctx context.Context, token, userID string) (InviteLink, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InviteLink{}, fmt.Errorf("begin redemption tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var link InviteLink
	err = tx.QueryRowContext(ctx, `
		SELECT token, project_id, created_by, is_editor, expires_at, max_uses, created_at
		FROM invite_links WHERE token=$1
		FOR UPDATE
	`, token).Scan(&link.Token, &link.ProjectID, &link.CreatedBy, &link.IsEditor, &link.ExpiresAt, &link.MaxUses, &link.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InviteLink{}, sql.ErrNoRows
		}
		return InviteLink{}, fmt.Errorf("lock invite link: %w", err)
	}

	usedBy, err := s.linkUses(ctx, tx, token)
	if err != nil {
		return InviteLink{}, err
	}

	terms := access.LinkTerms{ExpiresAt: link.ExpiresAt, MaxUses: link.MaxUses}
	if err := access.EvaluateRedemption(terms, usedBy, userID, time.Now()); err != nil {
		return InviteLink{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO invite_link_uses (token, user_id) VALUES ($1, $2)
	`, token, userID); err != nil {
		return InviteLink{}, fmt.Errorf("record link use: %w", err)
	}

	role := string(access.LinkRole(link.IsEditor))
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO collaborators (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, link.ProjectID, userID, role); err != nil {
		return InviteLink{}, fmt.Errorf("grant collaborator role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return InviteLink{}, fmt.Errorf("commit redemption: %w", err)
	}

	link.UsedBy = append(usedBy, userID)
	return link, nil
}

// ----- comments -----

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, project_id, version_filename, author_id, body, time_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, comment.ID, comment.ProjectID, comment.VersionFilename, comment.AuthorID, comment.Body, comment.TimeSeconds)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, projectID, versionFilename string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.project_id, c.version_filename, c.author_id, u.display_name, c.body, c.time_seconds, c.resolved, c.created_at
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.project_id=$1 AND c.version_filename=$2
		ORDER BY c.time_seconds, c.created_at
	`, projectID, versionFilename)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.VersionFilename, &c.AuthorID, &c.AuthorName, &c.Body, &c.TimeSeconds, &c.Resolved, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// ToggleCommentResolved flips the resolved flag as a single conditional
// update so concurrent toggles cannot lose writes.
func (s *PostgresStore) ToggleCommentResolved(ctx context.Context, projectID, commentID string) (Comment, error) {
	var c Comment
	err := s.db.QueryRowContext(ctx, `
		UPDATE comments SET resolved = NOT resolved
		WHERE project_id=$1 AND id=$2
		RETURNING id, project_id, version_filename, author_id, body, time_seconds, resolved, created_at
	`, projectID, commentID).Scan(&c.ID, &c.ProjectID, &c.VersionFilename, &c.AuthorID, &c.Body, &c.TimeSeconds, &c.Resolved, &c.CreatedAt)
	if err != nil {
		return Comment{}, err
	}
	return c, nil
}

// DeleteCommentsForVersion removes every comment referencing the exact
// version filename and returns the removed comment IDs so search entries
// can be dropped too.
func (s *PostgresStore) DeleteCommentsForVersion(ctx context.Context, projectID, versionFilename string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM comments WHERE project_id=$1 AND version_filename=$2
		RETURNING id
	`, projectID, versionFilename)
	if err != nil {
		return nil, fmt.Errorf("delete version comments: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted comment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) CommentCountsByVersion(ctx context.Context, projectID string) (map[string]VersionCommentCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version_filename, COUNT(*), COUNT(*) FILTER (WHERE resolved)
		FROM comments WHERE project_id=$1
		GROUP BY version_filename
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("count comments: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]VersionCommentCounts)
	for rows.Next() {
		var filename string
		var c VersionCommentCounts
		if err := rows.Scan(&filename, &c.Total, &c.Resolved); err != nil {
			return nil, fmt.Errorf("scan comment counts: %w", err)
		}
		counts[filename] = c
	}
	return counts, rows.Err()
}
