package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"trackroom/api/internal/access"
	"trackroom/api/internal/auth"
	"trackroom/api/internal/authpw"
	"trackroom/api/internal/blob"
	"trackroom/api/internal/config"
	"trackroom/api/internal/email"
	"trackroom/api/internal/search"
	"trackroom/api/internal/store"
	"trackroom/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(context.Context) error

	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)

	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	RenameProject(context.Context, string, string) error
	DeleteProject(context.Context, string) error
	ListProjectsForUser(context.Context, string) ([]store.ProjectMembership, error)

	CollaboratorRoles(context.Context, string) (map[string]access.Role, error)
	ListCollaborators(context.Context, string) ([]store.Collaborator, error)
	GetCollaboratorRole(context.Context, string, string) (string, error)
	UpsertCollaborator(context.Context, string, string, string) error
	UpdateCollaboratorRole(context.Context, string, string, string) (bool, error)
	RemoveCollaborator(context.Context, string, string) (bool, error)

	UpsertInvitation(context.Context, store.Invitation) error
	MarkInvitationDelivered(context.Context, string, string) error
	DeleteInvitation(context.Context, string, string) error
	ListInvitations(context.Context, string) ([]store.Invitation, error)
	ListPendingInvitationsByEmail(context.Context, string) ([]store.Invitation, error)

	InsertInviteLink(context.Context, store.InviteLink) error
	GetInviteLink(context.Context, string) (store.InviteLink, error)
	ListInviteLinks(context.Context, string) ([]store.InviteLink, error)
	DeleteInviteLink(context.Context, string) (bool, error)
	RedeemInviteLink(context.Context, string, string) (store.InviteLink, error)

	InsertComment(context.Context, store.Comment) error
	ListComments(context.Context, string, string) ([]store.Comment, error)
	ToggleCommentResolved(context.Context, string, string) (store.Comment, error)
	DeleteCommentsForVersion(context.Context, string, string) ([]string, error)
	CommentCountsByVersion(context.Context, string) (map[string]store.VersionCommentCounts, error)
}

// SessionStore holds refresh tokens. Redis when configured, Postgres
// otherwise.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type blobStore interface {
	PresignedPut(ctx context.Context, projectID, filename string) (string, error)
	PresignedGet(ctx context.Context, projectID, filename string) (string, error)
	Exists(ctx context.Context, projectID, filename string) (bool, error)
	Remove(ctx context.Context, projectID, filename string) error
	ListVersions(ctx context.Context, projectID string) ([]blob.Version, error)
	RemoveProject(ctx context.Context, projectID string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexProject(p search.ProjectRecord)
	IndexComment(c search.CommentRecord)
	DeleteProject(id string)
	DeleteComment(id string)
}

type mailer interface {
	IsConfigured() bool
	SendInvitation(to, inviterName, projectName, roleLabel, projectURL string) error
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	blob     blobStore
	search   searchIndex
	mail     mailer
	authpw   *authpw.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions SessionStore, blobs *blob.Store, searchSvc *search.Service, mail *email.Service, authSvc *authpw.Service) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		blob:     blobs,
		authpw:   authSvc,
	}
	if searchSvc != nil {
		svc.search = searchSvc
	}
	if mail != nil {
		svc.mail = mail
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

// ----- accounts and sessions -----

// SignUp registers a new identity and reconciles any pending invitations
// addressed to its email.
func (s *Service) SignUp(ctx context.Context, emailAddr, password, displayName string) (*authpw.SignUpResponse, error) {
	resp, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Email:       emailAddr,
		Password:    password,
		DisplayName: displayName,
	})
	if err != nil {
		switch {
		case errors.Is(err, authpw.ErrEmailTaken):
			return nil, errAlreadyExists("email already registered")
		case errors.Is(err, authpw.ErrWeakPassword), errors.Is(err, authpw.ErrMissingFields):
			return nil, errInvalidArgument(err.Error())
		default:
			return nil, err
		}
	}

	s.ReconcileInvitations(ctx, resp.UserID, emailAddr)

	if s.SMTPConfigured() {
		verifyURL := s.cfg.AppBaseURL + "/verify-email?token=" + resp.VerificationToken
		go func() {
			if err := s.mail.SendVerificationEmail(emailAddr, displayName, verifyURL); err != nil {
				log.Printf("email: send verification to %s: %v", emailAddr, err)
			}
		}()
	}

	return resp, nil
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	resp, err := s.authpw.SignIn(ctx, authpw.SignInRequest{Email: emailAddr, Password: password})
	if err != nil {
		return Session{}, errUnauthenticated("invalid email or password")
	}
	if resp.RequiresVerify {
		return Session{}, domainError(403, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)
	}
	return s.issueSession(ctx, resp.User)
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if err := s.authpw.VerifyEmail(ctx, token); err != nil {
		return errInvalidArgument("invalid or expired verification token")
	}
	return nil
}

func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) error {
	token, err := s.authpw.RequestPasswordReset(ctx, emailAddr)
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}
	if s.SMTPConfigured() {
		resetURL := s.cfg.AppBaseURL + "/reset-password?token=" + token
		user, err := s.store.GetUserByEmail(ctx, emailAddr)
		name := emailAddr
		if err == nil {
			name = user.DisplayName
		}
		go func() {
			if err := s.mail.SendPasswordResetEmail(emailAddr, name, resetURL); err != nil {
				log.Printf("email: send password reset to %s: %v", emailAddr, err)
			}
		}()
	}
	return nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	err := s.authpw.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authpw.ErrWeakPassword):
		return errInvalidArgument(err.Error())
	case errors.Is(err, authpw.ErrInvalidToken):
		return errInvalidArgument("invalid or expired reset token")
	default:
		return err
	}
}

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, errUnauthenticated("refresh token invalid")
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, errUnauthenticated("refresh token invalid")
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken()
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ReconcileInvitations converts pending email invitations into pending
// collaborator entries for a freshly registered identity. Best effort: a
// failed project leaves its invitation pending for the next pass.
func (s *Service) ReconcileInvitations(ctx context.Context, userID, emailAddr string) {
	invitations, err := s.store.ListPendingInvitationsByEmail(ctx, emailAddr)
	if err != nil {
		log.Printf("reconcile invitations for %s: %v", emailAddr, err)
		return
	}
	for _, inv := range invitations {
		if err := s.store.UpsertCollaborator(ctx, inv.ProjectID, userID, string(access.RolePending)); err != nil {
			log.Printf("reconcile invitation %s/%s: %v", inv.ProjectID, emailAddr, err)
			continue
		}
		if err := s.store.MarkInvitationDelivered(ctx, inv.ProjectID, inv.Email); err != nil {
			log.Printf("mark invitation delivered %s/%s: %v", inv.ProjectID, emailAddr, err)
		}
	}
}

// ----- projects -----

// projectAndRole loads a project and resolves the caller's role in it.
// Missing project maps to 404, no role to 403.
func (s *Service) projectAndRole(ctx context.Context, session Session, projectID string) (store.Project, access.Role, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, "", err
	}
	roles, err := s.store.CollaboratorRoles(ctx, projectID)
	if err != nil {
		return store.Project{}, "", err
	}
	role, ok := access.RoleOf(session.UserID, project.OwnerID, roles)
	if !ok {
		return store.Project{}, "", errPermissionDenied("no access to this project")
	}
	return project, role, nil
}

func projectPayload(p store.Project, role access.Role) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"name":      p.Name,
		"ownerId":   p.OwnerID,
		"role":      string(role),
		"createdAt": p.CreatedAt,
		"updatedAt": p.UpdatedAt,
	}
}

func (s *Service) CreateProject(ctx context.Context, session Session, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errInvalidArgument("project name is required")
	}

	project := store.Project{
		ID:      util.NewID("proj"),
		Name:    name,
		OwnerID: session.UserID,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexProject(search.ProjectRecord{ID: project.ID, Name: project.Name})
	}

	return projectPayload(project, access.RoleOwner), nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]map[string]any, error) {
	memberships, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(memberships))
	for _, m := range memberships {
		items = append(items, projectPayload(m.Project, access.Normalize(m.Role)))
	}
	return items, nil
}

// GetProject returns the project detail view: metadata, the caller's role,
// the collaborator list, and stored versions with comment counts. Pending
// collaborators see metadata only.
func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return nil, err
	}

	payload := projectPayload(project, role)

	collaborators, err := s.collaboratorPayloads(ctx, project)
	if err != nil {
		return nil, err
	}
	payload["collaborators"] = collaborators

	if access.CanParticipate(role) {
		versions, err := s.listVersionPayloads(ctx, projectID)
		if err != nil {
			return nil, err
		}
		payload["versions"] = versions
	} else {
		payload["versions"] = []map[string]any{}
	}

	if role == access.RoleOwner {
		invitations, err := s.store.ListInvitations(ctx, projectID)
		if err != nil {
			return nil, err
		}
		pending := make([]map[string]any, 0)
		for _, inv := range invitations {
			pending = append(pending, map[string]any{
				"email":     inv.Email,
				"status":    inv.Status,
				"isEditor":  inv.IsEditor,
				"invitedBy": inv.InvitedBy,
				"createdAt": inv.CreatedAt,
			})
		}
		payload["invitations"] = pending
	}

	return payload, nil
}

func (s *Service) RenameProject(ctx context.Context, session Session, projectID, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errInvalidArgument("project name is required")
	}

	project, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if !access.CanEdit(role) {
		return nil, errPermissionDenied("only the owner or an editor can rename a project")
	}

	if err := s.store.RenameProject(ctx, projectID, name); err != nil {
		return nil, err
	}
	project.Name = name

	if s.search != nil {
		s.search.IndexProject(search.ProjectRecord{ID: project.ID, Name: name})
	}

	return projectPayload(project, role), nil
}

// DeleteProject removes the project, its rows, and its stored audio. Blob
// and search cleanup are best effort once the rows are gone.
func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	_, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return err
	}
	if role != access.RoleOwner {
		return errPermissionDenied("only the owner can delete a project")
	}

	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}

	if err := s.blob.RemoveProject(ctx, projectID); err != nil {
		log.Printf("delete project %s: remove objects: %v", projectID, err)
	}
	if s.search != nil {
		s.search.DeleteProject(projectID)
	}
	return nil
}

// ----- collaborators and invitations -----

// collaboratorPayloads lists everyone with access, owner first. The owner
// is synthesized since they never have a collaborator entry.
func (s *Service) collaboratorPayloads(ctx context.Context, project store.Project) ([]map[string]any, error) {
	owner, err := s.store.GetUserByID(ctx, project.OwnerID)
	if err != nil {
		return nil, err
	}
	collaborators := []map[string]any{{
		"userId":      owner.ID,
		"email":       owner.Email,
		"displayName": owner.DisplayName,
		"role":        string(access.RoleOwner),
	}}
	rows, err := s.store.ListCollaborators(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range rows {
		collaborators = append(collaborators, map[string]any{
			"userId":      c.UserID,
			"email":       c.Email,
			"displayName": c.DisplayName,
			"role":        c.Role,
			"addedAt":     c.AddedAt,
		})
	}
	return collaborators, nil
}

func (s *Service) ListProjectCollaborators(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	project, _, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	return s.collaboratorPayloads(ctx, project)
}

func (s *Service) AddCollaborator(ctx context.Context, session Session, projectID, emailAddr string, isEditor bool) (map[string]any, error) {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))
	if emailAddr == "" || !strings.Contains(emailAddr, "@") {
		return nil, errInvalidArgument("a valid email address is required")
	}

	project, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if !access.CanManageCollaborators(role) {
		return nil, errPermissionDenied("only the owner can invite collaborators")
	}

	owner, err := s.store.GetUserByID(ctx, project.OwnerID)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(owner.Email, emailAddr) {
		return nil, errInvalidArgument("the owner already has access")
	}

	invitation := store.Invitation{
		ProjectID: projectID,
		Email:     emailAddr,
		Status:    "pending",
		IsEditor:  isEditor,
		InvitedBy: session.UserID,
	}
	if err := s.store.UpsertInvitation(ctx, invitation); err != nil {
		return nil, err
	}

	result := map[string]any{
		"email":    emailAddr,
		"isEditor": isEditor,
		"status":   "pending",
	}

	user, err := s.store.GetUserByEmail(ctx, emailAddr)
	if err == nil {
		if err := s.store.UpsertCollaborator(ctx, projectID, user.ID, string(access.RolePending)); err != nil {
			return nil, err
		}
		if err := s.store.MarkInvitationDelivered(ctx, projectID, emailAddr); err != nil {
			return nil, err
		}
		result["status"] = "delivered"

		if s.SMTPConfigured() {
			projectURL := s.cfg.AppBaseURL + "/projects/" + projectID
			roleLabel := string(access.LinkRole(isEditor))
			go func() {
				if err := s.mail.SendInvitation(emailAddr, session.UserName, project.Name, roleLabel, projectURL); err != nil {
					log.Printf("email: send invitation to %s: %v", emailAddr, err)
				}
			}()
		}
	}

	return result, nil
}

func (s *Service) UpdateCollaborator(ctx context.Context, session Session, projectID, emailAddr string, isEditor bool) (map[string]any, error) {
	project, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if !access.CanManageCollaborators(role) {
		return nil, errPermissionDenied("only the owner can change collaborator roles")
	}

	user, err := s.store.GetUserByEmail(ctx, emailAddr)
	if err != nil {
		return nil, err
	}
	if user.ID == project.OwnerID {
		return nil, errInvalidArgument("the owner's role cannot be changed")
	}

	current, err := s.store.GetCollaboratorRole(ctx, projectID, user.ID)
	if err != nil {
		return nil, err
	}
	if access.Normalize(current) == access.RolePending {
		return nil, errFailedPrecondition("invitation has not been accepted yet")
	}

	newRole := string(access.LinkRole(isEditor))
	if _, err := s.store.UpdateCollaboratorRole(ctx, projectID, user.ID, newRole); err != nil {
		return nil, err
	}

	return map[string]any{
		"userId": user.ID,
		"email":  user.Email,
		"role":   newRole,
	}, nil
}

// RemoveCollaborator removes a collaborator by email. The owner can remove
// anyone; a collaborator can remove themselves (leave). The owner can never
// be removed.
func (s *Service) RemoveCollaborator(ctx context.Context, session Session, projectID, emailAddr string) error {
	project, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return err
	}

	user, err := s.store.GetUserByEmail(ctx, emailAddr)
	if err != nil {
		return err
	}
	if user.ID == project.OwnerID {
		return errInvalidArgument("the owner cannot be removed")
	}
	if role != access.RoleOwner && session.UserID != user.ID {
		return errPermissionDenied("only the owner can remove other collaborators")
	}

	removed, err := s.store.RemoveCollaborator(ctx, projectID, user.ID)
	if err != nil {
		return err
	}
	_ = s.store.DeleteInvitation(ctx, projectID, user.Email)
	if !removed {
		return errNotFound("not a collaborator on this project")
	}
	return nil
}

// RespondToInvitation accepts or rejects a pending invitation for the
// calling identity. Accepting grants reader; the owner promotes
// afterwards if the collaborator should edit.
func (s *Service) RespondToInvitation(ctx context.Context, session Session, projectID string, accept bool) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	current, err := s.store.GetCollaboratorRole(ctx, projectID, session.UserID)
	if err != nil {
		return nil, err
	}
	if access.Normalize(current) != access.RolePending {
		return nil, errFailedPrecondition("invitation has already been answered")
	}

	if !accept {
		if _, err := s.store.RemoveCollaborator(ctx, projectID, session.UserID); err != nil {
			return nil, err
		}
		_ = s.store.DeleteInvitation(ctx, projectID, session.Email)
		return map[string]any{"projectId": projectID, "accepted": false}, nil
	}

	// Accepting always grants reader; the owner can promote afterwards.
	if err := s.store.UpsertCollaborator(ctx, projectID, session.UserID, string(access.RoleReader)); err != nil {
		return nil, err
	}
	_ = s.store.DeleteInvitation(ctx, projectID, session.Email)

	payload := projectPayload(project, access.RoleReader)
	payload["accepted"] = true
	return payload, nil
}

// ----- invite links -----

func linkPayload(link store.InviteLink, baseURL string, now time.Time) map[string]any {
	terms := access.LinkTerms{ExpiresAt: link.ExpiresAt, MaxUses: link.MaxUses}
	return map[string]any{
		"token":     link.Token,
		"url":       baseURL + "/invite/" + link.Token,
		"projectId": link.ProjectID,
		"createdBy": link.CreatedBy,
		"isEditor":  link.IsEditor,
		"expiresAt": link.ExpiresAt,
		"maxUses":   link.MaxUses,
		"useCount":  len(link.UsedBy),
		"active":    access.LinkActive(terms, len(link.UsedBy), now),
		"createdAt": link.CreatedAt,
	}
}

func (s *Service) CreateInviteLink(ctx context.Context, session Session, projectID string, isEditor bool, expiresAt *time.Time, maxUses *int) (map[string]any, error) {
	_, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if !access.CanEdit(role) {
		return nil, errPermissionDenied("only the owner or an editor can create invite links")
	}

	if maxUses != nil && *maxUses < 1 {
		return nil, errInvalidArgument("maxUses must be at least 1")
	}
	if expiresAt != nil && !expiresAt.After(time.Now()) {
		return nil, errInvalidArgument("expiresAt must be in the future")
	}

	link := store.InviteLink{
		Token:     util.NewToken(),
		ProjectID: projectID,
		CreatedBy: session.UserID,
		IsEditor:  isEditor,
		ExpiresAt: expiresAt,
		MaxUses:   maxUses,
		CreatedAt: time.Now(),
	}
	if err := s.store.InsertInviteLink(ctx, link); err != nil {
		return nil, err
	}

	return linkPayload(link, s.cfg.AppBaseURL, time.Now()), nil
}

// ListInviteLinks returns the project's active links. Expired and exhausted
// links are filtered out; they stay in storage but behave as absent.
func (s *Service) ListInviteLinks(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	_, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if !access.CanEdit(role) {
		return nil, errPermissionDenied("only the owner or an editor can list invite links")
	}

	links, err := s.store.ListInviteLinks(ctx, projectID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	items := make([]map[string]any, 0, len(links))
	for _, link := range links {
		terms := access.LinkTerms{ExpiresAt: link.ExpiresAt, MaxUses: link.MaxUses}
		if !access.LinkActive(terms, len(link.UsedBy), now) {
			continue
		}
		items = append(items, linkPayload(link, s.cfg.AppBaseURL, now))
	}
	return items, nil
}

func (s *Service) RevokeInviteLink(ctx context.Context, session Session, token string) error {
	link, err := s.store.GetInviteLink(ctx, token)
	if err != nil {
		return err
	}

	_, role, err := s.projectAndRole(ctx, session, link.ProjectID)
	if err != nil {
		return err
	}
	if !access.CanRevokeLink(role, session.UserID, link.CreatedBy) {
		return errPermissionDenied("only the owner, an editor, or the link creator can revoke it")
	}

	deleted, err := s.store.DeleteInviteLink(ctx, token)
	if err != nil {
		return err
	}
	if !deleted {
		return errNotFound("invite link not found")
	}
	return nil
}

// PreviewInviteLink shows what a link grants without redeeming it. The
// token is the capability; no project access is required.
func (s *Service) PreviewInviteLink(ctx context.Context, token string) (map[string]any, error) {
	link, err := s.store.GetInviteLink(ctx, token)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, link.ProjectID)
	if err != nil {
		return nil, err
	}

	terms := access.LinkTerms{ExpiresAt: link.ExpiresAt, MaxUses: link.MaxUses}
	return map[string]any{
		"projectId":   project.ID,
		"projectName": project.Name,
		"role":        string(access.LinkRole(link.IsEditor)),
		"active":      access.LinkActive(terms, len(link.UsedBy), time.Now()),
	}, nil
}

// RedeemInviteLink grants the caller the link's role. Redemption is
// idempotent per identity in the sense that a second attempt fails with
// ALREADY_EXISTS and changes nothing.
func (s *Service) RedeemInviteLink(ctx context.Context, session Session, token string) (map[string]any, error) {
	link, err := s.store.GetInviteLink(ctx, token)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, link.ProjectID)
	if err != nil {
		return nil, err
	}
	if session.UserID == project.OwnerID {
		return nil, errFailedPrecondition("the owner already has access")
	}

	redeemed, err := s.store.RedeemInviteLink(ctx, token, session.UserID)
	if err != nil {
		switch {
		case errors.Is(err, access.ErrAlreadyRedeemed):
			return nil, errAlreadyExists("invite link already redeemed")
		case errors.Is(err, access.ErrLinkExpired):
			return nil, errFailedPrecondition("invite link has expired")
		case errors.Is(err, access.ErrLinkExhausted):
			return nil, errFailedPrecondition("invite link has no uses left")
		default:
			return nil, err
		}
	}

	// Any pending email invitation is superseded by the link grant.
	_ = s.store.DeleteInvitation(ctx, link.ProjectID, session.Email)

	return projectPayload(project, access.LinkRole(redeemed.IsEditor)), nil
}

// ----- versions -----

func (s *Service) listVersionPayloads(ctx context.Context, projectID string) ([]map[string]any, error) {
	versions, err := s.blob.ListVersions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CommentCountsByVersion(ctx, projectID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		c := counts[v.Filename]
		items = append(items, map[string]any{
			"filename":      v.Filename,
			"size":          v.Size,
			"uploadedAt":    v.UploadedAt,
			"commentCount":  c.Total,
			"resolvedCount": c.Resolved,
		})
	}
	return items, nil
}

func (s *Service) ListVersions(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	_, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if !access.CanParticipate(role) {
		return nil, errPermissionDenied("accept the invitation to see project contents")
	}
	return s.listVersionPayloads(ctx, projectID)
}

// CreateUploadURL returns a presigned PUT URL for a new audio version. The
// client uploads directly to object storage.
func (s *Service) CreateUploadURL(ctx context.Context, session Session, projectID, filename string) (map[string]any, error) {
	_, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if !access.CanEdit(role) {
		return nil, errPermissionDenied("only the owner or an editor can upload versions")
	}

	clean := blob.SanitizeFilename(filename)
	if clean == "" {
		return nil, errInvalidArgument("a filename is required")
	}

	uploadURL, err := s.blob.PresignedPut(ctx, projectID, clean)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"filename":  clean,
		"uploadUrl": uploadURL,
	}, nil
}

func (s *Service) GetStreamURL(ctx context.Context, session Session, projectID, filename string) (map[string]any, error) {
	_, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if !access.CanParticipate(role) {
		return nil, errPermissionDenied("accept the invitation to see project contents")
	}

	clean := blob.SanitizeFilename(filename)
	if clean == "" {
		return nil, errInvalidArgument("a filename is required")
	}

	exists, err := s.blob.Exists(ctx, projectID, clean)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errNotFound("version not found")
	}

	streamURL, err := s.blob.PresignedGet(ctx, projectID, clean)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"filename":  clean,
		"streamUrl": streamURL,
	}, nil
}

// DeleteVersion removes a stored version and its comments. When the object
// is already gone the comments are left untouched.
func (s *Service) DeleteVersion(ctx context.Context, session Session, projectID, filename string) error {
	_, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return err
	}
	if !access.CanEdit(role) {
		return errPermissionDenied("only the owner or an editor can delete versions")
	}

	clean := blob.SanitizeFilename(filename)
	if clean == "" {
		return errInvalidArgument("a filename is required")
	}

	exists, err := s.blob.Exists(ctx, projectID, clean)
	if err != nil {
		return err
	}
	if !exists {
		return errNotFound("version not found")
	}

	if err := s.blob.Remove(ctx, projectID, clean); err != nil {
		return err
	}

	deletedIDs, err := s.store.DeleteCommentsForVersion(ctx, projectID, clean)
	if err != nil {
		return err
	}
	if s.search != nil {
		for _, id := range deletedIDs {
			s.search.DeleteComment(id)
		}
	}
	return nil
}

// ----- comments -----

func commentPayload(c store.Comment) map[string]any {
	return map[string]any{
		"id":              c.ID,
		"projectId":       c.ProjectID,
		"versionFilename": c.VersionFilename,
		"authorId":        c.AuthorID,
		"authorName":      c.AuthorName,
		"body":            c.Body,
		"timeSeconds":     c.TimeSeconds,
		"resolved":        c.Resolved,
		"createdAt":       c.CreatedAt,
	}
}

func (s *Service) AddComment(ctx context.Context, session Session, projectID, filename, body string, timeSeconds float64) (map[string]any, error) {
	_, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if !access.CanParticipate(role) {
		return nil, errPermissionDenied("accept the invitation to comment")
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errInvalidArgument("comment body is required")
	}
	if timeSeconds < 0 {
		return nil, errInvalidArgument("timeSeconds must not be negative")
	}

	clean := blob.SanitizeFilename(filename)
	if clean == "" {
		return nil, errInvalidArgument("a version filename is required")
	}
	exists, err := s.blob.Exists(ctx, projectID, clean)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errNotFound("version not found")
	}

	comment := store.Comment{
		ID:              util.NewID("cmt"),
		ProjectID:       projectID,
		VersionFilename: clean,
		AuthorID:        session.UserID,
		AuthorName:      session.UserName,
		Body:            body,
		TimeSeconds:     timeSeconds,
		CreatedAt:       time.Now(),
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexComment(search.CommentRecord{
			ID:              comment.ID,
			Body:            comment.Body,
			ProjectID:       projectID,
			VersionFilename: clean,
		})
	}

	return commentPayload(comment), nil
}

func (s *Service) ListComments(ctx context.Context, session Session, projectID, filename string) ([]map[string]any, error) {
	_, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if !access.CanParticipate(role) {
		return nil, errPermissionDenied("accept the invitation to see project contents")
	}

	clean := blob.SanitizeFilename(filename)
	if clean == "" {
		return nil, errInvalidArgument("a version filename is required")
	}

	comments, err := s.store.ListComments(ctx, projectID, clean)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, c := range comments {
		items = append(items, commentPayload(c))
	}
	return items, nil
}

func (s *Service) ToggleCommentResolved(ctx context.Context, session Session, projectID, commentID string) (map[string]any, error) {
	_, role, err := s.projectAndRole(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if !access.CanParticipate(role) {
		return nil, errPermissionDenied("accept the invitation to see project contents")
	}

	comment, err := s.store.ToggleCommentResolved(ctx, projectID, commentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":       comment.ID,
		"resolved": comment.Resolved,
	}, nil
}

// ----- search -----

// Search runs a full-text query scoped to projects the caller can see.
// Pending memberships are excluded: an unaccepted invitation reveals
// nothing of the project's contents.
func (s *Service) Search(ctx context.Context, session Session, text string, filterType search.ResultType, limit, offset int) (search.Response, error) {
	memberships, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	projectIDs := make([]string, 0, len(memberships))
	for _, m := range memberships {
		if access.CanParticipate(access.Normalize(m.Role)) {
			projectIDs = append(projectIDs, m.ID)
		}
	}

	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:       text,
		FilterType: filterType,
		ProjectIDs: projectIDs,
		Limit:      limit,
		Offset:     offset,
	}), nil
}
