package app

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"trackroom/api/internal/access"
	"trackroom/api/internal/blob"
	"trackroom/api/internal/config"
	"trackroom/api/internal/search"
	"trackroom/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn              func(context.Context, string) (store.User, error)
	getUserByEmailFn           func(context.Context, string) (store.User, error)
	getProjectFn               func(context.Context, string) (store.Project, error)
	renameProjectFn            func(context.Context, string, string) error
	deleteProjectFn            func(context.Context, string) error
	listProjectsForUserFn      func(context.Context, string) ([]store.ProjectMembership, error)
	collaboratorRolesFn        func(context.Context, string) (map[string]access.Role, error)
	listCollaboratorsFn        func(context.Context, string) ([]store.Collaborator, error)
	getCollaboratorRoleFn      func(context.Context, string, string) (string, error)
	upsertCollaboratorFn       func(context.Context, string, string, string) error
	updateCollaboratorRoleFn   func(context.Context, string, string, string) (bool, error)
	removeCollaboratorFn       func(context.Context, string, string) (bool, error)
	upsertInvitationFn         func(context.Context, store.Invitation) error
	markInvitationDeliveredFn  func(context.Context, string, string) error
	deleteInvitationFn         func(context.Context, string, string) error
	listPendingInvitationsFn   func(context.Context, string) ([]store.Invitation, error)
	insertInviteLinkFn         func(context.Context, store.InviteLink) error
	getInviteLinkFn            func(context.Context, string) (store.InviteLink, error)
	listInviteLinksFn          func(context.Context, string) ([]store.InviteLink, error)
	deleteInviteLinkFn         func(context.Context, string) (bool, error)
	redeemInviteLinkFn         func(context.Context, string, string) (store.InviteLink, error)
	insertCommentFn            func(context.Context, store.Comment) error
	listCommentsFn             func(context.Context, string, string) ([]store.Comment, error)
	toggleCommentResolvedFn    func(context.Context, string, string) (store.Comment, error)
	deleteCommentsForVersionFn func(context.Context, string, string) ([]string, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{ID: id, DisplayName: "User " + id, Email: id + "@example.com"}, nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(context.Context, string) (bool, error) { return false, nil }

func (f *fakeStore) InsertProject(context.Context, store.Project) error { return nil }
func (f *fakeStore) GetProject(ctx context.Context, id string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, id)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) RenameProject(ctx context.Context, id, name string) error {
	if f.renameProjectFn != nil {
		return f.renameProjectFn(ctx, id, name)
	}
	return nil
}
func (f *fakeStore) DeleteProject(ctx context.Context, id string) error {
	if f.deleteProjectFn != nil {
		return f.deleteProjectFn(ctx, id)
	}
	return nil
}
func (f *fakeStore) ListProjectsForUser(ctx context.Context, userID string) ([]store.ProjectMembership, error) {
	if f.listProjectsForUserFn != nil {
		return f.listProjectsForUserFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) CollaboratorRoles(ctx context.Context, projectID string) (map[string]access.Role, error) {
	if f.collaboratorRolesFn != nil {
		return f.collaboratorRolesFn(ctx, projectID)
	}
	return map[string]access.Role{}, nil
}
func (f *fakeStore) ListCollaborators(ctx context.Context, projectID string) ([]store.Collaborator, error) {
	if f.listCollaboratorsFn != nil {
		return f.listCollaboratorsFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) GetCollaboratorRole(ctx context.Context, projectID, userID string) (string, error) {
	if f.getCollaboratorRoleFn != nil {
		return f.getCollaboratorRoleFn(ctx, projectID, userID)
	}
	return "", sql.ErrNoRows
}
func (f *fakeStore) UpsertCollaborator(ctx context.Context, projectID, userID, role string) error {
	if f.upsertCollaboratorFn != nil {
		return f.upsertCollaboratorFn(ctx, projectID, userID, role)
	}
	return nil
}
func (f *fakeStore) UpdateCollaboratorRole(ctx context.Context, projectID, userID, role string) (bool, error) {
	if f.updateCollaboratorRoleFn != nil {
		return f.updateCollaboratorRoleFn(ctx, projectID, userID, role)
	}
	return true, nil
}
func (f *fakeStore) RemoveCollaborator(ctx context.Context, projectID, userID string) (bool, error) {
	if f.removeCollaboratorFn != nil {
		return f.removeCollaboratorFn(ctx, projectID, userID)
	}
	return true, nil
}

func (f *fakeStore) UpsertInvitation(ctx context.Context, inv store.Invitation) error {
	if f.upsertInvitationFn != nil {
		return f.upsertInvitationFn(ctx, inv)
	}
	return nil
}
func (f *fakeStore) MarkInvitationDelivered(ctx context.Context, projectID, email string) error {
	if f.markInvitationDeliveredFn != nil {
		return f.markInvitationDeliveredFn(ctx, projectID, email)
	}
	return nil
}
func (f *fakeStore) DeleteInvitation(ctx context.Context, projectID, email string) error {
	if f.deleteInvitationFn != nil {
		return f.deleteInvitationFn(ctx, projectID, email)
	}
	return nil
}
func (f *fakeStore) ListInvitations(context.Context, string) ([]store.Invitation, error) {
	return nil, nil
}
func (f *fakeStore) ListPendingInvitationsByEmail(ctx context.Context, email string) ([]store.Invitation, error) {
	if f.listPendingInvitationsFn != nil {
		return f.listPendingInvitationsFn(ctx, email)
	}
	return nil, nil
}

func (f *fakeStore) InsertInviteLink(ctx context.Context, link store.InviteLink) error {
	if f.insertInviteLinkFn != nil {
		return f.insertInviteLinkFn(ctx, link)
	}
	return nil
}
func (f *fakeStore) GetInviteLink(ctx context.Context, token string) (store.InviteLink, error) {
	if f.getInviteLinkFn != nil {
		return f.getInviteLinkFn(ctx, token)
	}
	return store.InviteLink{}, sql.ErrNoRows
}
func (f *fakeStore) ListInviteLinks(ctx context.Context, projectID string) ([]store.InviteLink, error) {
	if f.listInviteLinksFn != nil {
		return f.listInviteLinksFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) DeleteInviteLink(ctx context.Context, token string) (bool, error) {
	if f.deleteInviteLinkFn != nil {
		return f.deleteInviteLinkFn(ctx, token)
	}
	return true, nil
}
func (f *fakeStore) RedeemInviteLink(ctx context.Context, token, userID string) (store.InviteLink, error) {
	if f.redeemInviteLinkFn != nil {
		return f.redeemInviteLinkFn(ctx, token, userID)
	}
	return store.InviteLink{}, sql.ErrNoRows
}

func (f *fakeStore) InsertComment(ctx context.Context, c store.Comment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, c)
	}
	return nil
}
func (f *fakeStore) ListComments(ctx context.Context, projectID, filename string) ([]store.Comment, error) {
	if f.listCommentsFn != nil {
		return f.listCommentsFn(ctx, projectID, filename)
	}
	return nil, nil
}
func (f *fakeStore) ToggleCommentResolved(ctx context.Context, projectID, commentID string) (store.Comment, error) {
	if f.toggleCommentResolvedFn != nil {
		return f.toggleCommentResolvedFn(ctx, projectID, commentID)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteCommentsForVersion(ctx context.Context, projectID, filename string) ([]string, error) {
	if f.deleteCommentsForVersionFn != nil {
		return f.deleteCommentsForVersionFn(ctx, projectID, filename)
	}
	return nil, nil
}
func (f *fakeStore) CommentCountsByVersion(context.Context, string) (map[string]store.VersionCommentCounts, error) {
	return map[string]store.VersionCommentCounts{}, nil
}

type fakeBlob struct {
	existsFn        func(context.Context, string, string) (bool, error)
	removeFn        func(context.Context, string, string) error
	listVersionsFn  func(context.Context, string) ([]blob.Version, error)
	removeProjectFn func(context.Context, string) error
}

func (f *fakeBlob) PresignedPut(ctx context.Context, projectID, filename string) (string, error) {
	return "https://blob.test/put/" + projectID + "/" + filename, nil
}
func (f *fakeBlob) PresignedGet(ctx context.Context, projectID, filename string) (string, error) {
	return "https://blob.test/get/" + projectID + "/" + filename, nil
}
func (f *fakeBlob) Exists(ctx context.Context, projectID, filename string) (bool, error) {
	if f.existsFn != nil {
		return f.existsFn(ctx, projectID, filename)
	}
	return true, nil
}
func (f *fakeBlob) Remove(ctx context.Context, projectID, filename string) error {
	if f.removeFn != nil {
		return f.removeFn(ctx, projectID, filename)
	}
	return nil
}
func (f *fakeBlob) ListVersions(ctx context.Context, projectID string) ([]blob.Version, error) {
	if f.listVersionsFn != nil {
		return f.listVersionsFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeBlob) RemoveProject(ctx context.Context, projectID string) error {
	if f.removeProjectFn != nil {
		return f.removeProjectFn(ctx, projectID)
	}
	return nil
}

type fakeSessions struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{tokens: make(map[string]string)}
}

func (f *fakeSessions) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[tokenHash] = userID
	return nil
}
func (f *fakeSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.tokens[tokenHash]
	if !ok {
		return "", errors.New("not found")
	}
	return userID, nil
}
func (f *fakeSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, tokenHash)
	return nil
}

type fakeSearch struct {
	mu        sync.Mutex
	lastQuery search.Query
	indexed   []search.ProjectRecord
	deleted   []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	return search.Response{Results: []search.Result{}, Query: q.Text}
}
func (f *fakeSearch) IndexProject(p search.ProjectRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, p)
}
func (f *fakeSearch) IndexComment(search.CommentRecord) {}
func (f *fakeSearch) DeleteProject(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}
func (f *fakeSearch) DeleteComment(string) {}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		AppBaseURL: "https://app.test",
	}
}

func newTestService(fs *fakeStore, fb *fakeBlob) *Service {
	if fb == nil {
		fb = &fakeBlob{}
	}
	return &Service{
		cfg:      testConfig(),
		store:    fs,
		sessions: newFakeSessions(),
		blob:     fb,
	}
}

func ownedProject(ownerID string) func(context.Context, string) (store.Project, error) {
	return func(_ context.Context, id string) (store.Project, error) {
		return store.Project{ID: id, Name: "Demo Mix", OwnerID: ownerID}, nil
	}
}

func TestGetProjectAccess(t *testing.T) {
	ctx := context.Background()

	t.Run("missing project", func(t *testing.T) {
		svc := newTestService(&fakeStore{}, nil)
		_, err := svc.GetProject(ctx, Session{UserID: "u1"}, "proj-missing")
		if !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("expected sql.ErrNoRows, got %v", err)
		}
		status, code, _, _ := mapError(err)
		if status != 404 || code != "NOT_FOUND" {
			t.Errorf("expected 404 NOT_FOUND, got %d %s", status, code)
		}
	})

	t.Run("stranger denied", func(t *testing.T) {
		svc := newTestService(&fakeStore{getProjectFn: ownedProject("owner-1")}, nil)
		_, err := svc.GetProject(ctx, Session{UserID: "stranger"}, "proj-1")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "PERMISSION_DENIED" {
			t.Fatalf("expected PERMISSION_DENIED, got %v", err)
		}
	})

	t.Run("collaborator allowed", func(t *testing.T) {
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			collaboratorRolesFn: func(context.Context, string) (map[string]access.Role, error) {
				return map[string]access.Role{"reader-1": access.RoleReader}, nil
			},
		}, nil)
		payload, err := svc.GetProject(ctx, Session{UserID: "reader-1"}, "proj-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if payload["role"] != "reader" {
			t.Errorf("expected reader role, got %v", payload["role"])
		}
	})
}

func TestCreateProject(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(&fakeStore{}, nil)

	if _, err := svc.CreateProject(ctx, Session{UserID: "u1"}, "   "); err == nil {
		t.Fatal("expected error for blank name")
	}

	indexer := &fakeSearch{}
	svc.search = indexer
	payload, err := svc.CreateProject(ctx, Session{UserID: "u1"}, "Night Drive EP")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload["role"] != "owner" {
		t.Errorf("creator should be owner, got %v", payload["role"])
	}
	if len(indexer.indexed) != 1 || indexer.indexed[0].Name != "Night Drive EP" {
		t.Errorf("project should be indexed for search")
	}
}

func TestAddCollaborator(t *testing.T) {
	ctx := context.Background()
	owner := Session{UserID: "owner-1", UserName: "Owner"}

	t.Run("non-owner denied", func(t *testing.T) {
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			collaboratorRolesFn: func(context.Context, string) (map[string]access.Role, error) {
				return map[string]access.Role{"editor-1": access.RoleEditor}, nil
			},
		}, nil)
		_, err := svc.AddCollaborator(ctx, Session{UserID: "editor-1"}, "proj-1", "new@example.com", false)
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "PERMISSION_DENIED" {
			t.Fatalf("expected PERMISSION_DENIED, got %v", err)
		}
	})

	t.Run("invalid email", func(t *testing.T) {
		svc := newTestService(&fakeStore{getProjectFn: ownedProject("owner-1")}, nil)
		_, err := svc.AddCollaborator(ctx, owner, "proj-1", "not-an-email", false)
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_ARGUMENT" {
			t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
		}
	})

	t.Run("unknown email stays pending", func(t *testing.T) {
		var savedInvitation *store.Invitation
		upserts := 0
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
				return store.User{ID: id, Email: "owner@example.com"}, nil
			},
			upsertInvitationFn: func(_ context.Context, inv store.Invitation) error {
				savedInvitation = &inv
				return nil
			},
			upsertCollaboratorFn: func(context.Context, string, string, string) error {
				upserts++
				return nil
			},
		}, nil)

		payload, err := svc.AddCollaborator(ctx, owner, "proj-1", "Ghost@Example.com", true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if payload["status"] != "pending" {
			t.Errorf("expected pending status, got %v", payload["status"])
		}
		if savedInvitation == nil || savedInvitation.Email != "ghost@example.com" || !savedInvitation.IsEditor {
			t.Errorf("invitation not recorded correctly: %+v", savedInvitation)
		}
		if upserts != 0 {
			t.Errorf("no collaborator row should exist before the identity does")
		}
	})

	t.Run("known email becomes pending collaborator", func(t *testing.T) {
		var grantedRole string
		delivered := false
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
				return store.User{ID: id, Email: "owner@example.com"}, nil
			},
			getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
				return store.User{ID: "invitee-1", Email: email}, nil
			},
			upsertCollaboratorFn: func(_ context.Context, _, _, role string) error {
				grantedRole = role
				return nil
			},
			markInvitationDeliveredFn: func(context.Context, string, string) error {
				delivered = true
				return nil
			},
		}, nil)

		payload, err := svc.AddCollaborator(ctx, owner, "proj-1", "invitee@example.com", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if payload["status"] != "delivered" {
			t.Errorf("expected delivered status, got %v", payload["status"])
		}
		if grantedRole != "pending" {
			t.Errorf("existing identity should get a pending role, got %q", grantedRole)
		}
		if !delivered {
			t.Error("invitation should be marked delivered")
		}
	})

	t.Run("owner email rejected", func(t *testing.T) {
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
				return store.User{ID: id, Email: "owner@example.com"}, nil
			},
		}, nil)
		_, err := svc.AddCollaborator(ctx, owner, "proj-1", "owner@example.com", false)
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_ARGUMENT" {
			t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
		}
	})
}

func TestRemoveCollaborator(t *testing.T) {
	ctx := context.Background()

	base := func() *fakeStore {
		return &fakeStore{
			getProjectFn: ownedProject("owner-1"),
			collaboratorRolesFn: func(context.Context, string) (map[string]access.Role, error) {
				return map[string]access.Role{
					"reader-1": access.RoleReader,
					"reader-2": access.RoleReader,
				}, nil
			},
			getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
				switch email {
				case "owner@example.com":
					return store.User{ID: "owner-1", Email: email}, nil
				case "reader2@example.com":
					return store.User{ID: "reader-2", Email: email}, nil
				default:
					return store.User{ID: "reader-1", Email: email}, nil
				}
			},
		}
	}

	t.Run("owner cannot be removed", func(t *testing.T) {
		svc := newTestService(base(), nil)
		err := svc.RemoveCollaborator(ctx, Session{UserID: "owner-1"}, "proj-1", "owner@example.com")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_ARGUMENT" {
			t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
		}
	})

	t.Run("reader cannot remove another reader", func(t *testing.T) {
		svc := newTestService(base(), nil)
		err := svc.RemoveCollaborator(ctx, Session{UserID: "reader-1"}, "proj-1", "reader2@example.com")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "PERMISSION_DENIED" {
			t.Fatalf("expected PERMISSION_DENIED, got %v", err)
		}
	})

	t.Run("reader can leave", func(t *testing.T) {
		fs := base()
		removed := ""
		fs.removeCollaboratorFn = func(_ context.Context, _, userID string) (bool, error) {
			removed = userID
			return true, nil
		}
		svc := newTestService(fs, nil)
		if err := svc.RemoveCollaborator(ctx, Session{UserID: "reader-1"}, "proj-1", "reader1@example.com"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if removed != "reader-1" {
			t.Errorf("expected reader-1 removed, got %q", removed)
		}
	})

	t.Run("absent collaborator is not found", func(t *testing.T) {
		fs := base()
		fs.removeCollaboratorFn = func(context.Context, string, string) (bool, error) {
			return false, nil
		}
		svc := newTestService(fs, nil)
		err := svc.RemoveCollaborator(ctx, Session{UserID: "owner-1"}, "proj-1", "reader1@example.com")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "NOT_FOUND" {
			t.Fatalf("expected NOT_FOUND, got %v", err)
		}
	})
}

func TestListProjectCollaborators(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(&fakeStore{
		getProjectFn: ownedProject("owner-1"),
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, DisplayName: "Owner", Email: "owner@example.com"}, nil
		},
		collaboratorRolesFn: func(context.Context, string) (map[string]access.Role, error) {
			return map[string]access.Role{"reader-1": access.RoleReader}, nil
		},
		listCollaboratorsFn: func(context.Context, string) ([]store.Collaborator, error) {
			return []store.Collaborator{{ProjectID: "proj-1", UserID: "reader-1", Role: "reader", Email: "r@example.com"}}, nil
		},
	}, nil)

	items, err := svc.ListProjectCollaborators(ctx, Session{UserID: "reader-1"}, "proj-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected owner plus one collaborator, got %d", len(items))
	}
	if items[0]["role"] != "owner" || items[1]["userId"] != "reader-1" {
		t.Errorf("unexpected collaborator list: %v", items)
	}
}

func TestUpdateCollaborator(t *testing.T) {
	ctx := context.Background()

	t.Run("pending target", func(t *testing.T) {
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
				return store.User{ID: "invitee-1", Email: email}, nil
			},
			getCollaboratorRoleFn: func(context.Context, string, string) (string, error) {
				return "pending", nil
			},
		}, nil)

		_, err := svc.UpdateCollaborator(ctx, Session{UserID: "owner-1"}, "proj-1", "invitee@example.com", true)
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "FAILED_PRECONDITION" {
			t.Fatalf("expected FAILED_PRECONDITION, got %v", err)
		}
	})

	t.Run("owner target", func(t *testing.T) {
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
				return store.User{ID: "owner-1", Email: email}, nil
			},
		}, nil)

		_, err := svc.UpdateCollaborator(ctx, Session{UserID: "owner-1"}, "proj-1", "owner@example.com", true)
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_ARGUMENT" {
			t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
		}
	})

	t.Run("promote reader to editor", func(t *testing.T) {
		updatedRole := ""
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
				return store.User{ID: "reader-1", Email: email}, nil
			},
			getCollaboratorRoleFn: func(context.Context, string, string) (string, error) {
				return "reader", nil
			},
			updateCollaboratorRoleFn: func(_ context.Context, _, _, role string) (bool, error) {
				updatedRole = role
				return true, nil
			},
		}, nil)

		payload, err := svc.UpdateCollaborator(ctx, Session{UserID: "owner-1"}, "proj-1", "reader@example.com", true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if updatedRole != "editor" || payload["role"] != "editor" {
			t.Errorf("expected editor role, got store=%q payload=%v", updatedRole, payload["role"])
		}
	})
}

func TestRespondToInvitation(t *testing.T) {
	ctx := context.Background()
	invitee := Session{UserID: "invitee-1", Email: "invitee@example.com"}

	t.Run("accept grants reader", func(t *testing.T) {
		granted := ""
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			getCollaboratorRoleFn: func(context.Context, string, string) (string, error) {
				return "pending", nil
			},
			upsertCollaboratorFn: func(_ context.Context, _, _, role string) error {
				granted = role
				return nil
			},
		}, nil)

		payload, err := svc.RespondToInvitation(ctx, invitee, "proj-1", true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if granted != "reader" {
			t.Errorf("accepting should grant reader, got %q", granted)
		}
		if payload["accepted"] != true {
			t.Errorf("expected accepted payload, got %v", payload)
		}
	})

	t.Run("reject removes pending entry", func(t *testing.T) {
		removed := false
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			getCollaboratorRoleFn: func(context.Context, string, string) (string, error) {
				return "pending", nil
			},
			removeCollaboratorFn: func(context.Context, string, string) (bool, error) {
				removed = true
				return true, nil
			},
		}, nil)

		if _, err := svc.RespondToInvitation(ctx, invitee, "proj-1", false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !removed {
			t.Error("pending collaborator entry should be removed on reject")
		}
	})

	t.Run("already answered", func(t *testing.T) {
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			getCollaboratorRoleFn: func(context.Context, string, string) (string, error) {
				return "reader", nil
			},
		}, nil)
		_, err := svc.RespondToInvitation(ctx, invitee, "proj-1", true)
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "FAILED_PRECONDITION" {
			t.Fatalf("expected FAILED_PRECONDITION, got %v", err)
		}
	})

	t.Run("no invitation", func(t *testing.T) {
		svc := newTestService(&fakeStore{getProjectFn: ownedProject("owner-1")}, nil)
		_, err := svc.RespondToInvitation(ctx, invitee, "proj-1", true)
		if !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("expected sql.ErrNoRows, got %v", err)
		}
	})
}

func TestCreateInviteLinkValidation(t *testing.T) {
	ctx := context.Background()
	owner := Session{UserID: "owner-1"}
	svc := newTestService(&fakeStore{getProjectFn: ownedProject("owner-1")}, nil)

	zero := 0
	if _, err := svc.CreateInviteLink(ctx, owner, "proj-1", false, nil, &zero); err == nil {
		t.Error("maxUses of zero should be rejected")
	}

	past := time.Now().Add(-time.Hour)
	if _, err := svc.CreateInviteLink(ctx, owner, "proj-1", false, &past, nil); err == nil {
		t.Error("past expiry should be rejected")
	}

	payload, err := svc.CreateInviteLink(ctx, owner, "proj-1", true, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	token, _ := payload["token"].(string)
	if len(token) != 64 {
		t.Errorf("expected 64-char token, got %q", token)
	}
	if payload["url"] != "https://app.test/invite/"+token {
		t.Errorf("unexpected link url %v", payload["url"])
	}
	if payload["active"] != true {
		t.Errorf("fresh link should be active")
	}
}

func TestRedeemInviteLink(t *testing.T) {
	ctx := context.Background()

	link := store.InviteLink{
		Token:     "tok-1",
		ProjectID: "proj-1",
		CreatedBy: "owner-1",
		IsEditor:  true,
	}

	t.Run("owner cannot redeem", func(t *testing.T) {
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			getInviteLinkFn: func(context.Context, string) (store.InviteLink, error) {
				return link, nil
			},
		}, nil)
		_, err := svc.RedeemInviteLink(ctx, Session{UserID: "owner-1"}, "tok-1")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "FAILED_PRECONDITION" {
			t.Fatalf("expected FAILED_PRECONDITION, got %v", err)
		}
	})

	t.Run("store verdicts map to API errors", func(t *testing.T) {
		cases := []struct {
			storeErr error
			wantCode string
		}{
			{access.ErrAlreadyRedeemed, "ALREADY_EXISTS"},
			{access.ErrLinkExpired, "FAILED_PRECONDITION"},
			{access.ErrLinkExhausted, "FAILED_PRECONDITION"},
		}
		for _, tc := range cases {
			svc := newTestService(&fakeStore{
				getProjectFn: ownedProject("owner-1"),
				getInviteLinkFn: func(context.Context, string) (store.InviteLink, error) {
					return link, nil
				},
				redeemInviteLinkFn: func(context.Context, string, string) (store.InviteLink, error) {
					return store.InviteLink{}, tc.storeErr
				},
			}, nil)
			_, err := svc.RedeemInviteLink(ctx, Session{UserID: "u1"}, "tok-1")
			var domainErr *DomainError
			if !errors.As(err, &domainErr) || domainErr.Code != tc.wantCode {
				t.Errorf("%v: expected %s, got %v", tc.storeErr, tc.wantCode, err)
			}
		}
	})

	t.Run("success grants link role", func(t *testing.T) {
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			getInviteLinkFn: func(context.Context, string) (store.InviteLink, error) {
				return link, nil
			},
			redeemInviteLinkFn: func(context.Context, string, string) (store.InviteLink, error) {
				return link, nil
			},
		}, nil)
		payload, err := svc.RedeemInviteLink(ctx, Session{UserID: "u1", Email: "u1@example.com"}, "tok-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if payload["role"] != "editor" {
			t.Errorf("expected editor role, got %v", payload["role"])
		}
	})
}

// TestConcurrentRedemption drives the evaluate-then-append sequence from
// many goroutines against a single-use link. Exactly one may win; the
// stateful fake mirrors the row lock the real store takes.
func TestConcurrentRedemption(t *testing.T) {
	ctx := context.Background()

	one := 1
	var mu sync.Mutex
	usedBy := []string{}
	terms := access.LinkTerms{MaxUses: &one}

	svc := newTestService(&fakeStore{
		getProjectFn: ownedProject("owner-1"),
		getInviteLinkFn: func(context.Context, string) (store.InviteLink, error) {
			return store.InviteLink{Token: "tok-1", ProjectID: "proj-1", MaxUses: &one}, nil
		},
		redeemInviteLinkFn: func(_ context.Context, _, userID string) (store.InviteLink, error) {
			mu.Lock()
			defer mu.Unlock()
			if err := access.EvaluateRedemption(terms, usedBy, userID, time.Now()); err != nil {
				return store.InviteLink{}, err
			}
			usedBy = append(usedBy, userID)
			return store.InviteLink{Token: "tok-1", ProjectID: "proj-1", MaxUses: &one, UsedBy: usedBy}, nil
		},
	}, nil)

	const attempts = 10
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			session := Session{UserID: "user-" + string(rune('a'+n))}
			_, errs[n] = svc.RedeemInviteLink(ctx, session, "tok-1")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful redemption, got %d", succeeded)
	}
	if len(usedBy) != 1 {
		t.Fatalf("expected one recorded use, got %d", len(usedBy))
	}
}

func TestDeleteVersion(t *testing.T) {
	ctx := context.Background()
	owner := Session{UserID: "owner-1"}

	t.Run("missing object leaves comments untouched", func(t *testing.T) {
		commentsDeleted := false
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			deleteCommentsForVersionFn: func(context.Context, string, string) ([]string, error) {
				commentsDeleted = true
				return nil, nil
			},
		}, &fakeBlob{
			existsFn: func(context.Context, string, string) (bool, error) { return false, nil },
		})

		err := svc.DeleteVersion(ctx, owner, "proj-1", "mix-v1.wav")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "NOT_FOUND" {
			t.Fatalf("expected NOT_FOUND, got %v", err)
		}
		if commentsDeleted {
			t.Error("comments must be untouched when the object is missing")
		}
	})

	t.Run("removes object and comments", func(t *testing.T) {
		removed := false
		deletedFor := ""
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			deleteCommentsForVersionFn: func(_ context.Context, _, filename string) ([]string, error) {
				deletedFor = filename
				return []string{"cmt-1"}, nil
			},
		}, &fakeBlob{
			removeFn: func(context.Context, string, string) error {
				removed = true
				return nil
			},
		})

		if err := svc.DeleteVersion(ctx, owner, "proj-1", "mix-v1.wav"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !removed {
			t.Error("object should be removed")
		}
		if deletedFor != "mix-v1.wav" {
			t.Errorf("comments should be deleted for mix-v1.wav, got %q", deletedFor)
		}
	})

	t.Run("reader denied", func(t *testing.T) {
		svc := newTestService(&fakeStore{
			getProjectFn: ownedProject("owner-1"),
			collaboratorRolesFn: func(context.Context, string) (map[string]access.Role, error) {
				return map[string]access.Role{"reader-1": access.RoleReader}, nil
			},
		}, nil)
		err := svc.DeleteVersion(ctx, Session{UserID: "reader-1"}, "proj-1", "mix-v1.wav")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "PERMISSION_DENIED" {
			t.Fatalf("expected PERMISSION_DENIED, got %v", err)
		}
	})
}

func TestAddCommentValidation(t *testing.T) {
	ctx := context.Background()
	owner := Session{UserID: "owner-1", UserName: "Owner"}
	svc := newTestService(&fakeStore{getProjectFn: ownedProject("owner-1")}, nil)

	if _, err := svc.AddComment(ctx, owner, "proj-1", "mix.wav", "   ", 3); err == nil {
		t.Error("blank body should be rejected")
	}
	if _, err := svc.AddComment(ctx, owner, "proj-1", "mix.wav", "solid take", -1); err == nil {
		t.Error("negative timestamp should be rejected")
	}

	payload, err := svc.AddComment(ctx, owner, "proj-1", "mix.wav", "solid take", 12.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload["timeSeconds"] != 12.5 || payload["authorName"] != "Owner" {
		t.Errorf("unexpected comment payload: %v", payload)
	}
}

func TestPendingCollaboratorCannotParticipate(t *testing.T) {
	ctx := context.Background()
	pending := Session{UserID: "invitee-1"}
	fs := &fakeStore{
		getProjectFn: ownedProject("owner-1"),
		collaboratorRolesFn: func(context.Context, string) (map[string]access.Role, error) {
			return map[string]access.Role{"invitee-1": access.RolePending}, nil
		},
	}
	svc := newTestService(fs, nil)

	if _, err := svc.GetStreamURL(ctx, pending, "proj-1", "mix.wav"); err == nil {
		t.Error("pending collaborator should not stream")
	}
	if _, err := svc.AddComment(ctx, pending, "proj-1", "mix.wav", "hi", 0); err == nil {
		t.Error("pending collaborator should not comment")
	}
	// But the project detail view is visible.
	if _, err := svc.GetProject(ctx, pending, "proj-1"); err != nil {
		t.Errorf("pending collaborator should see project metadata: %v", err)
	}
}

func TestSearchScopedToAccessibleProjects(t *testing.T) {
	ctx := context.Background()
	indexer := &fakeSearch{}
	svc := newTestService(&fakeStore{
		listProjectsForUserFn: func(context.Context, string) ([]store.ProjectMembership, error) {
			return []store.ProjectMembership{
				{Project: store.Project{ID: "proj-owned"}, Role: "owner"},
				{Project: store.Project{ID: "proj-read"}, Role: "reader"},
				{Project: store.Project{ID: "proj-pending"}, Role: "pending"},
			}, nil
		},
	}, nil)
	svc.search = indexer

	if _, err := svc.Search(ctx, Session{UserID: "u1"}, "chorus", "", 10, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := indexer.lastQuery.ProjectIDs
	if len(got) != 2 || got[0] != "proj-owned" || got[1] != "proj-read" {
		t.Errorf("pending project must not be searchable, got %v", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, DisplayName: "Ana", Email: "ana@example.com"}, nil
		},
	}
	svc := newTestService(fs, nil)

	session, err := svc.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}

	parsed, err := svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	if parsed.UserID != "user-1" || parsed.Email != "ana@example.com" {
		t.Errorf("unexpected session %+v", parsed)
	}

	refreshed, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed.UserID != "user-1" {
		t.Errorf("unexpected refreshed session %+v", refreshed)
	}

	// The first refresh token is rotated out.
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Error("reused refresh token should fail")
	}
}

func TestReconcileInvitations(t *testing.T) {
	ctx := context.Background()
	granted := map[string]string{}
	delivered := []string{}
	svc := newTestService(&fakeStore{
		listPendingInvitationsFn: func(context.Context, string) ([]store.Invitation, error) {
			return []store.Invitation{
				{ProjectID: "proj-1", Email: "new@example.com"},
				{ProjectID: "proj-2", Email: "new@example.com", IsEditor: true},
			}, nil
		},
		upsertCollaboratorFn: func(_ context.Context, projectID, userID, role string) error {
			granted[projectID] = role
			return nil
		},
		markInvitationDeliveredFn: func(_ context.Context, projectID, _ string) error {
			delivered = append(delivered, projectID)
			return nil
		},
	}, nil)

	svc.ReconcileInvitations(ctx, "new-user", "new@example.com")

	if granted["proj-1"] != "pending" || granted["proj-2"] != "pending" {
		t.Errorf("both projects should gain a pending collaborator, got %v", granted)
	}
	if len(delivered) != 2 {
		t.Errorf("both invitations should be marked delivered, got %v", delivered)
	}
}
