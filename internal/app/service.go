// Package app wires the state engine, user store, board view, and audit log
// behind one service and its HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"pulseboard/api/internal/audit"
	"pulseboard/api/internal/auth"
	"pulseboard/api/internal/board"
	"pulseboard/api/internal/config"
	"pulseboard/api/internal/dashboard"
	"pulseboard/api/internal/diff"
	"pulseboard/api/internal/filestore"
	"pulseboard/api/internal/rbac"
	"pulseboard/api/internal/session"
	"pulseboard/api/internal/users"
	"pulseboard/api/internal/util"
)

// Session is the resolved caller identity for one request.
type Session struct {
	Token     string
	UserID    string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

// SessionStore is the active-session record keeper; revoking a JTI kills the
// matching token before it expires.
type SessionStore interface {
	Save(ctx context.Context, jti string, data session.Data, ttl time.Duration) error
	Lookup(ctx context.Context, jti string) (session.Data, error)
	Revoke(ctx context.Context, jti string) error
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	engine   *dashboard.Engine
	users    *users.Store
	board    *board.View
	sessions SessionStore
	audit    *audit.Log
	logger   *zap.Logger
	differ   diff.Options
}

func New(cfg config.Config, store filestore.Store, sessions SessionStore, auditLog *audit.Log, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLog == nil {
		auditLog = audit.New(cfg.AuditDir, logger)
	}
	engine := dashboard.NewEngine(store)
	return &Service{
		cfg:      cfg,
		engine:   engine,
		users:    users.NewStore(store, cfg.AdminPassword),
		board:    board.NewView(engine),
		sessions: sessions,
		audit:    auditLog,
		logger:   logger,
		differ:   diff.Default(),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// Bootstrap seeds the admin account so a fresh data store is usable.
func (s *Service) Bootstrap(ctx context.Context) error {
	return s.users.EnsureSeedAdmin(ctx)
}

// Login verifies credentials, issues a cookie token, and records the active
// session under a digest of its JTI so raw identifiers stay out of the store.
func (s *Service) Login(ctx context.Context, userID, password string) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || password == "" {
		return Session{}, validationError("userId and password required")
	}

	u, err := s.users.Authenticate(ctx, userID, password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials", nil)
		}
		return Session{}, err
	}

	jti := util.NewID("jti")
	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), u.UserID, u.Role, jti, s.cfg.SessionTTL)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.Save(ctx, auth.HashToken(jti), session.Data{UserID: u.UserID, Role: u.Role}, s.cfg.SessionTTL); err != nil {
		return Session{}, err
	}

	s.audit.Append(u.UserID, "system", "login", "User logged in")
	return Session{
		Token:     token,
		UserID:    u.UserID,
		Role:      u.Role,
		JTI:       jti,
		ExpiresAt: time.Now().Add(s.cfg.SessionTTL),
	}, nil
}

// SessionFromToken validates the token signature and requires a live session
// record, so revoked tokens fail even before expiry.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, err
	}
	data, err := s.sessions.Lookup(ctx, auth.HashToken(claims.JTI))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Session{
		Token:     token,
		UserID:    data.UserID,
		Role:      data.Role,
		JTI:       claims.JTI,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session) error {
	if sess.JTI == "" {
		return nil
	}
	if err := s.sessions.Revoke(ctx, auth.HashToken(sess.JTI)); err != nil {
		return err
	}
	s.audit.Append(sess.UserID, "system", "logout", "User logged out")
	return nil
}

// Me echoes the caller's identity plus the stored permission flags.
func (s *Service) Me(ctx context.Context, sess Session) map[string]any {
	role := sess.Role
	perms := map[string]bool{}
	if u, err := s.users.Get(ctx, sess.UserID); err == nil {
		role = u.Role
		if u.Permissions != nil {
			perms = u.Permissions
		}
	}
	return map[string]any{
		"authenticated": true,
		"userId":        sess.UserID,
		"role":          role,
		"permissions":   perms,
	}
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func identityOf(sess Session) dashboard.Identity {
	return dashboard.Identity{UserID: sess.UserID, Role: sess.Role}
}

func (s *Service) ListDashboards(ctx context.Context, sess Session, sortKey string) (map[string]any, error) {
	items, err := s.engine.List(ctx, identityOf(sess), sortKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{"dashboards": items}, nil
}

func (s *Service) GetDashboard(ctx context.Context, sess Session, id string) (*dashboard.Document, error) {
	return s.engine.Get(ctx, id, identityOf(sess))
}

// SaveDashboard is the build save: the build portion of the submitted state
// replaces the stored build namespace wholesale.
func (s *Service) SaveDashboard(ctx context.Context, sess Session, id string, state any, name string) (map[string]any, error) {
	if state == nil {
		return nil, validationError("state required")
	}

	build := state
	if obj, ok := state.(map[string]any); ok {
		if b, exists := obj["build"]; exists {
			build = b
		}
	}
	if name == "" {
		name = metaName(state)
	}

	cs, err := s.engine.SaveBuild(ctx, id, identityOf(sess), build, name)
	if err != nil {
		return nil, err
	}

	action := "save"
	if cs.Created {
		action = "create"
	}
	s.audit.Append(sess.UserID, id, action, s.differ.Describe(cs.Before, cs.After))
	return map[string]any{"ok": true, "mode": "replace"}, nil
}

// metaName digs the display name out of the state's __meta block, the legacy
// spot clients stash it when they omit the name field.
func metaName(state any) string {
	obj, ok := state.(map[string]any)
	if !ok {
		return ""
	}
	meta, ok := obj["__meta"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := meta["name"].(string)
	return strings.TrimSpace(name)
}

func (s *Service) MergeDashboard(ctx context.Context, sess Session, id string, patch map[string]any) (map[string]any, error) {
	if len(patch) == 0 {
		return nil, validationError("patch required")
	}
	cs, err := s.engine.MergeRun(ctx, id, identityOf(sess), patch)
	if err != nil {
		return nil, err
	}
	s.audit.Append(sess.UserID, id, "merge", s.differ.Describe(cs.Before, cs.After))
	return map[string]any{"ok": true, "mode": "merge"}, nil
}

func (s *Service) PublishDashboard(ctx context.Context, sess Session, id string, opts dashboard.PublishOptions) (map[string]any, error) {
	rec, err := s.engine.Publish(ctx, id, identityOf(sess), opts)
	if err != nil {
		return nil, err
	}
	det := fmt.Sprintf("Published to %d users", len(rec.AllowedUsers))
	if rec.PublishedToAll {
		det = "Published to all users"
	}
	if len(rec.PublishedSections) > 0 {
		det += ", sections: " + strings.Join(rec.PublishedSections, ", ")
	}
	s.audit.Append(sess.UserID, id, "publish", det)
	return map[string]any{"ok": true}, nil
}

func (s *Service) UnpublishDashboard(ctx context.Context, sess Session, id string) (map[string]any, error) {
	if _, err := s.engine.Unpublish(ctx, id, identityOf(sess)); err != nil {
		return nil, err
	}
	s.audit.Append(sess.UserID, id, "unpublish", "Publication revoked")
	return map[string]any{"ok": true}, nil
}

func (s *Service) DeleteDashboard(ctx context.Context, sess Session, id string) (map[string]any, error) {
	if err := s.engine.Delete(ctx, id, identityOf(sess)); err != nil {
		return nil, err
	}
	s.audit.Append(sess.UserID, id, "delete", "Dashboard deleted")
	return map[string]any{"ok": true}, nil
}

// Board builds the Executive Board view; only admin and executive roles may
// request it.
func (s *Service) Board(ctx context.Context, sess Session, sortKey string) (map[string]any, error) {
	if !s.Can(sess.Role, rbac.ActionViewBoard) {
		return nil, forbiddenError("Executive Board access required")
	}
	cards, err := s.board.Cards(ctx, identityOf(sess), sortKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": cards}, nil
}

func (s *Service) requireUserManager(ctx context.Context, sess Session) error {
	ok, err := s.users.CanManage(ctx, sess.UserID, sess.Role)
	if err != nil {
		return err
	}
	if !ok {
		return forbiddenError("User Manager access required")
	}
	return nil
}

func (s *Service) ListUsers(ctx context.Context, sess Session) (map[string]any, error) {
	if err := s.requireUserManager(ctx, sess); err != nil {
		return nil, err
	}
	list, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"users": list}, nil
}

func (s *Service) UpsertUser(ctx context.Context, sess Session, userID, password, role string, permissions map[string]bool) (map[string]any, error) {
	if err := s.requireUserManager(ctx, sess); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" || password == "" {
		return nil, validationError("userId and password required")
	}
	if err := s.users.Upsert(ctx, userID, password, role, permissions); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) UpdateUser(ctx context.Context, sess Session, userID, role, password string, permissions map[string]bool) (map[string]any, error) {
	if err := s.requireUserManager(ctx, sess); err != nil {
		return nil, err
	}
	if err := s.users.Update(ctx, userID, role, password, permissions); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) DeleteUser(ctx context.Context, sess Session, userID string) (map[string]any, error) {
	if err := s.requireUserManager(ctx, sess); err != nil {
		return nil, err
	}
	if err := s.users.Delete(ctx, userID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// Logs reads one week of the audit log. The stored role decides access, not
// the session role, so a demoted admin loses the logs immediately.
func (s *Service) Logs(ctx context.Context, sess Session, weekSelector string) (map[string]any, error) {
	u, err := s.users.Get(ctx, sess.UserID)
	if err != nil || !rbac.Can(rbac.Normalize(u.Role), rbac.ActionViewLogs) {
		return nil, forbiddenError("Admin access required")
	}

	year, week := s.audit.CurrentWeek()
	if weekSelector != "" {
		year, week, err = audit.ParseWeek(weekSelector)
		if err != nil {
			return nil, validationError("week must be formatted YYYY-Www")
		}
	}

	entries, file, found, err := s.audit.Week(year, week)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"logs": entries,
		"meta": map[string]any{"file": file, "found": found},
	}, nil
}
