// Package users persists accounts as a single JSON document in the file
// store, with bcrypt password hashes and per-user permission flags.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pulseboard/api/internal/filestore"
	"pulseboard/api/internal/rbac"
)

const usersPath = "db/users.json"

var (
	ErrNotFound           = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// bcrypt hashes start with $2a$, $2b$, or $2y$. Anything else in the admin
// record means the seed got mangled and must be rewritten.
var bcryptHashPattern = regexp.MustCompile(`^\$2[aby]\$`)

type User struct {
	UserID       string          `json:"userId"`
	PasswordHash string          `json:"passwordHash"`
	Role         string          `json:"role"`
	Permissions  map[string]bool `json:"permissions,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Public is the projection returned by List: everything but the hash.
type Public struct {
	UserID      string          `json:"userId"`
	Role        string          `json:"role"`
	Permissions map[string]bool `json:"permissions"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Store reads and writes the users document. All writes go through the
// single-retry optimistic-concurrency wrapper.
type Store struct {
	files         filestore.Store
	adminPassword string
	now           func() time.Time
}

func NewStore(files filestore.Store, adminPassword string) *Store {
	if adminPassword == "" {
		adminPassword = "admin"
	}
	return &Store{files: files, adminPassword: adminPassword, now: time.Now}
}

type usersDoc struct {
	Users map[string]*User `json:"users"`
}

func (s *Store) load(ctx context.Context) (map[string]*User, error) {
	f, err := s.files.GetFile(ctx, usersPath)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	if !f.Exists {
		return map[string]*User{}, nil
	}
	var doc usersDoc
	if err := json.Unmarshal(f.Content, &doc); err != nil || doc.Users == nil {
		return map[string]*User{}, nil
	}
	return doc.Users, nil
}

func (s *Store) save(ctx context.Context, users map[string]*User, message string) error {
	b, err := json.MarshalIndent(usersDoc{Users: users}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode users: %w", err)
	}
	if _, err := filestore.PutFileRetry(ctx, s.files, usersPath, b, message); err != nil {
		return fmt.Errorf("save users: %w", err)
	}
	return nil
}

// EnsureSeedAdmin recreates the admin account whenever it is missing or its
// hash is not a bcrypt hash, so a wiped or hand-edited users file never locks
// everyone out.
func (s *Store) EnsureSeedAdmin(ctx context.Context) error {
	users, err := s.load(ctx)
	if err != nil {
		return err
	}
	if admin := users["admin"]; admin != nil && bcryptHashPattern.MatchString(admin.PasswordHash) {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(s.adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	admin := users["admin"]
	if admin == nil {
		admin = &User{
			UserID:      "admin",
			Role:        string(rbac.RoleAdmin),
			Permissions: map[string]bool{"userManager": true},
		}
	}
	admin.PasswordHash = string(hash)
	admin.UpdatedAt = s.now().UTC()
	users["admin"] = admin
	return s.save(ctx, users, "seed admin user")
}

// Authenticate verifies a password. Unknown user and wrong password are the
// same error; callers must not be able to probe for account existence.
func (s *Store) Authenticate(ctx context.Context, userID, password string) (*User, error) {
	if err := s.EnsureSeedAdmin(ctx); err != nil {
		return nil, err
	}
	users, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	u := users[userID]
	if u == nil || u.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// Get returns one user, or ErrNotFound.
func (s *Store) Get(ctx context.Context, userID string) (*User, error) {
	users, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	u := users[userID]
	if u == nil {
		return nil, ErrNotFound
	}
	return u, nil
}

// CanManage reports whether userID may administer accounts: the admin role,
// or the userManager permission flag. The stored role wins over the session
// role so a demotion takes effect without re-login.
func (s *Store) CanManage(ctx context.Context, userID, sessionRole string) (bool, error) {
	users, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	role := sessionRole
	var perms map[string]bool
	if u := users[userID]; u != nil {
		role = u.Role
		perms = u.Permissions
	}
	return rbac.Can(rbac.Normalize(role), rbac.ActionManageUsers) || perms["userManager"], nil
}

func (s *Store) List(ctx context.Context) ([]Public, error) {
	users, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Public, 0, len(users))
	for _, u := range users {
		perms := u.Permissions
		if perms == nil {
			perms = map[string]bool{}
		}
		out = append(out, Public{UserID: u.UserID, Role: u.Role, Permissions: perms, UpdatedAt: u.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Upsert creates or fully replaces an account.
func (s *Store) Upsert(ctx context.Context, userID, password, role string, permissions map[string]bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || password == "" {
		return errors.New("userId and password required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	users, err := s.load(ctx)
	if err != nil {
		return err
	}
	if permissions == nil {
		permissions = map[string]bool{}
	}
	users[userID] = &User{
		UserID:       userID,
		PasswordHash: string(hash),
		Role:         string(rbac.Normalize(role)),
		Permissions:  permissions,
		UpdatedAt:    s.now().UTC(),
	}
	return s.save(ctx, users, fmt.Sprintf("upsert user %s", userID))
}

// Update patches an existing account; empty role/password and nil
// permissions leave the current values in place.
func (s *Store) Update(ctx context.Context, userID, role, password string, permissions map[string]bool) error {
	userID = strings.TrimSpace(userID)
	users, err := s.load(ctx)
	if err != nil {
		return err
	}
	u := users[userID]
	if userID == "" || u == nil {
		return ErrNotFound
	}
	if role != "" {
		u.Role = string(rbac.Normalize(role))
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		u.PasswordHash = string(hash)
	}
	if permissions != nil {
		u.Permissions = permissions
	}
	u.UpdatedAt = s.now().UTC()
	users[userID] = u
	return s.save(ctx, users, fmt.Sprintf("update user %s", userID))
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	users, err := s.load(ctx)
	if err != nil {
		return err
	}
	if userID == "" || users[userID] == nil {
		return ErrNotFound
	}
	delete(users, userID)
	return s.save(ctx, users, fmt.Sprintf("delete user %s", userID))
}
