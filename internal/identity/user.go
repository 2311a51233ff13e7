package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/models"
	"github.com/epam/modular-api/pkg/store"
)

// TokenRevoker invalidates all of a user's bearer tokens. Block,
// password change and username change call it so revoked sessions never
// authorize another request.
type TokenRevoker interface {
	RevokeAll(ctx context.Context, username string) error
}

// UserService provides CRUD on users, their group membership and their
// meta restriction layer.
type UserService struct {
	store     store.Store
	groups    *GroupService
	integrity *Integrity
	revoker   TokenRevoker
}

// NewUserService creates a new user service. revoker may be nil when no
// token surface exists (offline CLI against a fresh store).
func NewUserService(st store.Store, groups *GroupService, integrity *Integrity, revoker TokenRevoker) *UserService {
	return &UserService{store: st, groups: groups, integrity: integrity, revoker: revoker}
}

// checkGroups validates that every referenced group exists.
func (s *UserService) checkGroups(ctx context.Context, names []string) error {
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate group %q", errors.ErrInvalidPayload, name)
		}
		seen[name] = struct{}{}
		if _, err := s.groups.Get(ctx, name); err != nil {
			return fmt.Errorf("group %q: %w", name, errors.ErrReferencedEntityMissing)
		}
	}
	return nil
}

// Create stores a new activated user. When password is empty a strong
// password is generated and returned; it is surfaced exactly once and
// never persisted in plaintext.
func (s *UserService) Create(ctx context.Context, username, password string, groups []string) (*models.User, string, error) {
	if err := ValidateName("username", username); err != nil {
		return nil, "", err
	}
	if err := s.checkGroups(ctx, groups); err != nil {
		return nil, "", err
	}

	generated := ""
	if password == "" {
		var err error
		password, err = GeneratePassword()
		if err != nil {
			return nil, "", err
		}
		generated = password
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	u := &models.User{
		Username:         username,
		PasswordHash:     hash,
		Groups:           groups,
		State:            models.StateActivated,
		CreationDate:     now,
		LastModification: now,
	}
	if err := s.seal(u); err != nil {
		return nil, "", err
	}
	if err := s.store.Insert(ctx, store.CollectionUsers, username, u); err != nil {
		return nil, "", fmt.Errorf("create user: %w", err)
	}
	return u, generated, nil
}

// Get returns the named user with the consistency status set.
func (s *UserService) Get(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	if err := s.store.Get(ctx, store.CollectionUsers, username, &u); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	s.mark(&u)
	return &u, nil
}

// List returns all users with consistency statuses set.
func (s *UserService) List(ctx context.Context) ([]*models.User, error) {
	var out []*models.User
	err := s.store.Scan(ctx, store.CollectionUsers, func(key string, raw []byte) error {
		var u models.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return fmt.Errorf("decode user %s: %w", key, err)
		}
		s.mark(&u)
		out = append(out, &u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return out, nil
}

// Delete removes the user permanently and revokes their tokens.
func (s *UserService) Delete(ctx context.Context, username string) error {
	if err := s.store.Delete(ctx, store.CollectionUsers, username); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return s.revokeTokens(ctx, username)
}

// Block marks the user blocked with a reason and revokes their tokens.
func (s *UserService) Block(ctx context.Context, username, reason string) (*models.User, error) {
	u, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if u.Blocked() {
		return nil, fmt.Errorf("user %q is already blocked: %w", username, errors.ErrInvalidState)
	}
	u.State = models.StateBlocked
	u.StateReason = reason
	if u, err = s.save(ctx, u); err != nil {
		return nil, err
	}
	return u, s.revokeTokens(ctx, username)
}

// Unblock reactivates a blocked user.
func (s *UserService) Unblock(ctx context.Context, username string) (*models.User, error) {
	u, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if !u.Blocked() {
		return nil, fmt.Errorf("user %q is not blocked: %w", username, errors.ErrInvalidState)
	}
	u.State = models.StateActivated
	u.StateReason = ""
	return s.save(ctx, u)
}

// ChangePassword rehashes the password and revokes all tokens.
func (s *UserService) ChangePassword(ctx context.Context, username, password string) error {
	u, err := s.Get(ctx, username)
	if err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	if _, err := s.save(ctx, u); err != nil {
		return err
	}
	return s.revokeTokens(ctx, username)
}

// ChangeUsername renames the user, keeping all other fields. Tokens issued
// for the old name are revoked.
func (s *UserService) ChangeUsername(ctx context.Context, username, newUsername string) (*models.User, error) {
	if err := ValidateName("username", newUsername); err != nil {
		return nil, err
	}
	u, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}

	u.Username = newUsername
	u.LastModification = time.Now().UTC()
	u.Consistency = ""
	if err := s.seal(u); err != nil {
		return nil, err
	}
	if err := s.store.Insert(ctx, store.CollectionUsers, newUsername, u); err != nil {
		return nil, fmt.Errorf("rename user: %w", err)
	}
	if err := s.store.Delete(ctx, store.CollectionUsers, username); err != nil {
		return nil, fmt.Errorf("remove old user record: %w", err)
	}
	return u, s.revokeTokens(ctx, username)
}

// AddToGroup attaches the user to an existing group.
func (s *UserService) AddToGroup(ctx context.Context, username, group string) (*models.User, error) {
	u, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if u.InGroup(group) {
		return nil, fmt.Errorf("user already in group %q: %w", group, errors.ErrAlreadyExists)
	}
	if err := s.checkGroups(ctx, []string{group}); err != nil {
		return nil, err
	}
	u.Groups = append(u.Groups, group)
	return s.save(ctx, u)
}

// RemoveFromGroup detaches the user from a group.
func (s *UserService) RemoveFromGroup(ctx context.Context, username, group string) (*models.User, error) {
	u, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	kept := u.Groups[:0]
	found := false
	for _, g := range u.Groups {
		if g == group {
			found = true
			continue
		}
		kept = append(kept, g)
	}
	if !found {
		return nil, fmt.Errorf("user not in group %q: %w", group, errors.ErrNotFound)
	}
	u.Groups = kept
	return s.save(ctx, u)
}

// SetMetaAttribute adds an allow-list for an option name. Fails when the
// option already has one.
func (s *UserService) SetMetaAttribute(ctx context.Context, username, option string, values []string) (*models.User, error) {
	u, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if u.Meta.AllowedValues == nil {
		u.Meta.AllowedValues = make(map[string][]string)
	}
	if _, ok := u.Meta.AllowedValues[option]; ok {
		return nil, fmt.Errorf("meta attribute %q already set: %w", option, errors.ErrAlreadyExists)
	}
	u.Meta.AllowedValues[option] = values
	return s.save(ctx, u)
}

// UpdateMetaAttribute replaces the allow-list of an existing option name.
func (s *UserService) UpdateMetaAttribute(ctx context.Context, username, option string, values []string) (*models.User, error) {
	u, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if _, ok := u.Meta.AllowedValues[option]; !ok {
		return nil, fmt.Errorf("meta attribute %q not set: %w", option, errors.ErrNotFound)
	}
	u.Meta.AllowedValues[option] = values
	return s.save(ctx, u)
}

// DeleteMetaAttribute removes the allow-list of an option name.
func (s *UserService) DeleteMetaAttribute(ctx context.Context, username, option string) (*models.User, error) {
	u, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if _, ok := u.Meta.AllowedValues[option]; !ok {
		return nil, fmt.Errorf("meta attribute %q not set: %w", option, errors.ErrNotFound)
	}
	delete(u.Meta.AllowedValues, option)
	return s.save(ctx, u)
}

// ResetMeta clears the whole meta restriction layer.
func (s *UserService) ResetMeta(ctx context.Context, username string) (*models.User, error) {
	u, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	u.Meta = models.UserMeta{}
	return s.save(ctx, u)
}

// GetMeta returns the user's meta restriction layer.
func (s *UserService) GetMeta(ctx context.Context, username string) (*models.UserMeta, error) {
	u, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	return &u.Meta, nil
}

// SetAuxData stores auxiliary data injected into backend requests under
// the given option name.
func (s *UserService) SetAuxData(ctx context.Context, username, option string, value any) (*models.User, error) {
	u, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if u.Meta.AuxData == nil {
		u.Meta.AuxData = make(map[string]any)
	}
	u.Meta.AuxData[option] = value
	return s.save(ctx, u)
}

func (s *UserService) seal(u *models.User) error {
	hash, err := s.integrity.Hash(u)
	if err != nil {
		return fmt.Errorf("seal user: %w", err)
	}
	u.Hash = hash
	return nil
}

func (s *UserService) save(ctx context.Context, u *models.User) (*models.User, error) {
	u.LastModification = time.Now().UTC()
	u.Consistency = ""
	if err := s.seal(u); err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, store.CollectionUsers, u.Username, u); err != nil {
		return nil, fmt.Errorf("save user: %w", err)
	}
	return u, nil
}

func (s *UserService) mark(u *models.User) {
	ok, err := s.integrity.Verify(u, u.Hash)
	if err != nil || !ok {
		u.Consistency = models.ConsistencyCompromised
		return
	}
	u.Consistency = models.ConsistencyOK
}

func (s *UserService) revokeTokens(ctx context.Context, username string) error {
	if s.revoker == nil {
		return nil
	}
	if err := s.revoker.RevokeAll(ctx, username); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}
	return nil
}
