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

// GroupService provides CRUD on groups. Policy references are validated at
// operation time against the policy collection; nothing is enforced
// asynchronously.
type GroupService struct {
	store     store.Store
	policies  *PolicyService
	integrity *Integrity
}

// NewGroupService creates a new group service.
func NewGroupService(st store.Store, policies *PolicyService, integrity *Integrity) *GroupService {
	return &GroupService{store: st, policies: policies, integrity: integrity}
}

// checkPolicies validates that every referenced policy exists and is
// activated.
func (s *GroupService) checkPolicies(ctx context.Context, names []string) error {
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate policy %q", errors.ErrInvalidPayload, name)
		}
		seen[name] = struct{}{}

		p, err := s.policies.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("policy %q: %w", name, errors.ErrReferencedEntityMissing)
		}
		if p.State != models.StateActivated {
			return fmt.Errorf("policy %q is not activated: %w", name, errors.ErrInvalidState)
		}
	}
	return nil
}

// Create stores a new group referencing the given policies.
func (s *GroupService) Create(ctx context.Context, name string, policies []string) (*models.Group, error) {
	if err := ValidateName("group_name", name); err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		return nil, fmt.Errorf("%w: group must reference at least one policy",
			errors.ErrInvalidPayload)
	}
	if err := s.checkPolicies(ctx, policies); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	g := &models.Group{
		GroupName:        name,
		Policies:         policies,
		State:            models.StateActivated,
		CreationDate:     now,
		LastModification: now,
	}
	hash, err := s.integrity.Hash(g)
	if err != nil {
		return nil, fmt.Errorf("seal group: %w", err)
	}
	g.Hash = hash

	if err := s.store.Insert(ctx, store.CollectionGroups, name, g); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	return g, nil
}

// AddPolicy attaches a policy to an existing group.
func (s *GroupService) AddPolicy(ctx context.Context, name, policyName string) (*models.Group, error) {
	g, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, p := range g.Policies {
		if p == policyName {
			return nil, fmt.Errorf("policy %q already attached: %w",
				policyName, errors.ErrAlreadyExists)
		}
	}
	if err := s.checkPolicies(ctx, []string{policyName}); err != nil {
		return nil, err
	}

	g.Policies = append(g.Policies, policyName)
	return s.save(ctx, g)
}

// RemovePolicy detaches a policy from a group.
func (s *GroupService) RemovePolicy(ctx context.Context, name, policyName string) (*models.Group, error) {
	g, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	kept := g.Policies[:0]
	found := false
	for _, p := range g.Policies {
		if p == policyName {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return nil, fmt.Errorf("policy %q not attached: %w", policyName, errors.ErrNotFound)
	}

	g.Policies = kept
	return s.save(ctx, g)
}

// Get returns the named group with its consistency status set.
func (s *GroupService) Get(ctx context.Context, name string) (*models.Group, error) {
	var g models.Group
	if err := s.store.Get(ctx, store.CollectionGroups, name, &g); err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	s.mark(&g)
	return &g, nil
}

// List returns all groups with consistency statuses set.
func (s *GroupService) List(ctx context.Context) ([]*models.Group, error) {
	var out []*models.Group
	err := s.store.Scan(ctx, store.CollectionGroups, func(key string, raw []byte) error {
		var g models.Group
		if err := json.Unmarshal(raw, &g); err != nil {
			return fmt.Errorf("decode group %s: %w", key, err)
		}
		s.mark(&g)
		out = append(out, &g)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return out, nil
}

// Delete removes the group immediately; users referencing it lose its
// permissions transitively on their next authorization.
func (s *GroupService) Delete(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, store.CollectionGroups, name); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

func (s *GroupService) save(ctx context.Context, g *models.Group) (*models.Group, error) {
	g.LastModification = time.Now().UTC()
	g.Consistency = ""
	hash, err := s.integrity.Hash(g)
	if err != nil {
		return nil, fmt.Errorf("seal group: %w", err)
	}
	g.Hash = hash
	if err := s.store.Put(ctx, store.CollectionGroups, g.GroupName, g); err != nil {
		return nil, fmt.Errorf("save group: %w", err)
	}
	return g, nil
}

func (s *GroupService) mark(g *models.Group) {
	ok, err := s.integrity.Verify(g, g.Hash)
	if err != nil || !ok {
		g.Consistency = models.ConsistencyCompromised
		return
	}
	g.Consistency = models.ConsistencyOK
}
