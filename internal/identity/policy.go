package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/epam/modular-api/internal/policy"
	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/models"
	"github.com/epam/modular-api/pkg/store"
)

// PolicyService provides CRUD on policies, enforcing the structural
// invariants in the service layer.
type PolicyService struct {
	store     store.Store
	integrity *Integrity
}

// NewPolicyService creates a new policy service.
func NewPolicyService(st store.Store, integrity *Integrity) *PolicyService {
	return &PolicyService{store: st, integrity: integrity}
}

func validateStatements(statements []models.Statement) error {
	if len(statements) == 0 {
		return fmt.Errorf("%w: policy must contain at least one statement",
			errors.ErrInvalidPayload)
	}
	for i, st := range statements {
		if st.Effect != models.EffectAllow && st.Effect != models.EffectDeny {
			return fmt.Errorf("%w: statement %d: effect must be Allow or Deny",
				errors.ErrInvalidPayload, i)
		}
		if st.Module == "" {
			return fmt.Errorf("%w: statement %d: module is required",
				errors.ErrInvalidPayload, i)
		}
		if len(st.Resources) == 0 {
			return fmt.Errorf("%w: statement %d: resources must not be empty",
				errors.ErrInvalidPayload, i)
		}
		for _, res := range st.Resources {
			if _, err := policy.ParsePattern(res); err != nil {
				return fmt.Errorf("%w: statement %d: %v",
					errors.ErrInvalidPayload, i, err)
			}
		}
	}
	return nil
}

// Create stores a new activated policy. Statement order is preserved as
// submitted; evaluation treats it as a set.
func (s *PolicyService) Create(ctx context.Context, name string, statements []models.Statement) (*models.Policy, error) {
	if err := ValidateName("policy_name", name); err != nil {
		return nil, err
	}
	if err := validateStatements(statements); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &models.Policy{
		PolicyName:       name,
		Statements:       statements,
		State:            models.StateActivated,
		CreationDate:     now,
		LastModification: now,
	}
	hash, err := s.integrity.Hash(p)
	if err != nil {
		return nil, fmt.Errorf("seal policy: %w", err)
	}
	p.Hash = hash

	if err := s.store.Insert(ctx, store.CollectionPolicies, name, p); err != nil {
		return nil, fmt.Errorf("create policy: %w", err)
	}
	return p, nil
}

// Update replaces the statements of an existing policy and re-seals it.
func (s *PolicyService) Update(ctx context.Context, name string, statements []models.Statement) (*models.Policy, error) {
	if err := validateStatements(statements); err != nil {
		return nil, err
	}
	p, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	p.Statements = statements
	p.LastModification = time.Now().UTC()
	p.Consistency = ""
	hash, err := s.integrity.Hash(p)
	if err != nil {
		return nil, fmt.Errorf("seal policy: %w", err)
	}
	p.Hash = hash

	if err := s.store.Put(ctx, store.CollectionPolicies, name, p); err != nil {
		return nil, fmt.Errorf("update policy: %w", err)
	}
	return p, nil
}

// Get returns the named policy with its consistency status set.
func (s *PolicyService) Get(ctx context.Context, name string) (*models.Policy, error) {
	var p models.Policy
	if err := s.store.Get(ctx, store.CollectionPolicies, name, &p); err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	s.mark(&p)
	return &p, nil
}

// List returns all policies with consistency statuses set.
func (s *PolicyService) List(ctx context.Context) ([]*models.Policy, error) {
	var out []*models.Policy
	err := s.store.Scan(ctx, store.CollectionPolicies, func(key string, raw []byte) error {
		var p models.Policy
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode policy %s: %w", key, err)
		}
		s.mark(&p)
		out = append(out, &p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return out, nil
}

// Delete removes the named policy. The caller is responsible for checking
// group references beforehand; ReferencedBy supports that check.
func (s *PolicyService) Delete(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, store.CollectionPolicies, name); err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	return nil
}

// ReferencedBy returns the names of groups that reference the policy.
func (s *PolicyService) ReferencedBy(ctx context.Context, name string) ([]string, error) {
	var groups []string
	err := s.store.Scan(ctx, store.CollectionGroups, func(key string, raw []byte) error {
		var g models.Group
		if err := json.Unmarshal(raw, &g); err != nil {
			return fmt.Errorf("decode group %s: %w", key, err)
		}
		for _, p := range g.Policies {
			if p == name {
				groups = append(groups, g.GroupName)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan groups: %w", err)
	}
	return groups, nil
}

func (s *PolicyService) mark(p *models.Policy) {
	ok, err := s.integrity.Verify(p, p.Hash)
	if err != nil || !ok {
		p.Consistency = models.ConsistencyCompromised
		return
	}
	p.Consistency = models.ConsistencyOK
}
