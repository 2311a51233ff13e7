package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/models"
)

// UserSource yields users by name.
type UserSource interface {
	Get(ctx context.Context, username string) (*models.User, error)
}

// GroupSource yields groups by name.
type GroupSource interface {
	Get(ctx context.Context, name string) (*models.Group, error)
}

// PolicySource yields policies by name.
type PolicySource interface {
	Get(ctx context.Context, name string) (*models.Policy, error)
}

// Resolver assembles the effective policy of a user: the union of the
// statements of every activated policy of every activated group the user
// belongs to. Compromised or missing groups and policies contribute
// nothing; a compromised user record refuses authorization outright.
// Statements are compiled once per policy revision and reused across
// requests.
type Resolver struct {
	users    UserSource
	groups   GroupSource
	policies PolicySource

	mu       sync.Mutex
	compiled map[string]compiledPolicy
}

// compiledPolicy caches the compiled statements of one policy revision.
// The integrity hash changes on every update, so a stale entry can never
// be served.
type compiledPolicy struct {
	hash       string
	statements []Statement
}

// NewResolver creates a new effective-policy resolver.
func NewResolver(users UserSource, groups GroupSource, policies PolicySource) *Resolver {
	return &Resolver{
		users:    users,
		groups:   groups,
		policies: policies,
		compiled: make(map[string]compiledPolicy),
	}
}

// ForUser returns the user's effective statements.
func (r *Resolver) ForUser(ctx context.Context, username string) ([]Statement, error) {
	u, err := r.users.Get(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	if u.Consistency == models.ConsistencyCompromised {
		return nil, fmt.Errorf("user %q: %w", username, errors.ErrCompromisedRecord)
	}

	var statements []Statement
	for _, groupName := range u.Groups {
		group, err := r.ForGroup(ctx, groupName)
		if err != nil {
			// A deleted group removes its permissions transitively.
			continue
		}
		statements = append(statements, group...)
	}
	return statements, nil
}

// ForGroup returns the statements contributed by one group.
func (r *Resolver) ForGroup(ctx context.Context, name string) ([]Statement, error) {
	g, err := r.groups.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolve group: %w", err)
	}
	if g.Consistency == models.ConsistencyCompromised || g.State != models.StateActivated {
		return nil, fmt.Errorf("group %q: %w", name, errors.ErrInvalidState)
	}

	var statements []Statement
	for _, policyName := range g.Policies {
		ps, err := r.ForPolicy(ctx, policyName)
		if err != nil {
			continue
		}
		statements = append(statements, ps...)
	}
	return statements, nil
}

// ForPolicy returns the compiled statements of one policy.
func (r *Resolver) ForPolicy(ctx context.Context, name string) ([]Statement, error) {
	p, err := r.policies.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolve policy: %w", err)
	}
	if p.Consistency == models.ConsistencyCompromised || p.State != models.StateActivated {
		return nil, fmt.Errorf("policy %q: %w", name, errors.ErrInvalidState)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.compiled[name]; ok && e.hash == p.Hash {
		return e.statements, nil
	}
	statements, err := Compile(p.Statements)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", name, err)
	}
	r.compiled[name] = compiledPolicy{hash: p.Hash, statements: statements}
	return statements, nil
}
