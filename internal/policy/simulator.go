package policy

import (
	"context"
	"fmt"
)

// Subject kinds accepted by the simulator.
const (
	SubjectUser   = "user"
	SubjectGroup  = "group"
	SubjectPolicy = "policy"
)

// SimulationRequest describes one offline evaluation: an explicit subject
// plus the module and command path an operator wants to verify before
// rollout.
type SimulationRequest struct {
	SubjectKind string
	SubjectName string
	Module      string
	CommandPath string
}

// SimulationResult is the decision with the statement that produced it.
type SimulationResult struct {
	Allowed          bool   `json:"allowed"`
	Effect           string `json:"effect"`
	Reason           string `json:"reason"`
	MatchedModule    string `json:"matched_module,omitempty"`
	MatchedResources any    `json:"matched_resources,omitempty"`
}

// Simulator evaluates policy decisions offline against explicit subjects.
type Simulator struct {
	resolver *Resolver
}

// NewSimulator creates a new simulator over the given resolver.
func NewSimulator(resolver *Resolver) *Simulator {
	return &Simulator{resolver: resolver}
}

// Simulate runs the evaluation and returns the decision together with the
// matched statement.
func (s *Simulator) Simulate(ctx context.Context, req SimulationRequest) (*SimulationResult, error) {
	statements, err := s.statements(ctx, req)
	if err != nil {
		return nil, err
	}

	decision := Evaluate(statements, req.Module, req.CommandPath)
	result := &SimulationResult{
		Allowed: decision.Allowed,
		Effect:  "Deny",
		Reason:  decision.Reason,
	}
	if decision.Allowed {
		result.Effect = "Allow"
	}
	if decision.Matched != nil {
		result.MatchedModule = decision.Matched.Module
		result.MatchedResources = decision.Matched.Resources
	}
	return result, nil
}

func (s *Simulator) statements(ctx context.Context, req SimulationRequest) ([]Statement, error) {
	switch req.SubjectKind {
	case SubjectUser:
		return s.resolver.ForUser(ctx, req.SubjectName)
	case SubjectGroup:
		return s.resolver.ForGroup(ctx, req.SubjectName)
	case SubjectPolicy:
		return s.resolver.ForPolicy(ctx, req.SubjectName)
	default:
		return nil, fmt.Errorf("unknown subject kind %q", req.SubjectKind)
	}
}
