package policy

import (
	"fmt"

	"github.com/epam/modular-api/pkg/models"
)

// Statement is one compiled policy statement: the persisted form plus its
// resource patterns parsed into tagged variants. Compilation happens once
// when a policy is loaded; request-time evaluation never re-parses.
type Statement struct {
	models.Statement
	patterns []Pattern
}

// Compile parses the resource patterns of the raw statements. The identity
// layer rejects invalid patterns at write time, so an error here means the
// stored policy is corrupt.
func Compile(raw []models.Statement) ([]Statement, error) {
	out := make([]Statement, 0, len(raw))
	for i, st := range raw {
		patterns := make([]Pattern, 0, len(st.Resources))
		for _, res := range st.Resources {
			p, err := ParsePattern(res)
			if err != nil {
				return nil, fmt.Errorf("statement %d: %w", i, err)
			}
			patterns = append(patterns, p)
		}
		out = append(out, Statement{Statement: st, patterns: patterns})
	}
	return out, nil
}

// Decision is the result of one policy evaluation. Matched carries the
// statement that determined the outcome; it is nil for default-deny.
type Decision struct {
	Allowed bool
	Matched *models.Statement
	Reason  string
}

// Evaluate applies the Deny-precedence algorithm to the effective
// statements for a requested module and command path:
//
//  1. statements whose Module is the requested module or "*" are kept,
//  2. a statement is selected when any of its resource patterns matches
//     the command path,
//  3. any selected Deny wins over any number of Allows,
//  4. with no selected statement the result is deny (default-deny).
//
// The function is pure: it performs no I/O and is safe for concurrent
// use.
func Evaluate(statements []Statement, module, commandPath string) Decision {
	var allowed *models.Statement
	for i := range statements {
		st := &statements[i]
		if st.Module != module && st.Module != "*" {
			continue
		}
		matched := false
		for _, p := range st.patterns {
			if p.Matches(commandPath) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if st.Effect == models.EffectDeny {
			return Decision{
				Allowed: false,
				Matched: &st.Statement,
				Reason:  "explicitly denied by policy statement",
			}
		}
		if allowed == nil {
			allowed = &st.Statement
		}
	}
	if allowed != nil {
		return Decision{Allowed: true, Matched: allowed, Reason: "allowed by policy statement"}
	}
	return Decision{Allowed: false, Reason: "no matching policy statement"}
}
