// Package policy implements the ABAC policy-evaluation engine: the
// resource pattern grammar, the Deny-precedence matching algorithm, the
// effective-statement resolver and the offline simulator.
package policy

import (
	"fmt"
	"strings"
)

// patternKind enumerates the forms of the resource pattern grammar.
type patternKind int

const (
	// patternAll is "*": every command in the module.
	patternAll patternKind = iota
	// patternCommand is "cmd": an exact terminal command at the root.
	patternCommand
	// patternGroupAll is "group:*" (or "group/sub:*"): every command
	// under the group, any depth.
	patternGroupAll
	// patternGroupCommand is "group:cmd" (or "group/sub:cmd"): a command
	// directly under the group.
	patternGroupCommand
)

// Pattern is one parsed resource pattern. Patterns are parsed once at
// policy load time, never re-parsed at request time.
type Pattern struct {
	kind    patternKind
	group   string
	command string
	raw     string
}

// ParsePattern parses a resource pattern. The grammar admits exactly the
// forms "*", "cmd", "group:*", "group:cmd", "group/sub:*" and
// "group/sub:cmd".
func ParsePattern(raw string) (Pattern, error) {
	if raw == "" {
		return Pattern{}, fmt.Errorf("empty resource pattern")
	}
	if raw == "*" {
		return Pattern{kind: patternAll, raw: raw}, nil
	}
	if strings.Count(raw, ":") > 1 {
		return Pattern{}, fmt.Errorf("invalid resource pattern %q", raw)
	}

	group, command, hasGroup := strings.Cut(raw, ":")
	if !hasGroup {
		if strings.ContainsAny(raw, "/*") {
			return Pattern{}, fmt.Errorf("invalid resource pattern %q", raw)
		}
		return Pattern{kind: patternCommand, command: raw, raw: raw}, nil
	}

	if group == "" || command == "" {
		return Pattern{}, fmt.Errorf("invalid resource pattern %q", raw)
	}
	for _, seg := range strings.Split(group, "/") {
		if seg == "" || seg == "*" {
			return Pattern{}, fmt.Errorf("invalid resource pattern %q", raw)
		}
	}
	if command == "*" {
		return Pattern{kind: patternGroupAll, group: group, raw: raw}, nil
	}
	if strings.ContainsAny(command, "/*") {
		return Pattern{}, fmt.Errorf("invalid resource pattern %q", raw)
	}
	return Pattern{kind: patternGroupCommand, group: group, command: command, raw: raw}, nil
}

// Matches tests the pattern against a module-relative command path: a
// "/"-separated sequence of group names with a trailing command name,
// e.g. "aws" or "tenant/describe".
func (p Pattern) Matches(commandPath string) bool {
	switch p.kind {
	case patternAll:
		return true
	case patternCommand:
		return commandPath == p.command
	case patternGroupAll:
		return strings.HasPrefix(commandPath, p.group+"/")
	case patternGroupCommand:
		return commandPath == p.group+"/"+p.command
	default:
		return false
	}
}

// String returns the original pattern text.
func (p Pattern) String() string {
	return p.raw
}
