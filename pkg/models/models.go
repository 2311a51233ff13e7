// Package models defines the persisted entities of the Modular API.
// Field names are stable and part of the external storage contract.
package models

import "time"

// Entity states.
const (
	StateActivated = "activated"
	StateBlocked   = "blocked"
)

// Statement effects.
const (
	EffectAllow = "Allow"
	EffectDeny  = "Deny"
)

// Consistency status values reported on read.
const (
	ConsistencyOK          = "ok"
	ConsistencyCompromised = "compromised"
)

// Statement is one Allow/Deny rule of a policy. Module is a module name or
// "*"; Resources holds command-path patterns in the forms "*", "cmd",
// "group:*", "group:cmd", "group/sub:*" and "group/sub:cmd".
type Statement struct {
	Effect      string   `json:"Effect"`
	Module      string   `json:"Module"`
	Resources   []string `json:"Resources"`
	Description string   `json:"Description,omitempty"`
}

// Policy is an ordered list of statements. Order is preserved for describe
// output; evaluation treats the list as a set.
type Policy struct {
	PolicyName       string      `json:"policy_name"`
	Statements       []Statement `json:"policy_content"`
	State            string      `json:"state"`
	CreationDate     time.Time   `json:"creation_date"`
	LastModification time.Time   `json:"last_modification_date"`
	Hash             string      `json:"hash"`

	// Consistency is set on read and never persisted.
	Consistency string `json:"consistency,omitempty"`
}

// Group bundles policies under one name.
type Group struct {
	GroupName        string    `json:"group_name"`
	Policies         []string  `json:"policies"`
	State            string    `json:"state"`
	CreationDate     time.Time `json:"creation_date"`
	LastModification time.Time `json:"last_modification_date"`
	Hash             string    `json:"hash"`

	Consistency string `json:"consistency,omitempty"`
}

// UserMeta holds the per-user parameter restriction layer: allow-lists of
// literal values per option name, and auxiliary data injected into backend
// requests under the declared option names.
type UserMeta struct {
	AllowedValues map[string][]string `json:"allowed_values,omitempty"`
	AuxData       map[string]any      `json:"aux_data,omitempty"`
}

// User is a local account. PasswordHash embeds the per-user salt (bcrypt)
// and is never returned by any API surface.
type User struct {
	Username         string    `json:"username"`
	PasswordHash     string    `json:"password_hash"`
	Groups           []string  `json:"groups"`
	State            string    `json:"state"`
	StateReason      string    `json:"state_reason,omitempty"`
	Meta             UserMeta  `json:"meta"`
	CreationDate     time.Time `json:"creation_date"`
	LastModification time.Time `json:"last_modification_date"`
	Hash             string    `json:"hash"`

	Consistency string `json:"consistency,omitempty"`
}

// Blocked reports whether the user may authenticate.
func (u *User) Blocked() bool {
	return u.State == StateBlocked
}

// InGroup reports whether the user belongs to the named group.
func (u *User) InGroup(name string) bool {
	for _, g := range u.Groups {
		if g == name {
			return true
		}
	}
	return false
}

// AuditRecord is one append-only audit entry. Parameters are masked before
// persistence; Hash covers the record fields under the server key.
type AuditRecord struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Group      string            `json:"group"`
	Command    string            `json:"command"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Result     string            `json:"result"`
	Warnings   []string          `json:"warnings,omitempty"`
	Hash       string            `json:"hash"`

	Consistency string `json:"consistency,omitempty"`
}

// TokenRecord is one allowlisted bearer token. The record's presence is
// what authorizes the token; a well-formed JWT missing from the allowlist
// is rejected.
type TokenRecord struct {
	JTI      string    `json:"jti"`
	Username string    `json:"username"`
	IssuedAt time.Time `json:"issued_at"`
	Expires  time.Time `json:"expires"`
}

// RefreshTokenRecord stores the server-side version of a user's refresh
// token. A presented refresh token with a stale version invalidates the
// record.
type RefreshTokenRecord struct {
	Username string    `json:"username"`
	Version  string    `json:"version"`
	IssuedAt time.Time `json:"issued_at"`
}

// ModuleDependency declares a minimum installed version of another module.
type ModuleDependency struct {
	ModuleName string `json:"module_name"`
	MinVersion string `json:"min_version"`
}

// ModuleDescriptor is the api_module.json document shipped with each
// installable module. No other fields are honored.
type ModuleDescriptor struct {
	ModuleName   string             `json:"module_name"`
	CliPath      string             `json:"cli_path"`
	MountPoint   string             `json:"mount_point"`
	Dependencies []ModuleDependency `json:"dependencies,omitempty"`
}

// InstalledModule is the persisted record of an installed module.
type InstalledModule struct {
	ModuleName   string             `json:"module_name"`
	CliPath      string             `json:"cli_path"`
	MountPoint   string             `json:"mount_point"`
	Version      string             `json:"version"`
	Dependencies []ModuleDependency `json:"dependencies,omitempty"`
	InstallDate  time.Time          `json:"install_date"`
}
