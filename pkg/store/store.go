// Package store abstracts the document collections of the Modular API over
// a pluggable backend. Services never see backend-specific types.
package store

import (
	"context"
	"time"
)

// Logical collection names. These are stable and part of the storage
// contract.
const (
	CollectionUsers         = "Users"
	CollectionGroups        = "Groups"
	CollectionPolicies      = "Policies"
	CollectionAudit         = "Audit"
	CollectionTokens        = "Tokens"
	CollectionUsageCounters = "UsageCounters"
	CollectionModules       = "Modules"
	CollectionRefreshTokens = "RefreshTokens"
)

// Store is the narrow repository interface over named document collections.
// Every document is a JSON-serializable value addressed by a string key
// unique within its collection. All mutations are independent document
// operations; no multi-document transactions are required by the design.
type Store interface {
	// Get decodes the document at key into out. Returns ErrNotFound when
	// the key does not exist.
	Get(ctx context.Context, collection, key string, out any) error

	// Put upserts the document at key.
	Put(ctx context.Context, collection, key string, doc any) error

	// Insert stores the document at key, failing with ErrAlreadyExists
	// when the key is taken.
	Insert(ctx context.Context, collection, key string, doc any) error

	// Delete removes the document at key. Returns ErrNotFound when the
	// key does not exist.
	Delete(ctx context.Context, collection, key string) error

	// Increment atomically increments the counter at key, creating it at
	// one. Counters expire after ttl so fixed-window keys do not
	// accumulate.
	Increment(ctx context.Context, collection, key string, ttl time.Duration) (int64, error)

	// Scan visits every document in the collection. Returning an error
	// from fn stops the scan and propagates the error.
	Scan(ctx context.Context, collection string, fn func(key string, raw []byte) error) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}
