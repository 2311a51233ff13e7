// Package audit handles the append-only audit log. Records carry a keyed
// integrity hash and masked parameters; no update or delete path exists.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/epam/modular-api/internal/identity"
	"github.com/epam/modular-api/pkg/models"
	"github.com/epam/modular-api/pkg/store"
)

// Entry is what the dispatcher submits for one successful invocation.
type Entry struct {
	Group      string
	Command    string
	Parameters map[string][]string
	Result     string
	Warnings   []string
}

// QueryParams filter audit output. Zero times leave the range open.
type QueryParams struct {
	From        time.Time
	To          time.Time
	Group       string
	Command     string
	InvalidOnly bool
	Limit       int
}

// Service appends and queries audit records.
type Service struct {
	store     store.Store
	integrity *identity.Integrity
}

// NewService creates a new audit service.
func NewService(st store.Store, integrity *identity.Integrity) *Service {
	return &Service{store: st, integrity: integrity}
}

// sensitive matches option names whose values must never reach the log.
func sensitive(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "password") ||
		strings.Contains(lower, "secret") ||
		strings.Contains(lower, "token")
}

const maskedValue = "*****"

// maskParameters flattens and masks the submitted parameters.
func maskParameters(params map[string][]string) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for name, values := range params {
		if sensitive(name) {
			out[name] = maskedValue
			continue
		}
		out[name] = strings.Join(values, ",")
	}
	return out
}

// Append writes one record. Records are keyed by timestamp then id so a
// collection scan yields chronological order.
func (s *Service) Append(ctx context.Context, entry Entry) (*models.AuditRecord, error) {
	record := &models.AuditRecord{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Group:      entry.Group,
		Command:    entry.Command,
		Parameters: maskParameters(entry.Parameters),
		Result:     entry.Result,
		Warnings:   entry.Warnings,
	}
	hash, err := s.integrity.Hash(record)
	if err != nil {
		return nil, fmt.Errorf("seal audit record: %w", err)
	}
	record.Hash = hash

	key := record.Timestamp.Format(time.RFC3339Nano) + "/" + record.ID
	if err := s.store.Insert(ctx, store.CollectionAudit, key, record); err != nil {
		return nil, fmt.Errorf("append audit record: %w", err)
	}
	return record, nil
}

// Query returns matching records in chronological order. Hashes are
// recomputed on read; mismatches surface as compromised consistency flags
// but never hide the record, unless InvalidOnly narrows the output to
// exactly those.
func (s *Service) Query(ctx context.Context, q QueryParams) ([]*models.AuditRecord, error) {
	var out []*models.AuditRecord
	err := s.store.Scan(ctx, store.CollectionAudit, func(key string, raw []byte) error {
		var record models.AuditRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("decode audit record %s: %w", key, err)
		}
		if !q.From.IsZero() && record.Timestamp.Before(q.From) {
			return nil
		}
		if !q.To.IsZero() && record.Timestamp.After(q.To) {
			return nil
		}
		if q.Group != "" && record.Group != q.Group {
			return nil
		}
		if q.Command != "" && record.Command != q.Command {
			return nil
		}

		ok, err := s.integrity.Verify(&record, record.Hash)
		if err != nil || !ok {
			record.Consistency = models.ConsistencyCompromised
		} else {
			record.Consistency = models.ConsistencyOK
		}
		if q.InvalidOnly && record.Consistency != models.ConsistencyCompromised {
			return nil
		}
		out = append(out, &record)
		if q.Limit > 0 && len(out) >= q.Limit {
			return errStopScan
		}
		return nil
	})
	if err != nil && err != errStopScan {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return out, nil
}

var errStopScan = fmt.Errorf("stop scan")
