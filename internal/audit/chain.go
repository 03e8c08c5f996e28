// Package audit maintains a hash-linked, append-only record of every
// orchestration state change. Each record's hash covers the previous
// record's hash, so mutating any historical row breaks the chain from that
// point forward and a linear rescan finds the first broken link.
package audit

import (
	"context"
	"strings"
	"time"

	"automation-engine/internal/models"
)

// Store is the slice of persistence the chain needs. The store assigns
// sequence numbers and hashes atomically per tenant; this package owns
// redaction and verification.
type Store interface {
	AppendAudit(ctx context.Context, rec models.AuditRecord) (models.AuditRecord, error)
	AuditRecords(ctx context.Context, tenant string, fromSeq int64, limit int) ([]models.AuditRecord, error)
}

// Chain appends and verifies a tenant's audit records.
type Chain struct {
	store Store
}

func New(store Store) *Chain {
	return &Chain{store: store}
}

// Append records one mutation. Callers append before reporting success to
// their own callers, so the chain is a complete causal log. Secrets in the
// before/after summaries are masked prior to hashing. At is truncated to
// microseconds before hashing: TIMESTAMPTZ stores microsecond precision, so
// a nanosecond timestamp would hash differently than the read-back row and
// Verify would report an untampered chain broken.
func (c *Chain) Append(ctx context.Context, tenant, actor, action string, target models.EntityRef, before, after map[string]any) (models.AuditRecord, error) {
	return c.store.AppendAudit(ctx, models.AuditRecord{
		Tenant: tenant,
		Actor:  actor,
		Action: action,
		Target: target,
		Before: Redact(before),
		After:  Redact(after),
		At:     time.Now().UTC().Truncate(time.Microsecond),
	})
}

// Verify rescans the tenant's records in sequence order, recomputing every
// hash. It returns ok=false and the sequence number of the first record
// whose stored hashes no longer match its contents.
func (c *Chain) Verify(ctx context.Context, tenant string) (bool, int64, error) {
	const page = 500
	prevHash := models.GenesisHash
	nextSeq := int64(1)
	for {
		recs, err := c.store.AuditRecords(ctx, tenant, nextSeq, page)
		if err != nil {
			return false, 0, err
		}
		if len(recs) == 0 {
			return true, 0, nil
		}
		for _, rec := range recs {
			if rec.Seq != nextSeq || rec.PrevHash != prevHash || rec.ComputeHash(prevHash) != rec.ThisHash {
				return false, rec.Seq, nil
			}
			prevHash = rec.ThisHash
			nextSeq++
		}
		if len(recs) < page {
			return true, 0, nil
		}
	}
}

// VerifyRecords checks an already-loaded, sequence-ordered slice. Exported
// for offline verification of exported archives.
func VerifyRecords(recs []models.AuditRecord) (bool, int64) {
	prevHash := models.GenesisHash
	for i, rec := range recs {
		if rec.Seq != int64(i+1) || rec.PrevHash != prevHash || rec.ComputeHash(prevHash) != rec.ThisHash {
			return false, rec.Seq
		}
		prevHash = rec.ThisHash
	}
	return true, 0
}

var secretKeys = []string{"password", "secret", "token", "api_key", "credential"}

// Redact masks values under secret-looking keys in a summary map. The
// original map is not modified.
func Redact(summary map[string]any) map[string]any {
	if summary == nil {
		return nil
	}
	out := make(map[string]any, len(summary))
	for k, v := range summary {
		if isSecretKey(k) {
			out[k] = "[redacted]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
