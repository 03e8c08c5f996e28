package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"automation-engine/internal/models"
)

// AppendAudit assigns the next per-tenant sequence number and links the new
// record to the previous one's hash. The SELECT ... FOR UPDATE on the chain
// head serializes concurrent appenders for a tenant. An empty chain has no
// head row to lock, so two genesis appends can both compute seq=1; the
// loser hits the (tenant, seq) primary key and retries against the new head.
func (s *Postgres) AppendAudit(ctx context.Context, rec models.AuditRecord) (models.AuditRecord, error) {
	var (
		out models.AuditRecord
		err error
	)
	for attempt := 0; attempt < 3; attempt++ {
		out, err = s.appendAuditOnce(ctx, rec)
		if !isUniqueViolation(err) {
			return out, err
		}
	}
	return out, err
}

func (s *Postgres) appendAuditOnce(ctx context.Context, rec models.AuditRecord) (models.AuditRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.AuditRecord{}, fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rec.Seq = 1
	rec.PrevHash = models.GenesisHash
	var lastSeq int64
	var lastHash string
	err = tx.QueryRow(ctx, `
		SELECT seq, this_hash FROM audit_records
		WHERE tenant = $1 ORDER BY seq DESC LIMIT 1
		FOR UPDATE
	`, rec.Tenant).Scan(&lastSeq, &lastHash)
	if err == nil {
		rec.Seq = lastSeq + 1
		rec.PrevHash = lastHash
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return models.AuditRecord{}, fmt.Errorf("read chain head: %w", err)
	}
	rec.ThisHash = rec.ComputeHash(rec.PrevHash)

	before, err := json.Marshal(rec.Before)
	if err != nil {
		return models.AuditRecord{}, fmt.Errorf("marshal before: %w", err)
	}
	after, err := json.Marshal(rec.After)
	if err != nil {
		return models.AuditRecord{}, fmt.Errorf("marshal after: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_records
			(tenant, seq, actor, action, target_type, target_id, before, after, at, prev_hash, this_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.Tenant, rec.Seq, rec.Actor, rec.Action, rec.Target.Type, rec.Target.ID, before, after, rec.At, rec.PrevHash, rec.ThisHash)
	if err != nil {
		return models.AuditRecord{}, fmt.Errorf("insert audit record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.AuditRecord{}, fmt.Errorf("commit audit record: %w", err)
	}
	return rec, nil
}

func (s *Postgres) AuditRecords(ctx context.Context, tenant string, fromSeq int64, limit int) ([]models.AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant, seq, actor, action, target_type, target_id, before, after, at, prev_hash, this_hash
		FROM audit_records
		WHERE tenant = $1 AND seq >= $2
		ORDER BY seq
		LIMIT $3
	`, tenant, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var before, after []byte
		if err := rows.Scan(&rec.Tenant, &rec.Seq, &rec.Actor, &rec.Action, &rec.Target.Type, &rec.Target.ID,
			&before, &after, &rec.At, &rec.PrevHash, &rec.ThisHash); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if err := json.Unmarshal(before, &rec.Before); err != nil {
			return nil, fmt.Errorf("unmarshal before: %w", err)
		}
		if err := json.Unmarshal(after, &rec.After); err != nil {
			return nil, fmt.Errorf("unmarshal after: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
