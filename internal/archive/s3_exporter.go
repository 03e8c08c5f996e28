// Package archive exports verified audit-chain segments to S3 for
// retention. Export runs as an AUDIT_ARCHIVE job so it inherits the
// queue's retry and audit behavior.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"automation-engine/internal/audit"
	"automation-engine/internal/models"
)

// Exporter snapshots one tenant's audit chain into a JSON object.
type Exporter struct {
	client *s3.Client
	chain  *audit.Chain
	store  audit.Store
	bucket string
	prefix string
}

func NewExporter(ctx context.Context, chain *audit.Chain, st audit.Store, bucket, prefix string) (*Exporter, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket not configured")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Exporter{
		client: s3.NewFromConfig(cfg),
		chain:  chain,
		store:  st,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

type export struct {
	Tenant     string               `json:"tenant"`
	ExportedAt time.Time            `json:"exported_at"`
	Records    []models.AuditRecord `json:"records"`
}

// Handle is the AUDIT_ARCHIVE job handler. A chain that fails verification
// is never archived: uploading a broken chain would launder the tamper.
func (e *Exporter) Handle(ctx context.Context, job models.Job) error {
	tenant := job.Tenant
	ok, broken, err := e.chain.Verify(ctx, tenant)
	if err != nil {
		return fmt.Errorf("verify chain before export: %w", err)
	}
	if !ok {
		return models.Permanentf("audit chain for %s broken at seq %d, refusing to archive", tenant, broken)
	}

	const page = 500
	exp := export{Tenant: tenant, ExportedAt: time.Now().UTC()}
	nextSeq := int64(1)
	for {
		recs, err := e.store.AuditRecords(ctx, tenant, nextSeq, page)
		if err != nil {
			return fmt.Errorf("read audit records: %w", err)
		}
		exp.Records = append(exp.Records, recs...)
		if len(recs) < page {
			break
		}
		nextSeq = recs[len(recs)-1].Seq + 1
	}

	body, err := json.Marshal(exp)
	if err != nil {
		return models.Permanentf("marshal export: %v", err)
	}
	key := fmt.Sprintf("%s/%s/%s.json", e.prefix, tenant, exp.ExportedAt.Format("20060102T150405Z"))
	contentType := "application/json"
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &e.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("upload archive %s: %w", key, err)
	}
	return nil
}
