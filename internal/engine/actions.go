package engine

import (
	"context"
	"log"

	"automation-engine/internal/models"
	"automation-engine/internal/store"
)

// RegisterBuiltins wires the action kinds the engine ships with. Hosts
// embedding the engine extend or replace these with their own effects;
// slow effects enqueue a job rather than blocking the trigger path.
func RegisterBuiltins(registry *Registry, st store.Store) {
	registry.Register("send_email", func(ctx context.Context, ac ActionContext) error {
		to, _ := ac.Action.Params["to"].(string)
		if to == "" {
			return models.Permanentf("send_email action has no recipient")
		}
		subject, _ := ac.Action.Params["subject"].(string)
		body, _ := ac.Action.Params["body"].(string)
		_, err := st.EnqueueJob(ctx, store.EnqueueParams{
			Tenant: ac.Tenant,
			Type:   models.JobSendEmail,
			Payload: map[string]any{
				"to":        to,
				"subject":   subject,
				"body":      body,
				"dedup_key": ac.Execution.ID + ":" + to,
			},
		})
		return err
	})

	registry.Register("change_status", func(_ context.Context, ac ActionContext) error {
		// Entity mutation belongs to the host application; this built-in
		// stands in by logging until a host registers the real effect.
		log.Printf("change_status on %s/%s -> %v", ac.Execution.Entity.Type, ac.Execution.Entity.ID, ac.Action.Params["status"])
		return nil
	})

	registry.Register("archive_audit", func(ctx context.Context, ac ActionContext) error {
		_, err := st.EnqueueJob(ctx, store.EnqueueParams{
			Tenant: ac.Tenant,
			Type:   models.JobAuditArchive,
		})
		return err
	})
}
