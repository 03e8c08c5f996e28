package worker

import (
	"context"
	"fmt"

	"automation-engine/internal/dedup"
	"automation-engine/internal/models"
	"automation-engine/internal/notify"
	"automation-engine/internal/store"
)

// NewEmailHandler delivers a SEND_EMAIL job through the notification sink.
// The dedup key closes the at-least-once gap: a retried payload whose send
// already happened is acknowledged without a second delivery.
func NewEmailHandler(sink notify.Sink, guard *dedup.Guard) Handler {
	return func(ctx context.Context, job models.Job) error {
		to, _ := job.Payload["to"].(string)
		if to == "" {
			return models.Permanentf("email job %s has no recipient", job.ID)
		}
		subject, _ := job.Payload["subject"].(string)
		body, _ := job.Payload["body"].(string)

		key, _ := job.Payload["dedup_key"].(string)
		if key == "" {
			key = job.ID
		}
		fresh, err := guard.Claim(ctx, "email:"+key)
		if err != nil {
			return fmt.Errorf("dedup claim: %w", err)
		}
		if !fresh {
			return nil // a previous attempt already delivered this one
		}
		if err := sink.Notify(ctx, to, subject+"\n"+body); err != nil {
			// The send did not happen; free the key for the retry.
			if relErr := guard.Release(ctx, "email:"+key); relErr != nil {
				return fmt.Errorf("send failed (%v) and dedup release failed: %w", err, relErr)
			}
			return err
		}
		return nil
	}
}

// NewCampaignHandler fans a CAMPAIGN_SEND job out into one SEND_EMAIL job
// per recipient. The per-recipient dedup key makes the fan-out itself
// re-executable: a crash halfway through enqueues only the missing half.
func NewCampaignHandler(st store.Store) Handler {
	return func(ctx context.Context, job models.Job) error {
		campaignID, _ := job.Payload["campaign_id"].(string)
		if campaignID == "" {
			return models.Permanentf("campaign job %s has no campaign_id", job.ID)
		}
		recipients, ok := job.Payload["recipients"].([]any)
		if !ok || len(recipients) == 0 {
			return models.Permanentf("campaign job %s has no recipients", job.ID)
		}
		subject, _ := job.Payload["subject"].(string)
		body, _ := job.Payload["body"].(string)

		for _, r := range recipients {
			to, ok := r.(string)
			if !ok || to == "" {
				continue
			}
			if _, err := st.EnqueueJob(ctx, store.EnqueueParams{
				Tenant: job.Tenant,
				Type:   models.JobSendEmail,
				Payload: map[string]any{
					"to":        to,
					"subject":   subject,
					"body":      body,
					"dedup_key": campaignID + ":" + to,
				},
			}); err != nil {
				return fmt.Errorf("enqueue campaign email for %s: %w", to, err)
			}
		}
		return nil
	}
}
