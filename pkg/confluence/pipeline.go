package confluence

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/confluence-tracker/pkg/alert"
	"github.com/confluence-tracker/pkg/db"
	"github.com/confluence-tracker/pkg/queue"
)

// PipelineStore is the persistence slice the pipeline writes through.
type PipelineStore interface {
	InsertTransaction(tenantID int64, tracker string, tx db.Transaction) error
	InsertConfluence(c db.Confluence) (bool, error)
}

// Pipeline is the per-job processing chain: persist the event, feed the
// detection window, persist the detection, then alert. The alert only goes
// out when the detection row was actually inserted, so replays and retried
// jobs cannot double-announce.
type Pipeline struct {
	Store  PipelineStore
	Engine *Engine
	Alerts alert.Sink
}

func (p *Pipeline) Process(ctx context.Context, job queue.Job) error {
	if job.Tx == nil {
		return nil
	}

	if err := p.Store.InsertTransaction(job.TenantID, job.Tracker, *job.Tx); err != nil {
		return fmt.Errorf("store transaction: %w", err)
	}

	cand := p.Engine.Add(job.TenantID, job.Tracker, job.Tx)
	if cand == nil {
		return nil
	}

	inserted, err := p.Store.InsertConfluence(*cand)
	if err != nil {
		return fmt.Errorf("store confluence: %w", err)
	}
	p.Engine.MarkEmitted(job.TenantID, cand.TokenKey(), cand.DetectionTime)
	if !inserted {
		return nil
	}

	log.Info().Int64("tenant", cand.TenantID).Str("token", cand.TokenKey()).
		Int("wallets", cand.WalletCount).Time("detected", cand.DetectionTime).
		Msg("🚨 confluence detected")

	if p.Alerts != nil {
		if err := p.Alerts.SendConfluence(ctx, *cand); err != nil {
			log.Error().Err(err).Int64("tenant", cand.TenantID).Str("token", cand.TokenKey()).
				Msg("alert delivery failed")
		}
	}
	return nil
}
