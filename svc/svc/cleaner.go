package svc

import (
	"context"
	"time"

	"pastebook/metrics"
	"pastebook/pkg/domain"
	"pastebook/svc/db"
	"pastebook/svc/util"

	"github.com/pkg/errors"
)

const (
	purgeBatch         = 100
	maxBatchesPerCycle = 1000
)

// StartCleaner removes expired pastes every interval until ctx is done.
func (p *Paste) StartCleaner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("cleanup interval must be positive")
	}
	if !p.cleanerRunning.CompareAndSwap(false, true) {
		return errors.New("cleaner already running")
	}
	go p.runCleaner(ctx, interval)
	return nil
}
func (p *Paste) runCleaner(ctx context.Context, interval time.Duration) {
	defer p.cleanerRunning.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Ctx(ctx).Info().Dur("interval", interval).Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Ctx(ctx).Info().Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			deleted, err := p.PurgeExpired(ctx)
			metrics.PruneCycles.Inc()
			if err != nil {
				util.Ctx(ctx).Error().Err(err).Int("deleted", deleted).Msg("cleanup failed")
			} else if deleted > 0 {
				util.Ctx(ctx).Info().Int("deleted", deleted).Msg("cleanup completed")
			}
		}
	}
}

// PurgeExpired deletes expired pastes in batches and removes the external
// blobs of their attachments. It returns how many pastes went.
func (p *Paste) PurgeExpired(ctx context.Context) (int, error) {
	total := 0
	for i := 0; i < maxBatchesPerCycle; i++ {
		var (
			n     int
			owned []domain.File
		)
		err := p.withWriteRepo(ctx, func(r *db.Repo) error {
			var err error
			n, owned, err = r.PurgeExpired(ctx, p.now(), purgeBatch)
			return err
		})
		if err != nil {
			return total, err
		}
		total += n
		metrics.PastesExpired.Add(float64(n))
		p.files.Discard(ctx, owned)
		if n < purgeBatch {
			return total, nil
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return total, errors.New("cleanup hit iteration limit, more records may exist")
}
