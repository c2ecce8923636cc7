// Package worker runs the bulk-answer jobs of the TALQS service.
package worker

import (
	"context"
	"time"

	"talqs/internal/util"
	"talqs/pkg/queue"
)

// Builder produces the default-question answers for one stored document.
type Builder interface {
	BuildBulkAnswers(ctx context.Context, userID, fingerprint string) error
}

// Start consumes jobs from q with concurrency workers until ctx is done.
func Start(ctx context.Context, q queue.JobQueue, builder Builder, concurrency int) {
	util.LoggerFromContext(ctx).Info("bulk answer workers started", "concurrency", concurrency)
	q.Start(ctx, concurrency, Handler(builder))
}

// Handler adapts builder to the queue.
func Handler(builder Builder) queue.Handler {
	return func(ctx context.Context, job queue.JobStatus) error {
		logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "fingerprint", job.Fingerprint)
		start := time.Now()
		if err := builder.BuildBulkAnswers(ctx, job.UserID, job.Fingerprint); err != nil {
			logger.Warn("bulk answers failed", "attempt", job.Attempts, "err", err)
			return err
		}
		logger.Info("bulk answers ready", "attempt", job.Attempts, "duration_ms", time.Since(start).Milliseconds())
		return nil
	}
}
