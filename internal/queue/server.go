package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// NewServer configures the asynq worker server.
func NewServer(opt asynq.RedisConnOpt, concurrency int, logger zerolog.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      Queues(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retry, _ := asynq.GetRetryCount(ctx)
			max, _ := asynq.GetMaxRetry(ctx)
			logger.Error().Err(err).Str("task_type", task.Type()).Int("retry", retry).Int("max_retry", max).Msg("task_failed")
		}),
		ShutdownTimeout: 20 * time.Second,
	})
}

// RegisterSweeps schedules both background sweeps every interval.
func RegisterSweeps(s *asynq.Scheduler, interval time.Duration, batch int) error {
	if interval <= 0 {
		interval = time.Minute
	}
	spec := fmt.Sprintf("@every %s", interval)
	expire, err := NewExpireDueTask(batch, interval)
	if err != nil {
		return err
	}
	if _, err := s.Register(spec, expire); err != nil {
		return fmt.Errorf("register expiry sweep: %w", err)
	}
	stale, err := NewReconcileStaleTask(batch, interval)
	if err != nil {
		return err
	}
	if _, err := s.Register(spec, stale); err != nil {
		return fmt.Errorf("register stale reconcile: %w", err)
	}
	return nil
}
