package migration

import (
	"context"
	"errors"
	"time"

	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// WorkerConfig configures a queue consumer.
type WorkerConfig struct {
	// Concurrency is the number of migrations run at once.
	// Default: 4
	Concurrency int `help:"Migrations run concurrently by the worker." default:"4" env:"LAYERSTORE_WORKER_CONCURRENCY"`

	// ErrorBackoff is the pause after a failed Receive.
	// Default: 5s
	ErrorBackoff time.Duration `help:"Pause after a queue error." default:"5s" env:"LAYERSTORE_WORKER_ERROR_BACKOFF"`
}

// Worker consumes dataset ids from a queue and migrates them.
type Worker struct {
	queue        Queue
	orchestrator *Orchestrator
	cfg          WorkerConfig
}

// NewWorker creates a worker.
func NewWorker(queue Queue, orchestrator *Orchestrator, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	return &Worker{queue: queue, orchestrator: orchestrator, cfg: cfg}
}

// Run processes messages until ctx is cancelled. Messages are acked once the
// migration reached a terminal outcome; a dataset held by another run is
// left on the queue for redelivery.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Int("concurrency", w.cfg.Concurrency).Msg("Migration worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	for gctx.Err() == nil {
		msgs, err := w.queue.Receive(gctx, w.cfg.Concurrency)
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			log.Error().Err(err).Msg("Failed to receive migration requests")
			select {
			case <-gctx.Done():
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			g.Go(func() error {
				w.handle(gctx, msg)
				return nil
			})
		}
	}

	_ = g.Wait()
	log.Info().Msg("Migration worker stopped")
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (w *Worker) handle(ctx context.Context, msg Message) {
	_, err := w.orchestrator.Migrate(ctx, msg.DatasetID)
	if errors.Is(err, store.ErrMigrationInProgress) || ctx.Err() != nil {
		if nack, ok := w.queue.(interface{ Nack(Message) }); ok {
			nack.Nack(msg)
		}
		return
	}
	if err := w.queue.Ack(context.WithoutCancel(ctx), msg); err != nil {
		log.Warn().Err(err).Str("dataset_id", msg.DatasetID).Msg("Failed to ack migration request")
	}
}
