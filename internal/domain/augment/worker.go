package augment

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const DefaultPollInterval = 2 * time.Second

// Worker runs claim loops against the queue. Claims are exclusive at the
// store, so loops need no coordination with each other or with other
// processes.
type Worker struct {
	orch        *Orchestrator
	concurrency int
	poll        time.Duration
	logger      zerolog.Logger
}

func NewWorker(orch *Orchestrator, concurrency int, poll time.Duration, logger zerolog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Worker{orch: orch, concurrency: concurrency, poll: poll, logger: logger}
}

// Run blocks until ctx is cancelled. Item failures are recorded on the item
// and never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Int("concurrency", w.concurrency).Dur("poll", w.poll).Msg("worker started")
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		slot := i
		g.Go(func() error {
			return w.loop(ctx, slot)
		})
	}
	err := g.Wait()
	w.logger.Info().Msg("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, slot int) error {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if ctx.Err() != nil {
			return nil
		}
		worked, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("work item failed")
		}
		if worked {
			continue
		}
		if err := sleepContext(ctx, w.poll); err != nil {
			return nil
		}
	}
}

// RunOnce claims and processes at most one item. It reports whether an item
// was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	item, err := w.orch.queue.ClaimNext(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false, nil
		}
		return false, err
	}
	if item == nil {
		return false, nil
	}
	// Shutdown stops new claims; the claimed item runs to its outcome.
	_, err = w.orch.Process(context.WithoutCancel(ctx), item)
	return true, err
}
