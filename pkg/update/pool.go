package update

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/ladderstats/ingest/pkg/ladder"
	"github.com/ladderstats/ingest/pkg/storage"
)

var (
	teamsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ladder_teams_persisted_total",
		Help: "Team rows written through the persistence pool",
	})

	persistBatchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ladder_persist_batch_errors_total",
		Help: "Team batches that failed to persist",
	})
)

// persistPool writes team batches on a bounded worker pool, so a slow
// database never blocks an in-flight HTTP response. Batches are independent
// short transactions: a failed batch is logged and dropped, batches already
// committed stay committed, and the idempotent upserts make re-processing on
// the next cycle safe.
type persistPool struct {
	store  storage.LadderStore
	jobs   chan []ladder.Team
	wg     sync.WaitGroup
	logger zerolog.Logger

	mu       sync.Mutex
	written  int
	firstErr error
}

// newPersistPool starts workers reading from a buffered job queue.
func newPersistPool(ctx context.Context, store storage.LadderStore, workers, buffer int, logger zerolog.Logger) *persistPool {
	p := &persistPool{
		store:  store,
		jobs:   make(chan []ladder.Team, buffer),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *persistPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for batch := range p.jobs {
		count, err := p.store.UpsertTeams(ctx, batch)
		if err != nil {
			persistBatchErrors.Inc()
			p.logger.Error().
				Int("batch_size", len(batch)).
				Err(err).
				Msg("team batch failed to persist")
			p.mu.Lock()
			if p.firstErr == nil {
				p.firstErr = err
			}
			p.mu.Unlock()
			continue
		}
		teamsPersisted.Add(float64(count))
		p.mu.Lock()
		p.written += count
		p.mu.Unlock()
	}
}

// submit queues one batch. Blocks when the buffer is full, which back-
// pressures the fetch side instead of growing memory without bound.
func (p *persistPool) submit(batch []ladder.Team) {
	if len(batch) == 0 {
		return
	}
	p.jobs <- batch
}

// close waits for all queued batches and reports the rows written and the
// first persistence error, if any.
func (p *persistPool) close() (int, error) {
	close(p.jobs)
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written, p.firstErr
}
