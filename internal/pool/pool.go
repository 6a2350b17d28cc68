// Package pool keeps lab images present in the container engine's local
// cache, so the first session of a course does not spend its create timeout
// on a registry pull.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const pullTimeout = 10 * time.Minute

// Pool maintains warm copies of the configured lab images.
type Pool struct {
	puller      Puller
	images      []string
	refresh     time.Duration
	concurrency int
	logger      *slog.Logger

	mu     sync.RWMutex
	warmAt map[string]time.Time // image -> last successful pull
	now    func() time.Time
}

func New(puller Puller, images []string, refresh time.Duration, concurrency int, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		puller:      puller,
		images:      images,
		refresh:     refresh,
		concurrency: concurrency,
		logger:      logger,
		warmAt:      make(map[string]time.Time),
		now:         time.Now,
	}
}

// Run fills the pool once and then refreshes it every refresh interval until
// ctx is cancelled. A zero interval fills once and returns.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("warming lab images", "images", p.images)
	p.Refill(ctx)
	if p.refresh <= 0 {
		return
	}

	ticker := time.NewTicker(p.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refill(ctx)
		}
	}
}

// Refill pulls every image concurrently. Failures are logged and retried on
// the next refresh; they never block session creation, which pulls on demand.
func (p *Pool) Refill(ctx context.Context) {
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, image := range p.images {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			pctx, cancel := context.WithTimeout(ctx, pullTimeout)
			defer cancel()

			start := p.now()
			if err := p.puller.EnsureImage(pctx, image); err != nil {
				p.logger.Warn("failed to warm image", "image", image, "error", err)
				return nil
			}
			p.mu.Lock()
			p.warmAt[image] = p.now()
			p.mu.Unlock()
			p.logger.Debug("image warm", "image", image, "took", p.now().Sub(start))
			return nil
		})
	}
	g.Wait()
}

// Warm reports whether image was pulled successfully at least once.
func (p *Pool) Warm(image string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.warmAt[image]
	return ok
}

// Status returns the last successful pull time per image; images never pulled
// map to the zero time.
func (p *Pool) Status() map[string]time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]time.Time, len(p.images))
	for _, image := range p.images {
		out[image] = p.warmAt[image]
	}
	return out
}
