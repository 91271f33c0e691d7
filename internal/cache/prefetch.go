package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"prop-engine/internal/queue"
)

// prefetchDepth is how many bars each warm pass keeps hot.
const prefetchDepth = 100

// Prefetcher warms the cache for a configured (symbol, timeframe) list on a
// fixed cadence. All work runs at background priority so foreground tasks
// always win.
type Prefetcher struct {
	cache      *BarCache
	tasks      *queue.Queue
	symbols    []string
	timeframes []string
	interval   time.Duration
	logger     zerolog.Logger
}

// NewPrefetcher builds the warmer; interval defaults to five minutes.
func NewPrefetcher(c *BarCache, tasks *queue.Queue, symbols, timeframes []string, interval time.Duration, logger zerolog.Logger) *Prefetcher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Prefetcher{
		cache:      c,
		tasks:      tasks,
		symbols:    symbols,
		timeframes: timeframes,
		interval:   interval,
		logger:     logger.With().Str("component", "prefetcher").Logger(),
	}
}

// Start launches the warm loop until ctx is cancelled.
func (p *Prefetcher) Start(ctx context.Context) {
	if len(p.symbols) == 0 || len(p.timeframes) == 0 {
		p.logger.Info().Msg("prefetch disabled: nothing configured")
		return
	}
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		p.enqueueAll() // warm once at startup
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.enqueueAll()
			}
		}
	}()
}

func (p *Prefetcher) enqueueAll() {
	for _, sym := range p.symbols {
		for _, tf := range p.timeframes {
			sym, tf := sym, tf
			err := p.tasks.Submit(queue.Task{
				Name:     "prefetch-" + sym + "-" + tf,
				Priority: queue.Background,
				Timeout:  time.Minute,
				Run: func(ctx context.Context) error {
					if _, err := p.cache.GetBars(ctx, sym, tf, prefetchDepth); err != nil {
						// Warm failures are harmless; the next pass retries.
						p.logger.Debug().Err(err).Str("symbol", sym).Str("timeframe", tf).Msg("prefetch miss")
						return nil
					}
					p.cache.bump(func(s *Stats) { s.Prefetches++ })
					return nil
				},
			})
			if err != nil {
				// Shed under load; prefetch is the first thing to go.
				return
			}
		}
	}
}
