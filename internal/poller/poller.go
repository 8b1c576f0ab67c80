package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink-gateway/carelink-gateway-pro/internal/carelink"
	"github.com/carelink-gateway/carelink-gateway-pro/internal/models"
)

// DataSource produces one raw vendor snapshot per call.
type DataSource interface {
	RecentData(ctx context.Context) (models.RawSnapshot, error)
}

// Listener receives every successful cycle: the raw vendor snapshot and the
// normalized reading set built from it.
type Listener func(ctx context.Context, snapshot models.RawSnapshot, set *models.ReadingSet)

// Poller drives the periodic fetch-and-normalize cycle. Cycles never overlap:
// a manual trigger and the ticker share the same serialization, and a failed
// cycle leaves the previously published set in place.
type Poller struct {
	client     DataSource
	normalizer *carelink.Normalizer
	interval   time.Duration
	timeout    time.Duration
	log        zerolog.Logger

	cycleMu sync.Mutex

	mu        sync.RWMutex
	latest    *models.ReadingSet
	listeners []Listener
}

// New creates a poller. interval is the ticker period, timeout bounds a
// single cycle.
func New(client DataSource, normalizer *carelink.Normalizer, interval, timeout time.Duration, logger zerolog.Logger) *Poller {
	return &Poller{
		client:     client,
		normalizer: normalizer,
		interval:   interval,
		timeout:    timeout,
		log:        logger.With().Str("component", "poller").Logger(),
	}
}

// Subscribe registers a listener for future reading sets. Not safe to call
// after Start.
func (p *Poller) Subscribe(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Latest returns the most recently published reading set, or nil before the
// first successful cycle.
func (p *Poller) Latest() *models.ReadingSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Start runs the poll loop until ctx is cancelled. The first cycle runs
// immediately.
func (p *Poller) Start(ctx context.Context) {
	p.log.Info().Dur("interval", p.interval).Msg("Starting poll loop")

	if _, err := p.RunCycle(ctx); err != nil {
		p.log.Error().Err(err).Msg("Initial poll cycle failed")
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("Poll loop stopped")
			return
		case <-ticker.C:
			if _, err := p.RunCycle(ctx); err != nil {
				p.log.Error().Err(err).Msg("Poll cycle failed")
			}
		}
	}
}

// RunCycle fetches one snapshot, normalizes it and publishes the result. It
// is safe to call concurrently with the loop; cycles run one at a time.
func (p *Poller) RunCycle(ctx context.Context) (*models.ReadingSet, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	cycleCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	started := time.Now()

	snapshot, err := p.client.RecentData(cycleCtx)
	if err != nil {
		return nil, err
	}

	set := p.normalizer.BuildReadingSet(snapshot, p.Latest())

	p.mu.Lock()
	p.latest = set
	listeners := p.listeners
	p.mu.Unlock()

	p.log.Info().
		Str("cycleId", set.CycleID.String()).
		Dur("took", time.Since(started)).
		Msg("Poll cycle complete")

	for _, l := range listeners {
		l(cycleCtx, snapshot, set)
	}

	return set, nil
}
