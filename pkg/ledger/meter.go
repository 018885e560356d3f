package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/engine"
)

// Meter polls active resources for usage and feeds it into the ledger.
type Meter struct {
	store    engine.Store
	adapters engine.AdapterResolver
	ledger   *Ledger
	pool     *engine.Pool
	logger   zerolog.Logger

	interval    atomic.Int64
	callTimeout time.Duration
	reload      chan struct{}
}

// NewMeter creates a meter. Polls run on pool when it is non-nil, otherwise inline.
func NewMeter(store engine.Store, adapters engine.AdapterResolver, ledger *Ledger, pool *engine.Pool, interval, callTimeout time.Duration, logger zerolog.Logger) *Meter {
	if callTimeout <= 0 {
		callTimeout = time.Minute
	}
	m := &Meter{
		store:       store,
		adapters:    adapters,
		ledger:      ledger,
		pool:        pool,
		logger:      logger.With().Str("component", "meter").Logger(),
		callTimeout: callTimeout,
		reload:      make(chan struct{}, 1),
	}
	m.SetInterval(interval)
	return m
}

// SetInterval changes the polling interval; a running loop picks it up on its next tick.
func (m *Meter) SetInterval(d time.Duration) {
	if d <= 0 {
		d = 5 * time.Minute
	}
	m.interval.Store(int64(d))
	select {
	case m.reload <- struct{}{}:
	default:
	}
}

// Run polls on every interval until ctx is done.
func (m *Meter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(m.interval.Load()))
	defer ticker.Stop()

	m.logger.Info().Dur("interval", time.Duration(m.interval.Load())).Msg("meter started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("meter stopped")
			return
		case <-m.reload:
			ticker.Reset(time.Duration(m.interval.Load()))
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Msg("metering pass failed")
			}
		}
	}
}

// RunOnce polls every active resource once and returns how many records were appended.
func (m *Meter) RunOnce(ctx context.Context) (int, error) {
	resources, err := m.store.ListResources(ctx, engine.ResourceFilter{
		States: []engine.ResourceState{engine.StateActive, engine.StateUpdating},
	})
	if err != nil {
		return 0, err
	}

	var appended atomic.Int64
	var wg sync.WaitGroup
	for _, res := range resources {
		if res.BackendID == "" {
			continue
		}
		res := res
		poll := func(ctx context.Context) error {
			n, err := m.poll(ctx, res)
			appended.Add(int64(n))
			return err
		}

		if m.pool == nil {
			_ = poll(ctx)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.pool.Do(ctx, engine.Task{ResourceID: res.ID, Kind: "meter", Run: poll})
		}()
	}
	wg.Wait()
	return int(appended.Load()), ctx.Err()
}

func (m *Meter) poll(ctx context.Context, res *engine.Resource) (int, error) {
	adapter, err := m.adapters.Get(res.BackendType)
	if err != nil {
		return 0, err
	}

	cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	samples, err := adapter.PollUsage(cctx, res.Handle())
	cancel()
	if err != nil {
		m.logger.Warn().Err(err).Str("resource_id", res.ID).Str("backend", res.BackendType).Msg("usage poll failed")
		return 0, err
	}

	records, err := m.ledger.Ingest(ctx, res.ID, samples...)
	if err != nil {
		m.logger.Error().Err(err).Str("resource_id", res.ID).Msg("failed to ingest usage")
		return 0, err
	}
	return len(records), nil
}
