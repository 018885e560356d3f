// Package accounting streams appended usage records to external sinks:
// JSON Lines objects on S3, Redis Streams entries, files over SFTP and
// structured log lines.
package accounting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/telemetry"
)

const (
	// writeAttempts bounds deliveries of one batch to one sink.
	writeAttempts = 3

	writeTimeout = 30 * time.Second
)

var writeBackoff = engine.Backoff{Base: 200 * time.Millisecond, Max: 5 * time.Second}

// Sink receives batches of usage records.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []*engine.UsageRecord) error
}

// Stream buffers usage records and delivers them to every sink in batches.
// Publishing never blocks; a full buffer drops and counts the record.
type Stream struct {
	cfg     Config
	sinks   []Sink
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	buffer  chan *engine.UsageRecord
	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ engine.UsagePublisher = (*Stream)(nil)

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the stream logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Stream) { s.logger = logger }
}

// WithMetrics records sink failures.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Stream) { s.metrics = m }
}

// NewStream creates a stream over sinks. Start must be called before records
// are delivered.
func NewStream(cfg Config, sinks []Sink, opts ...Option) *Stream {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		cfg:    cfg,
		sinks:  sinks,
		logger: zerolog.Nop(),
		buffer: make(chan *engine.UsageRecord, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "accounting").Logger()
	return s
}

// Start launches the delivery goroutine.
func (s *Stream) Start() {
	s.once.Do(func() {
		s.wg.Add(1)
		go s.process()
	})
}

// PublishUsage implements engine.UsagePublisher.
func (s *Stream) PublishUsage(records []*engine.UsageRecord) {
	for _, rec := range records {
		if s.ctx.Err() != nil {
			s.drop(rec, "stream stopped")
			continue
		}
		select {
		case s.buffer <- rec:
		default:
			s.drop(rec, "buffer full")
		}
	}
}

func (s *Stream) drop(rec *engine.UsageRecord, reason string) {
	s.dropped.Add(1)
	s.metrics.RecordStreamFailure("buffer")
	s.logger.Warn().
		Str("usage_record_id", rec.ID).
		Str("resource_id", rec.ResourceID).
		Str("reason", reason).
		Msg("usage record dropped from accounting stream")
}

// Dropped returns the number of records that never reached the sinks.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Stream) process() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*engine.UsageRecord, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.deliver(batch)
		batch = make([]*engine.UsageRecord, 0, s.cfg.BatchSize)
	}

	for {
		select {
		case rec := <-s.buffer:
			batch = append(batch, rec)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.ctx.Done():
			// Drain what is already buffered before exiting
			for {
				select {
				case rec := <-s.buffer:
					batch = append(batch, rec)
					if len(batch) >= s.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver hands batch to every sink, retrying each independently.
func (s *Stream) deliver(batch []*engine.UsageRecord) {
	for _, sink := range s.sinks {
		var err error
		for attempt := 0; attempt < writeAttempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err = sink.Write(ctx, batch)
			cancel()
			if err == nil {
				break
			}
			if attempt < writeAttempts-1 {
				time.Sleep(writeBackoff.Delay(attempt, err))
			}
		}
		if err != nil {
			s.metrics.RecordStreamFailure(sink.Name())
			s.logger.Error().Err(err).
				Str("sink", sink.Name()).
				Int("records", len(batch)).
				Msg("failed to deliver usage batch")
			continue
		}
		s.logger.Debug().Str("sink", sink.Name()).Int("records", len(batch)).Msg("usage batch delivered")
	}
}

// Shutdown stops accepting records, flushes the buffer and waits for the
// sinks, or gives up when ctx is done.
func (s *Stream) Shutdown(ctx context.Context) error {
	s.cancel()
	s.Start() // drain even if the stream was never started

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("accounting stream shutdown timeout: %w", ctx.Err())
	}
}
