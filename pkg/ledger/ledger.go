// Package ledger meters usage and keeps quota counters consistent with it.
//
// Every quantity that moves a quota counter becomes an append-only usage
// record: metered samples reported by adapters, reservations taken at
// activation, and the reversals that release them. Counters are moved only
// by the store, in the same transaction that appends the records.
//
// Admission checks read a short-lived cache and are advisory. The
// authoritative check happens when a resource is activated.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/telemetry"
)

// BreachPolicy decides what happens when metered usage exceeds a limit.
type BreachPolicy string

const (
	// BreachAdvisory raises an operator event and leaves resources running.
	BreachAdvisory BreachPolicy = "advisory"

	// BreachAutoSuspend also suspends every active resource in the breached scope.
	BreachAutoSuspend BreachPolicy = "auto-suspend"
)

// Validate checks if the breach policy is known.
func (p BreachPolicy) Validate() error {
	switch p {
	case BreachAdvisory, BreachAutoSuspend:
		return nil
	default:
		return fmt.Errorf("invalid breach policy: %s", p)
	}
}

// Tunables are the reloadable knobs of the ledger.
type Tunables struct {
	BreachPolicy BreachPolicy

	// CacheTTL bounds how stale an admission check may be. Zero disables the cache.
	CacheTTL time.Duration
}

// DefaultTunables returns the ledger defaults.
func DefaultTunables() Tunables {
	return Tunables{BreachPolicy: BreachAdvisory, CacheTTL: 5 * time.Second}
}

// Suspender stops an active resource. *engine.StateMachine implements it.
type Suspender interface {
	Suspend(ctx context.Context, resourceID, actor string) error
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed   bool             `json:"allowed"`
	Scope     string           `json:"scope,omitempty"`
	Dimension engine.Dimension `json:"dimension,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// Summary aggregates a scope's usage records for one billing period.
type Summary struct {
	Scope  string `json:"scope"`
	Period string `json:"period"`

	// Consumed is metered usage per dimension.
	Consumed map[engine.Dimension]float64 `json:"consumed"`

	// Reserved is the reservation balance per dimension at the end of Period.
	Reserved map[engine.Dimension]float64 `json:"reserved"`

	Records int `json:"records"`
}

// Ledger is the Usage Meter's write path and the Quota Ledger's read path.
type Ledger struct {
	store     engine.Store
	publisher engine.UsagePublisher
	suspender Suspender
	logger    zerolog.Logger
	now       func() time.Time
	cache     *quotaCache
	tunables  atomic.Pointer[Tunables]
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithPublisher forwards every appended record, e.g. to the accounting stream.
func WithPublisher(p engine.UsagePublisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithSuspender enables the auto-suspend breach policy.
func WithSuspender(s Suspender) Option {
	return func(l *Ledger) { l.suspender = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over store.
func New(store engine.Store, t Tunables, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With().Str("component", "ledger").Logger()
	l.cache = newQuotaCache(l.now)
	l.Reload(t)
	return l
}

// Reload swaps the tunables and drops cached quotas.
func (l *Ledger) Reload(t Tunables) {
	if t.BreachPolicy == "" {
		t.BreachPolicy = BreachAdvisory
	}
	if t.CacheTTL < 0 {
		t.CacheTTL = 0
	}
	l.tunables.Store(&t)
	l.cache.clear()
}

// Tunables returns the current tunables.
func (l *Ledger) Tunables() Tunables {
	return *l.tunables.Load()
}

// Ingest appends the samples for a resource. Duplicate sample IDs are
// ignored; cumulative samples are charged only for their increase. It
// returns the records actually appended.
func (l *Ledger) Ingest(ctx context.Context, resourceID string, samples ...engine.UsageSample) ([]*engine.UsageRecord, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	res, err := l.store.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	records := make([]*engine.UsageRecord, 0, len(samples))
	for _, s := range samples {
		if s.Dimension == "" {
			return nil, engine.NewInvalidRequestError("usage sample has no dimension", nil).WithResource(resourceID)
		}
		if s.Quantity < 0 {
			return nil, engine.NewInvalidRequestError(
				fmt.Sprintf("usage sample %s has a negative quantity", s.SampleID), nil).WithResource(resourceID)
		}
		at := s.SampledAt
		if at.IsZero() {
			at = l.now()
		}
		period := s.Period
		if period == "" {
			period = engine.PeriodOf(at)
		}
		id := ulid.Make().String()
		key := id
		if s.SampleID != "" {
			key = res.ID + ":" + s.SampleID
		}
		records = append(records, &engine.UsageRecord{
			ID:         id,
			ResourceID: res.ID,
			AccountID:  res.AccountID,
			ProjectID:  res.ProjectID,
			Dimension:  s.Dimension,
			Period:     period,
			Quantity:   s.Quantity,
			Kind:       engine.UsageKindSample,
			SampleKey:  key,
			Cumulative: s.Cumulative,
			RecordedAt: at.UTC(),
		})
	}

	appended, quotas, err := l.store.ApplyUsage(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("failed to apply usage for %s: %w", resourceID, err)
	}
	if len(appended) == 0 {
		return nil, nil
	}

	for _, scope := range res.Scopes() {
		l.cache.invalidate(scope)
	}
	l.Publish(appended)

	metrics := telemetry.MetricsFromContext(ctx)
	for _, rec := range appended {
		metrics.RecordUsage(string(rec.Dimension), string(rec.Kind), 1)
	}
	for _, q := range quotas {
		if q.Limit != nil && *q.Limit > 0 {
			metrics.SetQuotaUtilization(q.Scope, string(q.Dimension), q.Usage / *q.Limit)
		}
		if q.Exceeded() {
			l.handleBreach(ctx, q)
		}
	}

	l.logger.Debug().Str("resource_id", resourceID).Int("records", len(appended)).Msg("usage ingested")
	return appended, nil
}

// Publish forwards records to the configured publisher. The engine's
// reservations and reversals reach the accounting stream through it too.
func (l *Ledger) Publish(records []*engine.UsageRecord) {
	if l.publisher != nil && len(records) > 0 {
		l.publisher.PublishUsage(records)
	}
}

// PublishUsage implements engine.UsagePublisher so the ledger can sit
// between the State Machine and the accounting stream. Reservations move
// counters, so the cached scopes are dropped.
func (l *Ledger) PublishUsage(records []*engine.UsageRecord) {
	for _, rec := range records {
		for _, scope := range rec.Scopes() {
			l.cache.invalidate(scope)
		}
	}
	l.Publish(records)
}

func (l *Ledger) handleBreach(ctx context.Context, q *engine.Quota) {
	policy := l.Tunables().BreachPolicy
	msg := fmt.Sprintf("%s usage %.4g exceeds limit %.4g in %s", q.Dimension, q.Usage, *q.Limit, q.Scope)
	telemetry.RaiseAlert(ctx, telemetry.Alert{
		Kind:     telemetry.AlertQuotaBreach,
		Scope:    q.Scope,
		Severity: "low",
		Message:  msg,
	})
	l.logger.Warn().Str("scope", q.Scope).Str("dimension", string(q.Dimension)).
		Float64("usage", q.Usage).Float64("limit", *q.Limit).Str("policy", string(policy)).Msg("quota breached")

	if policy != BreachAutoSuspend || l.suspender == nil {
		return
	}

	resources, err := l.store.ListResources(ctx, engine.ResourceFilter{
		Scope:  q.Scope,
		States: []engine.ResourceState{engine.StateActive},
	})
	if err != nil {
		l.logger.Error().Err(err).Str("scope", q.Scope).Msg("failed to list resources to suspend")
		return
	}
	for _, res := range resources {
		if res.Suspended {
			continue
		}
		if err := l.suspender.Suspend(ctx, res.ID, "ledger:auto-suspend"); err != nil {
			l.logger.Error().Err(err).Str("resource_id", res.ID).Str("scope", q.Scope).Msg("failed to suspend resource")
			continue
		}
		l.logger.Info().Str("resource_id", res.ID).Str("scope", q.Scope).Msg("resource suspended after quota breach")
	}
}

// CheckAdmission reports whether adding delta to every scope stays within
// the limits. It reads cached counters and is advisory only.
func (l *Ledger) CheckAdmission(ctx context.Context, scopes []string, delta engine.Allocation) (Decision, error) {
	ttl := l.Tunables().CacheTTL
	for _, scope := range scopes {
		for _, dim := range delta.Dimensions() {
			want := delta[dim]
			if want <= 0 {
				continue
			}
			q, ok := l.cache.get(scope, dim)
			if !ok {
				var err error
				q, err = l.store.GetQuota(ctx, scope, dim)
				if err != nil {
					return Decision{}, err
				}
				if ttl > 0 {
					l.cache.put(q, ttl)
				}
			}
			if !q.Allows(want) {
				return Decision{
					Scope:     scope,
					Dimension: dim,
					Reason: fmt.Sprintf("%s would reach %.4g of %.4g in %s",
						dim, q.Usage+want, *q.Limit, scope),
				}, nil
			}
		}
	}
	return Decision{Allowed: true}, nil
}

// Admit runs CheckAdmission and converts a denial into a quota error.
func (l *Ledger) Admit(ctx context.Context, scopes []string, delta engine.Allocation) error {
	d, err := l.CheckAdmission(ctx, scopes, delta)
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}
	q, err := l.store.GetQuota(ctx, d.Scope, d.Dimension)
	if err != nil {
		return err
	}
	var limit float64
	if q.Limit != nil {
		limit = *q.Limit
	}
	return engine.NewQuotaExceededError(d.Scope, d.Dimension, q.Usage, delta[d.Dimension], limit)
}

// SetLimit sets a scope's limit; nil removes it.
func (l *Ledger) SetLimit(ctx context.Context, scope string, dim engine.Dimension, limit *float64) error {
	if err := l.store.SetQuotaLimit(ctx, scope, dim, limit); err != nil {
		return err
	}
	l.cache.invalidate(scope)
	return nil
}

// Quotas lists the quotas of a scope, or every scope when empty.
func (l *Ledger) Quotas(ctx context.Context, scope string) ([]*engine.Quota, error) {
	return l.store.ListQuotas(ctx, scope)
}

// Summary aggregates a scope's records for a billing period. An empty
// period means the current month. Reserved is the balance still held at the
// end of the period, so reservations taken in earlier periods count.
func (l *Ledger) Summary(ctx context.Context, scope, period string) (*Summary, error) {
	if period == "" {
		period = engine.PeriodOf(l.now())
	}
	records, err := l.store.ListUsageRecords(ctx, engine.UsageFilter{Scope: scope, Period: period})
	if err != nil {
		return nil, err
	}
	held, err := l.store.ListUsageRecords(ctx, engine.UsageFilter{
		Scope:   scope,
		Through: period,
		Kinds:   []engine.UsageKind{engine.UsageKindReservation, engine.UsageKindReversal},
	})
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Scope:    scope,
		Period:   period,
		Consumed: make(map[engine.Dimension]float64),
		Reserved: make(map[engine.Dimension]float64),
		Records:  len(records),
	}
	for _, rec := range records {
		if rec.Kind == engine.UsageKindSample {
			s.Consumed[rec.Dimension] += rec.Quantity
		}
	}
	for _, rec := range held {
		s.Reserved[rec.Dimension] += rec.Quantity
	}
	for dim, q := range s.Reserved {
		if q < 1e-9 {
			delete(s.Reserved, dim)
		}
	}
	return s, nil
}

// Dimensions returns the dimensions present in the summary, sorted.
func (s *Summary) Dimensions() []engine.Dimension {
	seen := make(map[engine.Dimension]bool)
	for d := range s.Consumed {
		seen[d] = true
	}
	for d := range s.Reserved {
		seen[d] = true
	}
	dims := make([]engine.Dimension, 0, len(seen))
	for d := range seen {
		dims = append(dims, d)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })
	return dims
}
