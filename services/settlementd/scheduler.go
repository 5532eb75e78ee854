package settlementd

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"bithedge/core"
	"bithedge/native/fixedpoint"
	"bithedge/services/settlementd/journal"
)

// ErrSchedulerPaused is returned when a settlement run is attempted while the
// scheduler is paused.
var ErrSchedulerPaused = errors.New("settlementd: scheduler paused")

// Scheduler drives batch settlement on a fixed cadence. Expiration boundaries
// are interval-truncated unix timestamps, so every policy opened against the
// same window settles in the same batch.
type Scheduler struct {
	platform *core.Platform
	journal  *journal.Journal
	interval time.Duration
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	paused       bool
	runs         int
	lastBoundary uint64
	lastRunAt    time.Time
	lastErr      string
}

// SchedulerOption customises the scheduler instance.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock sets the function used to derive boundaries.
func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithSchedulerMetrics overrides the default metrics handles.
func WithSchedulerMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithSchedulerLogger routes scheduler logs to the supplied logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler constructs a scheduler settling boundaries every interval.
func NewScheduler(platform *core.Platform, jnl *journal.Journal, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	if interval < time.Second {
		interval = time.Second
	}
	sched := &Scheduler{
		platform: platform,
		journal:  jnl,
		interval: interval,
		metrics:  NewMetrics(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(sched)
	}
	return sched
}

// CurrentBoundary returns the boundary the wall clock currently sits in.
func (s *Scheduler) CurrentBoundary() uint64 {
	return s.BoundaryAt(s.now())
}

// BoundaryAt truncates a timestamp to its settlement boundary.
func (s *Scheduler) BoundaryAt(t time.Time) uint64 {
	sec := int64(s.interval / time.Second)
	unix := t.Unix()
	if unix <= 0 || sec <= 0 {
		return 0
	}
	return uint64(unix - unix%sec)
}

// Run ticks until the context is cancelled. Each tick settles every boundary
// that has passed and still carries active policies, so a daemon that was
// down over an expiration catches up on restart.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrSchedulerPaused) {
		s.logger.Error("settlement run failed", "error", err.Error())
	}
}

// RunOnce settles every pending boundary up to the current one, distributes
// premiums, refreshes the pool gauges and runs a verification sweep.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return ErrSchedulerPaused
	}
	s.mu.Unlock()

	current := s.CurrentBoundary()
	pending, err := s.platform.PendingBoundaries(current)
	if err != nil {
		s.noteRun(current, err)
		return err
	}

	var firstErr error
	for _, boundary := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.SettleBoundary(ctx, boundary); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.refreshGauges()
	s.sweep()
	s.noteRun(current, firstErr)
	return firstErr
}

// SettleBoundary settles one boundary, journals the outcome and distributes
// the premiums of policies that expired out of the money.
func (s *Scheduler) SettleBoundary(ctx context.Context, boundary uint64) error {
	start := s.now()
	outcome, err := s.platform.SettleBoundary(boundary)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ObserveBatch(outcome.Settled, outcome.Expired, outcome.Failed, s.now().Sub(start).Seconds())
		s.metrics.ObservePayout(boundary, amountToFloat(outcome.TotalPayout))
	}
	if s.journal != nil {
		if err := s.journal.RecordBatch(ctx, outcome); err != nil {
			s.logger.Error("journal batch failed", "boundary", boundary, "error", err.Error())
		}
	}
	s.logger.Info("boundary settled",
		"boundary", boundary,
		"processed", outcome.Processed,
		"settled", outcome.Settled,
		"expired", outcome.Expired,
		"failed", outcome.Failed,
	)

	if outcome.Expired > 0 {
		distribution, err := s.platform.DistributePremiums(boundary)
		if err != nil {
			return err
		}
		if s.journal != nil && (distribution.Policies > 0 || distribution.Skipped > 0) {
			if err := s.journal.RecordDistribution(ctx, distribution); err != nil {
				s.logger.Error("journal distribution failed", "boundary", boundary, "error", err.Error())
			}
		}
		s.logger.Info("premiums distributed",
			"boundary", boundary,
			"policies", distribution.Policies,
			"providers", distribution.Providers,
		)
	}

	s.mu.Lock()
	if boundary > s.lastBoundary {
		s.lastBoundary = boundary
	}
	s.mu.Unlock()
	return nil
}

// refreshGauges publishes per-token pool totals.
func (s *Scheduler) refreshGauges() {
	if s.metrics == nil {
		return
	}
	for _, token := range s.platform.Tokens() {
		totals, err := s.platform.PoolTotalsFor(token)
		if err != nil {
			s.logger.Error("pool totals failed", "token", token, "error", err.Error())
			continue
		}
		s.metrics.RecordPool(token, totals)
	}
}

// sweep runs the ledger verification pass and publishes the result.
func (s *Scheduler) sweep() {
	report, err := s.platform.VerifyAll()
	if err != nil {
		s.logger.Error("verification sweep failed", "error", err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveSweep(report)
	}
	if !report.Clean() {
		s.logger.Error("verification findings",
			"findings", len(report.Findings),
			"accounts", report.CheckedAccounts,
			"policies", report.CheckedPolicies,
		)
	}
}

func (s *Scheduler) noteRun(boundary uint64, err error) {
	s.mu.Lock()
	s.runs++
	s.lastRunAt = s.now()
	if boundary > s.lastBoundary {
		// Quiet boundaries with nothing active still count as processed.
		s.lastBoundary = boundary
	}
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	last := s.lastBoundary
	s.mu.Unlock()
	if s.metrics != nil && last > 0 {
		s.metrics.SetBoundaryLag(float64(s.now().Unix() - int64(last)))
	}
}

// Pause halts scheduled settlement runs.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetPaused(true)
	}
}

// Resume re-enables scheduled settlement runs.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetPaused(false)
	}
}

// Status summarises scheduler state for administrative endpoints.
type Status struct {
	Paused        bool     `json:"paused"`
	Interval      string   `json:"interval"`
	Runs          int      `json:"runs"`
	LastBoundary  uint64   `json:"last_boundary"`
	NextBoundary  uint64   `json:"next_boundary"`
	LastRunAt     int64    `json:"last_run_at"`
	LastError     string   `json:"last_error,omitempty"`
	PausedModules []string `json:"paused_modules,omitempty"`
}

// Status reports the current scheduler status snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		Paused:       s.paused,
		Interval:     s.interval.String(),
		Runs:         s.runs,
		LastBoundary: s.lastBoundary,
		NextBoundary: s.CurrentBoundary() + uint64(s.interval/time.Second),
		LastError:    s.lastErr,
	}
	if !s.lastRunAt.IsZero() {
		status.LastRunAt = s.lastRunAt.Unix()
	}
	if s.platform != nil {
		status.PausedModules = s.platform.PausedModules()
	}
	return status
}

// amountToFloat converts a fixed-point amount into whole tokens for gauges.
// Precision loss is acceptable on the metrics surface.
func amountToFloat(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), new(big.Float).SetInt(fixedpoint.Scale)).Float64()
	return f
}
