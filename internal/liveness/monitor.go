package liveness

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"reliance/internal/ledger"
)

var (
	trustStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reliance_trust_state",
		Help: "Current trust state per counterparty (0=ACTIVE, 1=WARNING, 2=SUSPENDED)",
	}, []string{"counterparty_id"})
	probeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reliance_liveness_probes_total",
		Help: "Liveness probe attempts by outcome",
	}, []string{"outcome"})
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reliance_trust_transitions_total",
		Help: "Trust state transitions by target state",
	}, []string{"to"})
	skippedCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reliance_liveness_cycles_skipped_total",
		Help: "Scheduled probe cycles skipped because one was still in flight",
	})
)

const (
	defaultInterval      = 24 * time.Hour
	defaultProbeTimeout  = 29 * time.Second
	defaultRetryDelay    = 10 * time.Second
	defaultMaxAttempts   = 3
	defaultGracePeriod   = 4 * time.Hour
	defaultGraceInterval = time.Minute
)

// Prober performs one liveness request against the counterparty.
type Prober interface {
	Probe(ctx context.Context) error
}

// Auditor records transitions on the audit ledger.
type Auditor interface {
	Append(ctx context.Context, in ledger.AppendInput) (ledger.Entry, error)
}

// Listener is called after every transition, outside the monitor lock.
type Listener func(ctx context.Context, t Transition)

// Monitor owns the trust state. It is the only writer; request handlers read
// through CurrentState and Status.
type Monitor struct {
	counterpartyID string
	fundID         string
	prober         Prober
	auditor        Auditor
	listeners      []Listener
	logger         *slog.Logger
	clock          func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error

	interval      time.Duration
	probeTimeout  time.Duration
	retryDelay    time.Duration
	maxAttempts   int
	gracePeriod   time.Duration
	graceInterval time.Duration

	inFlight atomic.Bool
	cycles   sync.WaitGroup

	mu           sync.RWMutex
	state        State
	failureStart *time.Time
	lastCheck    *time.Time
	lastSuccess  *time.Time
	lastError    string
}

type Option func(*Monitor)

func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithSleep replaces the inter-attempt wait. Tests use it to skip real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Monitor) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithAuditor(a Auditor, fundID string) Option {
	return func(m *Monitor) {
		m.auditor = a
		m.fundID = fundID
	}
}

func WithListener(l Listener) Option {
	return func(m *Monitor) {
		if l != nil {
			m.listeners = append(m.listeners, l)
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(m *Monitor) {
		if d >= 0 {
			m.retryDelay = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.gracePeriod = d
		}
	}
}

// WithGraceCheckInterval sets how often Run evaluates the grace period
// independently of probe cycles.
func WithGraceCheckInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.graceInterval = d
		}
	}
}

func NewMonitor(counterpartyID string, prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		counterpartyID: counterpartyID,
		prober:         prober,
		logger:         slog.Default(),
		clock:          time.Now,
		sleep:          sleepCtx,
		interval:       defaultInterval,
		probeTimeout:   defaultProbeTimeout,
		retryDelay:     defaultRetryDelay,
		maxAttempts:    defaultMaxAttempts,
		gracePeriod:    defaultGracePeriod,
		graceInterval:  defaultGraceInterval,
		state:          StateActive,
	}
	for _, opt := range opts {
		opt(m)
	}
	trustStateGauge.WithLabelValues(counterpartyID).Set(StateActive.gaugeValue())
	return m
}

// Run probes immediately and then on every interval until ctx is done. The
// grace period is evaluated on its own ticker so suspension is not delayed
// by a long probe interval. Run waits for an in-flight cycle before returning.
func (m *Monitor) Run(ctx context.Context) error {
	probeTicker := time.NewTicker(m.interval)
	defer probeTicker.Stop()
	graceTicker := time.NewTicker(m.graceInterval)
	defer graceTicker.Stop()

	m.schedule(ctx)
	for {
		select {
		case <-ctx.Done():
			m.cycles.Wait()
			return nil
		case <-probeTicker.C:
			m.schedule(ctx)
		case <-graceTicker.C:
			m.CheckGracePeriod(ctx)
		}
	}
}

func (m *Monitor) schedule(ctx context.Context) {
	m.cycles.Add(1)
	go func() {
		defer m.cycles.Done()
		m.Tick(ctx)
	}()
}

// Tick runs one probe cycle with the three-strike protocol followed by a
// grace period check. It returns false without probing when a previous cycle
// is still in flight.
func (m *Monitor) Tick(ctx context.Context) bool {
	if !m.inFlight.CompareAndSwap(false, true) {
		skippedCycles.Inc()
		m.logger.WarnContext(ctx, "liveness cycle skipped, previous cycle still in flight",
			"counterparty_id", m.counterpartyID,
		)
		return false
	}
	defer m.inFlight.Store(false)

	var firstFailure *time.Time
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err := m.probeOnce(ctx)
		now := m.clock()
		if err == nil {
			probeOutcomes.WithLabelValues("success").Inc()
			m.onSuccess(ctx, now, attempt)
			m.CheckGracePeriod(ctx)
			return true
		}

		if ctx.Err() != nil {
			// shutdown cancelled the probe; the episode is inconclusive
			m.logger.InfoContext(ctx, "liveness cycle abandoned on shutdown",
				"counterparty_id", m.counterpartyID,
				"attempt", attempt,
			)
			return true
		}
		probeOutcomes.WithLabelValues("failure").Inc()
		lastErr = err
		if firstFailure == nil {
			firstFailure = &now
		}
		m.logger.WarnContext(ctx, "liveness probe failed",
			"counterparty_id", m.counterpartyID,
			"attempt", attempt,
			"max_attempts", m.maxAttempts,
			"error", err,
		)

		if attempt < m.maxAttempts {
			if err := m.sleep(ctx, m.retryDelay); err != nil {
				// shutdown mid-protocol; the episode is inconclusive
				return true
			}
		}
	}

	m.onExhausted(ctx, *firstFailure, lastErr)
	m.CheckGracePeriod(ctx)
	return true
}

func (m *Monitor) probeOnce(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	return m.prober.Probe(probeCtx)
}

func (m *Monitor) onSuccess(ctx context.Context, now time.Time, attempt int) {
	m.mu.Lock()
	m.lastCheck = &now
	m.lastSuccess = &now
	m.lastError = ""
	if m.state == StateSuspended {
		m.mu.Unlock()
		m.logger.WarnContext(ctx, "liveness restored while suspended, manual reset required",
			"counterparty_id", m.counterpartyID,
		)
		return
	}
	prevStart := m.failureStart
	m.failureStart = nil
	t, changed := m.transitionLocked(StateActive, "liveness confirmed", "system", now, prevStart)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "liveness confirmed",
		"counterparty_id", m.counterpartyID,
		"attempt", attempt,
	)
	if changed {
		m.emit(ctx, t)
	}
}

func (m *Monitor) onExhausted(ctx context.Context, firstFailure time.Time, lastErr error) {
	now := m.clock()
	m.mu.Lock()
	m.lastCheck = &now
	if lastErr != nil {
		m.lastError = lastErr.Error()
	}
	if m.failureStart == nil {
		start := firstFailure
		m.failureStart = &start
	}
	var (
		t       Transition
		changed bool
	)
	if m.state == StateActive {
		t, changed = m.transitionLocked(StateWarning, "liveness probe failed after all attempts", "system", now, m.failureStart)
	}
	failureStart := *m.failureStart
	state := m.state
	m.mu.Unlock()

	m.logger.WarnContext(ctx, "liveness protocol exhausted",
		"counterparty_id", m.counterpartyID,
		"state", state,
		"failure_start", failureStart,
		"grace_deadline", failureStart.Add(m.gracePeriod),
	)
	if changed {
		m.emit(ctx, t)
	}
}

// CheckGracePeriod suspends reliance once a WARNING has lasted at least the
// grace period. It returns the state after the check.
func (m *Monitor) CheckGracePeriod(ctx context.Context) State {
	now := m.clock()
	m.mu.Lock()
	if m.state != StateWarning || m.failureStart == nil || now.Sub(*m.failureStart) < m.gracePeriod {
		state := m.state
		m.mu.Unlock()
		return state
	}
	t, changed := m.transitionLocked(StateSuspended, "grace period exceeded", "system", now, m.failureStart)
	m.mu.Unlock()

	if changed {
		m.logger.ErrorContext(ctx, "CRITICAL: kill switch activated, reliance suspended",
			"counterparty_id", m.counterpartyID,
			"failure_start", *t.FailureStart,
			"downtime", now.Sub(*t.FailureStart).String(),
		)
		m.emit(ctx, t)
	}
	return StateSuspended
}

// CurrentState is safe for concurrent use by request handlers.
func (m *Monitor) CurrentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		CounterpartyID:  m.counterpartyID,
		State:           m.state,
		FailureStart:    copyTime(m.failureStart),
		LastCheck:       copyTime(m.lastCheck),
		LastSuccess:     copyTime(m.lastSuccess),
		LastError:       m.lastError,
		CheckInProgress: m.inFlight.Load(),
	}
	if m.failureStart != nil && m.state == StateWarning {
		deadline := m.failureStart.Add(m.gracePeriod)
		st.GraceDeadline = &deadline
	}
	return st
}

// ForceState sets the state directly. It exists for tests and operator
// tooling; WARNING gets a failure start of now if none is recorded.
func (m *Monitor) ForceState(ctx context.Context, s State) {
	now := m.clock()
	m.mu.Lock()
	switch s {
	case StateActive:
		m.failureStart = nil
	case StateWarning:
		if m.failureStart == nil {
			m.failureStart = &now
		}
	}
	t, changed := m.transitionLocked(s, "forced", "operator", now, m.failureStart)
	m.mu.Unlock()
	if changed {
		m.emit(ctx, t)
	}
}

// Reset is the administrative path out of any state, including SUSPENDED.
// It returns the state that was cleared.
func (m *Monitor) Reset(ctx context.Context, actor string) State {
	now := m.clock()
	m.mu.Lock()
	prev := m.state
	prevStart := m.failureStart
	m.failureStart = nil
	m.lastError = ""
	t, changed := m.transitionLocked(StateActive, "manual reset", actor, now, prevStart)
	m.mu.Unlock()

	m.logger.WarnContext(ctx, "trust state manually reset",
		"counterparty_id", m.counterpartyID,
		"previous_state", prev,
		"actor", actor,
	)
	if changed {
		m.emit(ctx, t)
	}
	return prev
}

func (m *Monitor) transitionLocked(to State, reason, actor string, at time.Time, failureStart *time.Time) (Transition, bool) {
	from := m.state
	if from == to {
		return Transition{}, false
	}
	m.state = to
	trustStateGauge.WithLabelValues(m.counterpartyID).Set(to.gaugeValue())
	transitionsTotal.WithLabelValues(string(to)).Inc()
	return Transition{
		CounterpartyID: m.counterpartyID,
		From:           from,
		To:             to,
		Reason:         reason,
		Actor:          actor,
		At:             at,
		FailureStart:   copyTime(failureStart),
	}, true
}

func (m *Monitor) emit(ctx context.Context, t Transition) {
	m.logger.InfoContext(ctx, "trust state changed",
		"counterparty_id", t.CounterpartyID,
		"from", t.From,
		"to", t.To,
		"reason", t.Reason,
		"actor", t.Actor,
	)
	if m.auditor != nil {
		payload := map[string]any{
			"from":   t.From,
			"to":     t.To,
			"reason": t.Reason,
			"actor":  t.Actor,
		}
		if t.FailureStart != nil {
			payload["failure_start"] = t.FailureStart.UTC()
		}
		adminID := ""
		if t.Actor != "system" {
			adminID = t.Actor
		}
		// ledger failures are logged as CRITICAL by the ledger itself
		_, _ = m.auditor.Append(ctx, ledger.AppendInput{
			TransactionID:  "trust-" + t.At.UTC().Format("20060102T150405.000000Z"),
			CounterpartyID: t.CounterpartyID,
			FundID:         m.fundID,
			AdminID:        adminID,
			Action:         ledger.ActionTrustStateChanged,
			Status:         string(t.To),
			Payload:        payload,
		})
	}
	for _, l := range m.listeners {
		l(ctx, t)
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
