package liveness_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliance/internal/ledger"
	"reliance/internal/ledger/store"
	"reliance/internal/liveness"
	"reliance/pkg/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedProber returns queued results in order and then repeats the last.
type scriptedProber struct {
	mu      sync.Mutex
	results []error
	calls   int
	block   chan struct{}
}

func (p *scriptedProber) Probe(ctx context.Context) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.results) {
		idx = len(p.results) - 1
	}
	p.calls++
	return p.results[idx]
}

func (p *scriptedProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var errBankDown = errors.New("connection refused")

type fixture struct {
	clock   *fakeClock
	prober  *scriptedProber
	ledger  *ledger.Ledger
	monitor *liveness.Monitor
	seen    []liveness.Transition
	sleeps  []time.Duration
}

func newFixture(t *testing.T, results ...error) *fixture {
	t.Helper()
	f := &fixture{
		clock:  &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
		prober: &scriptedProber{results: results},
	}
	f.ledger = ledger.New(store.NewMemoryStore(), ledger.WithClock(f.clock.Now))
	f.monitor = liveness.NewMonitor("bank-node", f.prober,
		liveness.WithClock(f.clock.Now),
		liveness.WithSleep(func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			f.clock.Advance(d)
			return nil
		}),
		liveness.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		liveness.WithAuditor(f.ledger, "FUND-001"),
		liveness.WithListener(func(_ context.Context, tr liveness.Transition) {
			f.seen = append(f.seen, tr)
		}),
	)
	return f
}

func TestKillSwitchEscalation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, errBankDown)

	testutil.Given(t, "the counterparty stops answering", func(t *testing.T) {
		testutil.When(t, "a probe cycle exhausts all three attempts", func(t *testing.T) {
			require.True(t, f.monitor.Tick(ctx))

			testutil.Then(t, "the state moves to WARNING with the first failure recorded", func(t *testing.T) {
				assert.Equal(t, 3, f.prober.Calls())
				assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, f.sleeps)
				assert.Equal(t, liveness.StateWarning, f.monitor.CurrentState())
				st := f.monitor.Status()
				require.NotNil(t, st.FailureStart)
				assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), *st.FailureStart)
				require.NotNil(t, st.GraceDeadline)
				assert.Equal(t, st.FailureStart.Add(4*time.Hour), *st.GraceDeadline)
			})
		})

		testutil.When(t, "the grace period has not yet elapsed", func(t *testing.T) {
			f.clock.Advance(3*time.Hour + 59*time.Minute)
			testutil.Then(t, "reliance stays in WARNING", func(t *testing.T) {
				assert.Equal(t, liveness.StateWarning, f.monitor.CheckGracePeriod(ctx))
			})
		})

		testutil.When(t, "four hours have passed since the first failure", func(t *testing.T) {
			f.clock.Advance(time.Minute)
			testutil.Then(t, "the kill switch suspends reliance", func(t *testing.T) {
				assert.Equal(t, liveness.StateSuspended, f.monitor.CheckGracePeriod(ctx))
				assert.Equal(t, liveness.StateSuspended, f.monitor.CurrentState())
			})
		})

		testutil.When(t, "the counterparty answers again", func(t *testing.T) {
			f.prober.mu.Lock()
			f.prober.results = []error{nil}
			f.prober.calls = 0
			f.prober.mu.Unlock()
			f.monitor.Tick(ctx)
			testutil.Then(t, "the suspension holds until an operator resets it", func(t *testing.T) {
				assert.Equal(t, liveness.StateSuspended, f.monitor.CurrentState())
				assert.NotNil(t, f.monitor.Status().LastSuccess)
			})
		})

		testutil.When(t, "an operator resets the trust state", func(t *testing.T) {
			prev := f.monitor.Reset(ctx, "admin-7")
			testutil.Then(t, "reliance is ACTIVE again and every transition is on the ledger", func(t *testing.T) {
				assert.Equal(t, liveness.StateSuspended, prev)
				assert.Equal(t, liveness.StateActive, f.monitor.CurrentState())
				assert.Nil(t, f.monitor.Status().FailureStart)

				entries, err := f.ledger.Entries(ctx)
				require.NoError(t, err)
				require.Len(t, entries, 3)
				var statuses []string
				for _, e := range entries {
					assert.Equal(t, ledger.ActionTrustStateChanged, e.Action)
					statuses = append(statuses, e.Status)
				}
				assert.Equal(t, []string{"WARNING", "SUSPENDED", "ACTIVE"}, statuses)
				assert.Equal(t, "admin-7", entries[2].AdminID)

				report, err := f.ledger.Verify(ctx)
				require.NoError(t, err)
				assert.True(t, report.Valid)
				require.Len(t, f.seen, 3)
			})
		})
	})
}

func TestRecoveryWithinRetriesKeepsActive(t *testing.T) {
	f := newFixture(t, errBankDown, errBankDown, nil)

	require.True(t, f.monitor.Tick(context.Background()))

	assert.Equal(t, 3, f.prober.Calls())
	assert.Equal(t, liveness.StateActive, f.monitor.CurrentState())
	assert.Nil(t, f.monitor.Status().FailureStart)
	assert.Empty(t, f.seen)
}

func TestSuccessFromWarningRestoresActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, errBankDown, errBankDown, errBankDown, nil)

	f.monitor.Tick(ctx)
	require.Equal(t, liveness.StateWarning, f.monitor.CurrentState())

	f.clock.Advance(time.Hour)
	f.monitor.Tick(ctx)

	assert.Equal(t, liveness.StateActive, f.monitor.CurrentState())
	assert.Nil(t, f.monitor.Status().FailureStart)
}

func TestFailureStartIsNotResetByLaterFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, errBankDown)

	f.monitor.Tick(ctx)
	first := *f.monitor.Status().FailureStart

	f.clock.Advance(2 * time.Hour)
	f.monitor.Tick(ctx)
	assert.Equal(t, first, *f.monitor.Status().FailureStart)
	assert.Equal(t, liveness.StateWarning, f.monitor.CurrentState())

	// the second cycle ended more than four hours after the first failure
	f.clock.Advance(2 * time.Hour)
	f.monitor.Tick(ctx)
	assert.Equal(t, liveness.StateSuspended, f.monitor.CurrentState())
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.prober.block = make(chan struct{})

	done := make(chan bool)
	go func() { done <- f.monitor.Tick(ctx) }()

	require.Eventually(t, func() bool { return f.monitor.Status().CheckInProgress }, time.Second, time.Millisecond)
	assert.False(t, f.monitor.Tick(ctx))

	close(f.prober.block)
	assert.True(t, <-done)
	assert.Equal(t, 1, f.prober.Calls())
}

func TestForceStateWarningStartsGraceClock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.monitor.ForceState(ctx, liveness.StateWarning)
	require.NotNil(t, f.monitor.Status().FailureStart)

	f.clock.Advance(4 * time.Hour)
	assert.Equal(t, liveness.StateSuspended, f.monitor.CheckGracePeriod(ctx))
}

// cancelOnCall cancels the cycle's context during the given call.
type cancelOnCall struct {
	cancel context.CancelFunc
	at     int
	calls  int
}

func (p *cancelOnCall) Probe(ctx context.Context) error {
	p.calls++
	if p.calls == p.at {
		p.cancel()
		<-ctx.Done()
		return ctx.Err()
	}
	return errBankDown
}

func TestShutdownDuringFinalAttemptIsInconclusive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	l := ledger.New(store.NewMemoryStore(), ledger.WithClock(clock.Now))
	prober := &cancelOnCall{cancel: cancel, at: 3}
	var seen []liveness.Transition
	monitor := liveness.NewMonitor("bank-node", prober,
		liveness.WithClock(clock.Now),
		liveness.WithSleep(func(context.Context, time.Duration) error { return nil }),
		liveness.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		liveness.WithAuditor(l, "FUND-001"),
		liveness.WithListener(func(_ context.Context, tr liveness.Transition) { seen = append(seen, tr) }),
	)

	assert.True(t, monitor.Tick(ctx))
	assert.Equal(t, 3, prober.calls)
	assert.Equal(t, liveness.StateActive, monitor.CurrentState())
	assert.Empty(t, seen)

	entries, err := l.Entries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.monitor.Run(ctx) }()

	require.Eventually(t, func() bool { return f.prober.Calls() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestParseState(t *testing.T) {
	st, err := liveness.ParseState("WARNING")
	require.NoError(t, err)
	assert.Equal(t, liveness.StateWarning, st)

	_, err = liveness.ParseState("PAUSED")
	assert.Error(t, err)
}
