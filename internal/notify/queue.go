package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"reliance/internal/ledger"
	dErrors "reliance/pkg/domain-errors"
	"reliance/pkg/platform/circuit"
)

var (
	deliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reliance_notify_delivery_attempts_total",
		Help: "Notification delivery attempts by outcome",
	}, []string{"outcome"})
	deadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reliance_notify_dead_letters_total",
		Help: "Notifications moved to the dead-letter state",
	})
	journalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reliance_notify_journal_failures_total",
		Help: "Write-ahead log appends that failed after all retries",
	})
)

const journalAttempts = 3

// Auditor records dead letters on the audit ledger.
type Auditor interface {
	Append(ctx context.Context, in ledger.AppendInput) (ledger.Entry, error)
}

// Queue accepts events durably and drives their delivery.
type Queue struct {
	journal     Journal
	store       Store
	deliverer   Deliverer
	signer      *Signer
	destination string
	reporters   []Reporter
	auditor     Auditor
	policy      RetryPolicy
	breaker     *circuit.Breaker
	flights     singleflight.Group
	logger      *slog.Logger
	clock       func() time.Time
	journalWait time.Duration
}

type Option func(*Queue)

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) { q.policy = p }
}

func WithReporter(r Reporter) Option {
	return func(q *Queue) {
		if r != nil {
			q.reporters = append(q.reporters, r)
		}
	}
}

func WithAuditor(a Auditor) Option {
	return func(q *Queue) { q.auditor = a }
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(q *Queue) {
		if b != nil {
			q.breaker = b
		}
	}
}

// WithJournalRetryWait sets the pause between failed journal writes.
func WithJournalRetryWait(d time.Duration) Option {
	return func(q *Queue) { q.journalWait = d }
}

// NewQueue builds a queue delivering to destination. signer may be nil when
// events arrive pre-signed through EnqueueForDelivery only.
func NewQueue(journal Journal, store Store, deliverer Deliverer, signer *Signer, destination string, opts ...Option) *Queue {
	q := &Queue{
		journal:     journal,
		store:       store,
		deliverer:   deliverer,
		signer:      signer,
		destination: destination,
		policy:      DefaultRetryPolicy(),
		breaker:     circuit.New("admin-webhook"),
		logger:      slog.Default(),
		clock:       time.Now,
		journalWait: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueForDelivery accepts a signed event for retry scheduling. It returns
// only after the event is in the write-ahead log; a failure to journal is
// returned and the event is not accepted.
func (q *Queue) EnqueueForDelivery(ctx context.Context, eventID string, payload json.RawMessage, destination, signature string) (*OutboundEvent, error) {
	if strings.TrimSpace(eventID) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "event id is required")
	}
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "payload is not valid JSON")
	}
	if destination == "" {
		destination = q.destination
	}
	now := q.clock().UTC()
	ev := OutboundEvent{
		ID:            eventID,
		Destination:   destination,
		Payload:       canonical,
		Signature:     signature,
		Status:        StatusPending,
		CreatedAt:     now,
		NextAttemptAt: now.Add(q.policy.Delay(0)),
	}
	if err := q.journalWithRetry(ctx, OpEnqueue, ev); err != nil {
		return nil, err
	}
	q.schedule(ctx, ev)
	return &ev, nil
}

// Submit signs payload, journals it and tries one immediate delivery. When
// the immediate attempt fails, or the breaker is open, the event falls to the
// retry schedule. Only a journal failure is returned.
func (q *Queue) Submit(ctx context.Context, eventType string, payload any) (*OutboundEvent, error) {
	if q.signer == nil {
		return nil, errors.New("notify: queue has no signer")
	}
	canonical, signature, err := q.signer.Sign(payload)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign notification")
	}
	now := q.clock().UTC()
	ev := OutboundEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Destination: q.destination,
		Payload:     canonical,
		Signature:   signature,
		Status:      StatusPending,
		CreatedAt:   now,
	}
	if err := q.journalWithRetry(ctx, OpEnqueue, ev); err != nil {
		return nil, err
	}

	if q.breaker.IsOpen() {
		q.logger.InfoContext(ctx, "admin webhook circuit open, queueing notification",
			"event_id", ev.ID,
		)
		ev.NextAttemptAt = now.Add(q.policy.Delay(0))
		q.schedule(ctx, ev)
		return &ev, nil
	}

	if err := q.deliver(ctx, ev); err != nil {
		q.logger.WarnContext(ctx, "immediate delivery failed, queueing for retry",
			"event_id", ev.ID,
			"error", err,
		)
		ev.LastError = err.Error()
		ev.NextAttemptAt = now.Add(q.policy.Delay(0))
		q.record(ctx, OpAttempt, ev)
		q.schedule(ctx, ev)
		return &ev, nil
	}
	q.markDelivered(ctx, &ev)
	return &ev, nil
}

// Attempt makes one scheduled delivery attempt. Concurrent attempts for the
// same event id share a single delivery.
func (q *Queue) Attempt(ctx context.Context, ev OutboundEvent) (Status, error) {
	v, err, _ := q.flights.Do(ev.ID, func() (any, error) {
		return q.attempt(ctx, ev)
	})
	if err != nil {
		return StatusPending, err
	}
	return v.(Status), nil
}

func (q *Queue) attempt(ctx context.Context, ev OutboundEvent) (Status, error) {
	// The body sent is the canonical form the receiver verifies against.
	if q.signer != nil {
		canonical, signature, err := q.signer.Sign(ev.Payload)
		if err != nil {
			q.logger.WarnContext(ctx, "notification payload not canonicalizable, sending as journaled",
				"event_id", ev.ID,
				"error", err,
			)
		} else {
			ev.Payload, ev.Signature = canonical, signature
		}
	}

	err := q.deliver(ctx, ev)
	if err == nil {
		if cerr := q.store.Complete(ctx, ev.ID); cerr != nil {
			q.logger.WarnContext(ctx, "failed to clear delivered event from schedule",
				"event_id", ev.ID,
				"error", cerr,
			)
		}
		q.markDelivered(ctx, &ev)
		return StatusDelivered, nil
	}

	ev.Attempts++
	ev.LastError = err.Error()
	if q.policy.Exhausted(ev.Attempts) {
		return StatusDeadLetter, q.deadLetter(ctx, ev)
	}

	ev.NextAttemptAt = q.clock().UTC().Add(q.policy.Delay(ev.Attempts))
	q.logger.WarnContext(ctx, "notification delivery failed, rescheduled",
		"event_id", ev.ID,
		"attempts", ev.Attempts,
		"next_attempt_at", ev.NextAttemptAt,
		"error", err,
	)
	q.record(ctx, OpAttempt, ev)
	if serr := q.store.Schedule(ctx, ev); serr != nil {
		return StatusPending, fmt.Errorf("reschedule event %s: %w", ev.ID, serr)
	}
	return StatusPending, nil
}

func (q *Queue) deliver(ctx context.Context, ev OutboundEvent) error {
	err := q.deliverer.Deliver(ctx, ev)
	if err != nil {
		deliveryAttempts.WithLabelValues("failure").Inc()
		if _, change := q.breaker.RecordFailure(); change.Opened {
			q.logger.WarnContext(ctx, "admin webhook circuit opened", "breaker", q.breaker.Name())
		}
		return err
	}
	deliveryAttempts.WithLabelValues("success").Inc()
	if _, change := q.breaker.RecordSuccess(); change.Closed {
		q.logger.InfoContext(ctx, "admin webhook circuit closed", "breaker", q.breaker.Name())
	}
	return nil
}

func (q *Queue) markDelivered(ctx context.Context, ev *OutboundEvent) {
	ev.Status = StatusDelivered
	q.record(ctx, OpDelivered, *ev)
	q.logger.InfoContext(ctx, "notification delivered",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"attempts", ev.Attempts,
	)
}

func (q *Queue) deadLetter(ctx context.Context, ev OutboundEvent) error {
	ev.Status = StatusDeadLetter
	dl := DeadLetter{Event: ev, Reason: ReasonMaxRetriesExceeded, FailedAt: q.clock().UTC()}
	deadLettered.Inc()

	q.logger.ErrorContext(ctx, "CRITICAL: notification moved to dead letter, manual intervention required",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"attempts", ev.Attempts,
		"last_error", ev.LastError,
	)

	if err := q.store.DeadLetter(ctx, dl); err != nil {
		// the journal still holds the event as pending so it is recovered on restart
		return fmt.Errorf("store dead letter %s: %w", ev.ID, err)
	}
	q.record(ctx, OpDeadLetter, ev)

	for _, r := range q.reporters {
		if err := r.Report(ctx, dl); err != nil {
			q.logger.ErrorContext(ctx, "dead letter report failed",
				"event_id", ev.ID,
				"error", err,
			)
		}
	}
	if q.auditor != nil {
		_, _ = q.auditor.Append(ctx, ledger.AppendInput{
			TransactionID:  ev.ID,
			CounterpartyID: "admin-webhook",
			Action:         ledger.ActionNotificationDead,
			Status:         ledger.StatusFailed,
			Payload: map[string]any{
				"event_type": ev.Type,
				"attempts":   ev.Attempts,
				"reason":     dl.Reason,
				"last_error": ev.LastError,
			},
		})
	}
	return nil
}

// Recover schedules every event the journal still holds as pending. It is
// run once at startup before the dispatcher starts.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	events, err := q.journal.Replay(ctx)
	if err != nil {
		return 0, fmt.Errorf("replay wal: %w", err)
	}
	now := q.clock().UTC()
	for _, ev := range events {
		if ev.NextAttemptAt.IsZero() {
			ev.NextAttemptAt = now
		}
		if err := q.store.Schedule(ctx, ev); err != nil {
			return 0, fmt.Errorf("schedule recovered event %s: %w", ev.ID, err)
		}
	}
	if len(events) > 0 {
		q.logger.InfoContext(ctx, "recovered pending notifications from wal", "count", len(events))
	}
	return len(events), nil
}

// ClaimDue hands due events to the dispatcher.
func (q *Queue) ClaimDue(ctx context.Context, limit int) ([]OutboundEvent, error) {
	return q.store.ClaimDue(ctx, q.clock().UTC(), limit)
}

// Requeue puts a claimed but unattempted event back on the schedule.
func (q *Queue) Requeue(ctx context.Context, ev OutboundEvent) error {
	return q.store.Schedule(ctx, ev)
}

func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	dls, err := q.store.DeadLetters(ctx, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "notification store unavailable")
	}
	return dls, nil
}

func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.store.Pending(ctx)
}

func (q *Queue) journalWithRetry(ctx context.Context, op string, ev OutboundEvent) error {
	rec := JournalRecord{Op: op, Event: ev, At: q.clock().UTC()}
	var err error
	for i := 0; i < journalAttempts; i++ {
		if err = q.journal.Append(ctx, rec); err == nil {
			return nil
		}
		if i < journalAttempts-1 {
			select {
			case <-ctx.Done():
				return dErrors.Wrap(ctx.Err(), dErrors.CodeUnavailable, "notification not accepted")
			case <-time.After(q.journalWait):
			}
		}
	}
	journalFailures.Inc()
	q.logger.ErrorContext(ctx, "CRITICAL: failed to persist notification to wal",
		"event_id", ev.ID,
		"error", err,
	)
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "notification not accepted")
}

// record journals a state change. Failures are logged; the previous journal
// state errs toward redelivery, never loss.
func (q *Queue) record(ctx context.Context, op string, ev OutboundEvent) {
	if err := q.journal.Append(ctx, JournalRecord{Op: op, Event: ev, At: q.clock().UTC()}); err != nil {
		q.logger.ErrorContext(ctx, "failed to journal notification state",
			"event_id", ev.ID,
			"op", op,
			"error", err,
		)
	}
}

func (q *Queue) schedule(ctx context.Context, ev OutboundEvent) {
	if err := q.store.Schedule(ctx, ev); err != nil {
		q.logger.ErrorContext(ctx, "notification journaled but not scheduled, will recover on restart",
			"event_id", ev.ID,
			"error", err,
		)
	}
}
