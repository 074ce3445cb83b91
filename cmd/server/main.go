package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"reliance/internal/admin"
	"reliance/internal/counterparty"
	"reliance/internal/evidence"
	"reliance/internal/ledger"
	"reliance/internal/liveness"
	"reliance/internal/notify"
	"reliance/internal/notify/deadletter"
	"reliance/internal/notify/wal"
	"reliance/internal/onboarding"
	onboardinghandler "reliance/internal/onboarding/handler"
	"reliance/internal/platform/config"
	"reliance/internal/platform/httpserver"
	"reliance/internal/platform/kafka"
	"reliance/internal/platform/logger"
	"reliance/internal/ratelimit"
	"reliance/internal/revocation"
	revocationhandler "reliance/internal/revocation/handler"
	httptransport "reliance/internal/transport/http"
	"reliance/internal/vault"
	"reliance/internal/warranty"
)

// main wires dependencies and owns the process lifecycle. Business logic
// lives in the internal service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("reliance engine stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	if cfg.Notify.WebhookSecret == "" {
		return errors.New("WEBHOOK_SECRET is required")
	}

	stores, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	auditLedger := ledger.New(stores.ledger, ledger.WithLogger(log))
	if err := auditLedger.Ready(ctx); err != nil {
		return fmt.Errorf("audit ledger: %w", err)
	}

	keys := counterparty.NewRegistry(stores.counterparty, counterparty.WithLogger(log))
	revocations := revocation.NewRegistry(stores.revocation, log)
	sealer := vault.New()
	evidenceService := evidence.NewService(stores.evidence, sealer, auditLedger, evidence.WithLogger(log))

	queue, journal, err := newQueue(ctx, cfg, log, stores, auditLedger)
	if err != nil {
		return err
	}
	defer journal.Close()

	recovered, err := queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover notification journal: %w", err)
	}
	if recovered > 0 {
		log.InfoContext(ctx, "recovered pending notifications", "count", recovered)
	}

	prober := liveness.NewHTTPProber(cfg.Liveness.URL, cfg.Liveness.CounterpartyID,
		liveness.WithProofKeys(keys),
		liveness.WithFundID(cfg.FundID),
		liveness.WithHTTPClient(&http.Client{Timeout: cfg.Liveness.Timeout}),
	)
	monitor := liveness.NewMonitor(cfg.Liveness.CounterpartyID, prober,
		liveness.WithLogger(log),
		liveness.WithAuditor(auditLedger, cfg.FundID),
		liveness.WithInterval(cfg.Liveness.Interval),
		liveness.WithProbeTimeout(cfg.Liveness.Timeout),
		liveness.WithRetryDelay(cfg.Liveness.RetryDelay),
		liveness.WithMaxAttempts(cfg.Liveness.MaxAttempts),
		liveness.WithGracePeriod(cfg.Liveness.GracePeriod),
		liveness.WithListener(alertOnTrustChange(queue, cfg.FundID, log)),
	)

	service, err := onboarding.New(onboarding.Dependencies{
		Trust:      monitor,
		Ledger:     auditLedger,
		Revocation: revocations,
		Warranty:   warranty.NewVerifier(keys, warranty.WithLogger(log)),
		Sealer:     sealer,
		Evidence:   evidenceService,
		Notifier:   queue,
	}, onboarding.WithLogger(log), onboarding.WithFundID(cfg.FundID))
	if err != nil {
		return err
	}

	readiness := map[string]httptransport.ReadinessCheck{"ledger": auditLedger.Ready}
	if stores.redis != nil {
		readiness["redis"] = stores.redis.Health
	}
	limiter := ratelimit.New(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, ratelimit.WithLogger(log))
	router := httptransport.NewRouter(httptransport.Config{
		APIAuthToken:  cfg.APIAuthToken,
		AdminAPIToken: cfg.AdminAPIToken,
		Public: []httptransport.RouteRegistrar{
			onboardinghandler.New(service, log),
			revocationhandler.New(revocations, log, revocationhandler.WithAuditor(auditLedger)),
		},
		Admin: []httptransport.RouteRegistrar{
			admin.New(admin.Dependencies{
				Monitor:  monitor,
				Ledger:   auditLedger,
				Queue:    queue,
				Keys:     keys,
				Evidence: evidenceService,
				Auditor:  auditLedger,
			}, log),
		},
		RateLimit: limiter.Middleware,
		Trust:     monitor,
		Readiness: readiness,
	}, log)
	srv := httpserver.New(cfg.Addr, router)

	dispatcher := notify.NewDispatcher(queue,
		notify.WithWorkers(cfg.Notify.Workers),
		notify.WithPollInterval(cfg.Notify.PollInterval),
		notify.WithRate(cfg.Notify.RatePerSecond),
		notify.WithDispatcherLogger(log),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "starting reliance engine", "addr", cfg.Addr, "fund_id", cfg.FundID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sweepLimiter(gctx, limiter) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownPeriod)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		service.Wait()
		return err
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("reliance engine shut down")
	return err
}

func sweepLimiter(ctx context.Context, limiter *ratelimit.Limiter) error {
	if !limiter.Enabled() {
		return nil
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}

func newQueue(ctx context.Context, cfg config.Server, log *slog.Logger, stores *backends, auditor notify.Auditor) (*notify.Queue, *wal.Log, error) {
	journal, err := wal.Open(cfg.Notify.WALPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open notification journal: %w", err)
	}
	signer, err := notify.NewSigner([]byte(cfg.Notify.WebhookSecret))
	if err != nil {
		_ = journal.Close()
		return nil, nil, err
	}

	opts := []notify.Option{
		notify.WithLogger(log),
		notify.WithAuditor(auditor),
		notify.WithReporter(deadletter.NewLogReporter(log)),
	}
	producer, err := kafka.NewProducer(cfg.Kafka)
	if err != nil {
		_ = journal.Close()
		return nil, nil, err
	}
	if producer != nil {
		if err := kafka.EnsureTopic(ctx, producer, cfg.Kafka.DeadLetterTopic, 1, 1); err != nil {
			log.WarnContext(ctx, "dead-letter topic not ensured", "topic", cfg.Kafka.DeadLetterTopic, "error", err)
		}
		opts = append(opts, notify.WithReporter(deadletter.NewKafkaReporter(producer, cfg.Kafka.DeadLetterTopic)))
		go func() {
			<-ctx.Done()
			producer.Close()
		}()
	}

	queue := notify.NewQueue(journal, stores.schedule, notify.NewHTTPDeliverer(cfg.Notify.DeliveryTimeout), signer,
		cfg.Notify.AdminWebhookURL, opts...)
	return queue, journal, nil
}

// alertOnTrustChange tells the administrator when reliance is suspended or
// reinstated. Delivery goes through the queue so the alert survives restarts.
func alertOnTrustChange(queue *notify.Queue, fundID string, log *slog.Logger) liveness.Listener {
	return func(ctx context.Context, t liveness.Transition) {
		var eventType string
		switch {
		case t.To == liveness.StateSuspended:
			eventType = notify.EventRelianceSuspended
		case t.From == liveness.StateSuspended && t.To == liveness.StateActive:
			eventType = notify.EventRelianceReinstated
		default:
			return
		}
		payload := map[string]any{
			"event_type":      eventType,
			"timestamp":       t.At.UTC().Format(time.RFC3339),
			"fund_id":         fundID,
			"counterparty_id": t.CounterpartyID,
			"reason":          t.Reason,
			"actor":           t.Actor,
		}
		if _, err := queue.Submit(context.WithoutCancel(ctx), eventType, payload); err != nil {
			log.ErrorContext(ctx, "CRITICAL: trust state alert not accepted",
				"event_type", eventType,
				"error", err,
			)
		}
	}
}
