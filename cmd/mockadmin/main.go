// mockadmin stands in for the fund administrator's webhook. It verifies the
// HMAC signature on every notification and keeps accepted events in memory.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"reliance/internal/notify"
	"reliance/internal/platform/httpserver"
	"reliance/internal/platform/logger"
	"reliance/pkg/platform/httputil"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mockadmin",
		Short:        "Development stand-in for the fund administrator webhook",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			level, _ := cmd.Flags().GetString("log-level")
			secret := os.Getenv("WEBHOOK_SECRET")
			if secret == "" {
				return errors.New("WEBHOOK_SECRET is required")
			}
			signer, err := notify.NewSigner([]byte(secret))
			if err != nil {
				return err
			}
			log := logger.New(level)
			log.Info("mock administrator listening", "addr", addr)
			return httpserver.New(addr, newAdmin(signer, log).routes()).ListenAndServe()
		},
	}
	cmd.Flags().String("addr", ":5000", "Listen address")
	cmd.Flags().String("log-level", "info", "Log level")
	return cmd
}

type receivedEvent struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

type adminServer struct {
	signer    *notify.Signer
	logger    *slog.Logger
	rejecting atomic.Bool

	mu     sync.Mutex
	events []receivedEvent
}

func newAdmin(signer *notify.Signer, logger *slog.Logger) *adminServer {
	return &adminServer{signer: signer, logger: logger}
}

func (a *adminServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/webhook", a.handleWebhook)
	r.Get("/events", a.handleEvents)
	r.Post("/control/reject", a.handleControl(true))
	r.Post("/control/accept", a.handleControl(false))
	return r
}

func (a *adminServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	eventID := r.Header.Get(notify.EventIDHeader)

	signature := r.Header.Get(notify.SignatureHeader)
	if signature == "" {
		a.logger.Warn("notification rejected, missing signature", "event_id", eventID)
		httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing signature"})
		return
	}
	if !a.signer.Verify(body, signature) {
		a.logger.Error("notification rejected, invalid signature", "event_id", eventID)
		httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}
	if a.rejecting.Load() {
		a.logger.Warn("notification refused, simulating outage", "event_id", eventID)
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
		return
	}

	a.mu.Lock()
	for _, ev := range a.events {
		if ev.EventID == eventID {
			a.mu.Unlock()
			a.logger.Info("duplicate notification acknowledged", "event_id", eventID)
			httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}
	a.events = append(a.events, receivedEvent{
		EventID:    eventID,
		EventType:  r.Header.Get(notify.EventTypeHeader),
		Payload:    json.RawMessage(body),
		ReceivedAt: time.Now().UTC(),
	})
	a.mu.Unlock()

	a.logger.Info("notification accepted", "event_id", eventID, "event_type", r.Header.Get(notify.EventTypeHeader))
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (a *adminServer) handleEvents(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	events := append([]receivedEvent(nil), a.events...)
	a.mu.Unlock()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events, "total": len(events)})
}

func (a *adminServer) handleControl(reject bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		a.rejecting.Store(reject)
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"rejecting": reject})
	}
}
