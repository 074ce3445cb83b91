// Package admin serves the operator endpoints: kill switch status and reset,
// ledger verification, dead-lettered notifications, counterparty key
// registration, and dual-custody evidence reconstruction.
package admin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"reliance/internal/counterparty"
	"reliance/internal/evidence"
	"reliance/internal/ledger"
	"reliance/internal/liveness"
	"reliance/internal/notify"
	dErrors "reliance/pkg/domain-errors"
	"reliance/pkg/platform/httputil"
	"reliance/pkg/requestcontext"
)

// AdminIDHeader names the operator acting on the request; it ends up on ledger entries.
const AdminIDHeader = "X-Admin-ID"

const defaultDeadLetterLimit = 100

type TrustMonitor interface {
	Status() liveness.Status
	Tick(ctx context.Context) bool
	Reset(ctx context.Context, actor string) liveness.State
}

type LedgerVerifier interface {
	Verify(ctx context.Context) (ledger.VerifyReport, error)
}

type NotificationQueue interface {
	DeadLetters(ctx context.Context, limit int) ([]notify.DeadLetter, error)
	Pending(ctx context.Context) (int64, error)
}

type KeyRegistry interface {
	RegisterKey(ctx context.Context, counterpartyID, pemText string, transition time.Duration) (*counterparty.KeyInfo, error)
}

type EvidenceService interface {
	Metadata(ctx context.Context, transactionID string) (*evidence.Metadata, error)
	Reconstruct(ctx context.Context, transactionID string, shardB []byte, adminID string) (json.RawMessage, error)
}

type Auditor interface {
	Append(ctx context.Context, in ledger.AppendInput) (ledger.Entry, error)
}

type Handler struct {
	monitor  TrustMonitor
	ledger   LedgerVerifier
	queue    NotificationQueue
	keys     KeyRegistry
	evidence EvidenceService
	auditor  Auditor
	logger   *slog.Logger
}

type Dependencies struct {
	Monitor  TrustMonitor
	Ledger   LedgerVerifier
	Queue    NotificationQueue
	Keys     KeyRegistry
	Evidence EvidenceService
	Auditor  Auditor
}

func New(deps Dependencies, logger *slog.Logger) *Handler {
	return &Handler{
		monitor:  deps.Monitor,
		ledger:   deps.Ledger,
		queue:    deps.Queue,
		keys:     deps.Keys,
		evidence: deps.Evidence,
		auditor:  deps.Auditor,
		logger:   logger,
	}
}

// Register mounts the admin routes. The admin token check is applied by the caller.
func (h *Handler) Register(r chi.Router) {
	r.Get("/v1/admin/reliance", h.handleStatus)
	r.Post("/v1/admin/reliance/reset", h.handleReset)
	r.Post("/v1/admin/reliance/check", h.handleCheck)
	r.Get("/v1/admin/ledger/verify", h.handleVerifyLedger)
	r.Get("/v1/admin/notifications/dead-letters", h.handleDeadLetters)
	r.Post("/v1/admin/counterparties/{counterpartyID}/keys", h.handleRegisterKey)
	r.Get("/v1/admin/evidence/{transactionID}", h.handleEvidenceMetadata)
	r.Post("/v1/admin/evidence/{transactionID}/reconstruct", h.handleReconstruct)
}

func adminID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(AdminIDHeader)); id != "" {
		return id
	}
	if p := requestcontext.Principal(r.Context()); p != "" {
		return p
	}
	return "admin"
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := RelianceResponse{Status: h.monitor.Status(), PendingNotifications: -1}
	if pending, err := h.queue.Pending(ctx); err == nil {
		resp.PendingNotifications = pending
	} else {
		h.logger.WarnContext(ctx, "failed to count pending notifications",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := adminID(r)
	prev := h.monitor.Reset(ctx, actor)

	h.logger.WarnContext(ctx, "reliance reset by administrator",
		"request_id", requestcontext.RequestID(ctx),
		"admin_id", actor,
		"previous_state", prev,
	)
	httputil.WriteJSON(w, http.StatusOK, ResetResponse{
		PreviousState: prev,
		State:         h.monitor.Status().State,
		ResetBy:       actor,
	})
}

// handleCheck runs a liveness cycle now instead of waiting for the schedule.
func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.monitor.Tick(ctx) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeConflict, "a liveness check is already in progress"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.monitor.Status())
}

func (h *Handler) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := h.ledger.Verify(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to verify audit ledger",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if !report.Valid {
		h.logger.ErrorContext(ctx, "CRITICAL: audit ledger integrity check failed",
			"breaks", len(report.Breaks),
		)
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	items, err := h.queue.DeadLetters(ctx, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toDeadLetterResponses(items))
}

type registerKeyRequest struct {
	PublicKeyPEM string `json:"public_key_pem" validate:"required"`
	Transition   string `json:"transition,omitempty"`

	transition time.Duration
}

func (r *registerKeyRequest) Validate() error {
	if r.Transition == "" {
		return nil
	}
	d, err := time.ParseDuration(r.Transition)
	if err != nil || d < 0 {
		return dErrors.New(dErrors.CodeValidation, "transition must be a non-negative duration such as 24h")
	}
	r.transition = d
	return nil
}

func (h *Handler) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	counterpartyID := chi.URLParam(r, "counterpartyID")

	req, ok := httputil.DecodeAndPrepare[registerKeyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	info, err := h.keys.RegisterKey(ctx, counterpartyID, req.PublicKeyPEM, req.transition)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if h.auditor != nil {
		if _, err := h.auditor.Append(ctx, ledger.AppendInput{
			TransactionID:  "key-" + counterpartyID + "-v" + strconv.FormatInt(info.Version, 10),
			CounterpartyID: counterpartyID,
			AdminID:        adminID(r),
			Action:         ledger.ActionKeyRegistered,
			Status:         ledger.StatusSuccess,
			Payload:        info,
		}); err != nil {
			h.logger.ErrorContext(ctx, "key registration audit entry not written",
				"request_id", requestID,
				"error", err,
			)
		}
	}
	httputil.WriteJSON(w, http.StatusCreated, info)
}

func (h *Handler) handleEvidenceMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	meta, err := h.evidence.Metadata(ctx, chi.URLParam(r, "transactionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, meta)
}

type reconstructRequest struct {
	ShardB string `json:"shard_b" validate:"required,base64"`
}

type reconstructResponse struct {
	TransactionID string          `json:"transaction_id"`
	Record        json.RawMessage `json:"record"`
}

func (h *Handler) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	transactionID := chi.URLParam(r, "transactionID")

	req, ok := httputil.DecodeAndPrepare[reconstructRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	shardB, err := base64.StdEncoding.DecodeString(req.ShardB)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "shard_b must be base64"))
		return
	}

	record, err := h.evidence.Reconstruct(ctx, transactionID, shardB, adminID(r))
	if err != nil {
		h.logger.WarnContext(ctx, "evidence reconstruction failed",
			"request_id", requestID,
			"transaction_id", transactionID,
			"error_code", dErrors.CodeOf(err),
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, reconstructResponse{TransactionID: transactionID, Record: record})
}
