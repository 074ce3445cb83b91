package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"reliance/internal/ledger"
	"reliance/internal/revocation"
	"reliance/pkg/platform/httputil"
	"reliance/pkg/requestcontext"
)

// Service is the revocation registry as seen by the transport layer.
type Service interface {
	Revoke(ctx context.Context, token string) error
	Count(ctx context.Context) (int64, error)
}

// Auditor records revocations on the audit ledger.
type Auditor interface {
	Append(ctx context.Context, in ledger.AppendInput) (ledger.Entry, error)
}

type Handler struct {
	service Service
	auditor Auditor
	logger  *slog.Logger
}

type Option func(*Handler)

func WithAuditor(a Auditor) Option {
	return func(h *Handler) { h.auditor = a }
}

func New(service Service, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{service: service, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the revocation routes. Authentication is applied by the caller.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/revoke", h.handleRevoke)
}

type revokeRequest struct {
	Token string `json:"token" validate:"required"`
}

type revokeResponse struct {
	Status       string `json:"status"`
	TotalRevoked int64  `json:"total_revoked"`
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[revokeRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	if err := h.service.Revoke(ctx, req.Token); err != nil {
		h.logger.ErrorContext(ctx, "failed to revoke token",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.audit(ctx, req.Token)

	total, err := h.service.Count(ctx)
	if err != nil {
		// the revocation itself was acknowledged; only the count is unknown
		h.logger.WarnContext(ctx, "failed to count revoked tokens",
			"request_id", requestID,
			"error", err,
		)
		total = -1
	}

	httputil.WriteJSON(w, http.StatusOK, revokeResponse{Status: "revoked", TotalRevoked: total})
}

// audit records the fingerprint only; the ledger redacts the token itself.
func (h *Handler) audit(ctx context.Context, token string) {
	if h.auditor == nil {
		return
	}
	fp := revocation.Fingerprint(token)
	if _, err := h.auditor.Append(ctx, ledger.AppendInput{
		TransactionID:  "revoke-" + fp[:16],
		CounterpartyID: requestcontext.Principal(ctx),
		Action:         ledger.ActionRevoke,
		Status:         ledger.StatusSuccess,
		Payload:        map[string]any{"fingerprint": fp},
	}); err != nil {
		h.logger.ErrorContext(ctx, "revocation audit entry not written",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}
}
