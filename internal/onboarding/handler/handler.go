package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"reliance/internal/onboarding"
	"reliance/internal/warranty"
	dErrors "reliance/pkg/domain-errors"
	"reliance/pkg/platform/httputil"
	"reliance/pkg/requestcontext"
)

// Service is the onboarding orchestrator as seen by the transport layer.
type Service interface {
	Onboard(ctx context.Context, req onboarding.Request) (*onboarding.Result, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the onboarding route. Authentication is applied by the caller.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/onboard", h.handleOnboard)
}

type requestHeader struct {
	Timestamp     string `json:"timestamp" validate:"required"`
	BankID        string `json:"bank_id" validate:"required"`
	TransactionID string `json:"transaction_id" validate:"required"`
}

type complianceWarranty struct {
	KYCStatus       string `json:"kyc_status" validate:"required"`
	ScreeningStatus string `json:"screening_status" validate:"required"`
	WarrantyToken   string `json:"warranty_token" validate:"required"`
}

type onboardRequest struct {
	Header             requestHeader      `json:"header" validate:"required"`
	InvestorProfile    map[string]any     `json:"investor_profile" validate:"required"`
	ComplianceWarranty complianceWarranty `json:"compliance_warranty" validate:"required"`
}

// Validate rejects envelopes whose declared compliance status the signed
// token could never confirm; the token itself is verified by the service.
func (r *onboardRequest) Validate() error {
	r.Header.BankID = strings.TrimSpace(r.Header.BankID)
	r.Header.TransactionID = strings.TrimSpace(r.Header.TransactionID)
	if len(r.InvestorProfile) == 0 {
		return dErrors.New(dErrors.CodeValidation, "investor_profile must not be empty")
	}
	if r.ComplianceWarranty.KYCStatus != warranty.KYCVerified {
		return dErrors.New(dErrors.CodeValidation, "compliance_warranty.kyc_status must be VERIFIED")
	}
	if r.ComplianceWarranty.ScreeningStatus != warranty.ScreeningClear {
		return dErrors.New(dErrors.CodeValidation, "compliance_warranty.screening_status must be CLEAR")
	}
	return nil
}

func (h *Handler) handleOnboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[onboardRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.service.Onboard(ctx, onboarding.Request{
		TransactionID:   req.Header.TransactionID,
		CounterpartyID:  req.Header.BankID,
		WarrantyToken:   req.ComplianceWarranty.WarrantyToken,
		InvestorProfile: req.InvestorProfile,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "onboarding failed",
			"request_id", requestID,
			"transaction_id", req.Header.TransactionID,
			"error_code", dErrors.CodeOf(err),
			"client_ip", requestcontext.ClientIP(ctx),
			"user_agent", requestcontext.UserAgent(ctx),
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "investor onboarded",
		"request_id", requestID,
		"transaction_id", res.TransactionID,
		"manual_review_required", res.ManualReviewRequired,
		"client_ip", requestcontext.ClientIP(ctx),
		"user_agent", requestcontext.UserAgent(ctx),
	)
	httputil.WriteJSON(w, http.StatusCreated, res)
}
