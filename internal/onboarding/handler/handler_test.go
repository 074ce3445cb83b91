package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliance/internal/onboarding"
	"reliance/internal/onboarding/handler"
	dErrors "reliance/pkg/domain-errors"
	"reliance/pkg/platform/middleware/metadata"
	"reliance/pkg/testutil"
)

type stubService struct {
	got    onboarding.Request
	called bool
	err    error
}

func (s *stubService) Onboard(_ context.Context, req onboarding.Request) (*onboarding.Result, error) {
	s.called = true
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return &onboarding.Result{
		TransactionID: req.TransactionID,
		Status:        onboarding.StatusVerifiedAndSynced,
		ShardB:        "c2hhcmQtYg==",
		AdminHandoff:  onboarding.HandoffInitiated,
		TrustState:    "ACTIVE",
	}, nil
}

func newRouter(svc *stubService) http.Handler {
	r := chi.NewRouter()
	handler.New(svc, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(r)
	return r
}

func body() map[string]any {
	return map[string]any{
		"header": map[string]any{
			"timestamp":      "2026-07-01T12:00:00Z",
			"bank_id":        "bank-node",
			"transaction_id": "tx-1",
		},
		"investor_profile": map[string]any{"legal_name": "Ada Lovelace"},
		"compliance_warranty": map[string]any{
			"kyc_status":       "VERIFIED",
			"screening_status": "CLEAR",
			"warranty_token":   "jwt",
		},
	}
}

func TestOnboardEndpoint(t *testing.T) {
	t.Run("created with shard B", func(t *testing.T) {
		svc := &stubService{}
		rr := testutil.DoRequest(newRouter(svc), testutil.NewJSONRequest(t, http.MethodPost, "/v1/onboard", body()))
		require.Equal(t, http.StatusCreated, rr.Code)
		testutil.AssertJSONContains(t, rr, "transactionId", "tx-1")
		testutil.AssertJSONContains(t, rr, "status", onboarding.StatusVerifiedAndSynced)
		testutil.AssertJSONContains(t, rr, "shard_b", "c2hhcmQtYg==")
		assert.Equal(t, "bank-node", svc.got.CounterpartyID)
		assert.Equal(t, "jwt", svc.got.WarrantyToken)
	})

	t.Run("malformed json", func(t *testing.T) {
		svc := &stubService{}
		rr := testutil.DoRequest(newRouter(svc), testutil.NewRequestWithBody(t, http.MethodPost, "/v1/onboard", "{"))
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")
		assert.False(t, svc.called)
	})

	invalid := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing header", func(b map[string]any) { delete(b, "header") }},
		{"missing warranty token", func(b map[string]any) {
			b["compliance_warranty"].(map[string]any)["warranty_token"] = ""
		}},
		{"kyc not verified", func(b map[string]any) {
			b["compliance_warranty"].(map[string]any)["kyc_status"] = "PENDING"
		}},
		{"empty profile", func(b map[string]any) { b["investor_profile"] = map[string]any{} }},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			b := body()
			tt.mutate(b)
			rr := testutil.DoRequest(newRouter(svc), testutil.NewJSONRequest(t, http.MethodPost, "/v1/onboard", b))
			testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "validation_error")
			assert.False(t, svc.called)
		})
	}

	failures := []struct {
		code   dErrors.Code
		status int
	}{
		{dErrors.CodeCredentialRevoked, http.StatusUnauthorized},
		{dErrors.CodeUnauthorized, http.StatusUnauthorized},
		{dErrors.CodeSuspended, http.StatusServiceUnavailable},
		{dErrors.CodeRevocationUnavailable, http.StatusServiceUnavailable},
		{dErrors.CodeAuditUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range failures {
		t.Run(string(tt.code), func(t *testing.T) {
			svc := &stubService{err: dErrors.New(tt.code, "rejected")}
			rr := testutil.DoRequest(newRouter(svc), testutil.NewJSONRequest(t, http.MethodPost, "/v1/onboard", body()))
			testutil.AssertStatusAndError(t, rr, tt.status, string(tt.code))
		})
	}
}

func TestOnboardLogsClientMetadata(t *testing.T) {
	var logs bytes.Buffer
	r := chi.NewRouter()
	r.Use(metadata.ClientMetadata)
	handler.New(&stubService{}, slog.New(slog.NewJSONHandler(&logs, nil))).Register(r)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/v1/onboard", body())
	req.Header.Set("User-Agent", "bank-node/2.1")
	req.RemoteAddr = "10.1.2.3:4567"
	rr := testutil.DoRequest(r, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(logs.Bytes()), &line), logs.String())
	assert.Equal(t, "investor onboarded", line["msg"])
	assert.Equal(t, "bank-node/2.1", line["user_agent"])
	assert.Equal(t, "10.1.2.3", line["client_ip"])
}
