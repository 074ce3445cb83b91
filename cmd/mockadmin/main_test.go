package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliance/internal/notify"
	"reliance/pkg/testutil"
)

func TestMockAdminVerifiesSignatures(t *testing.T) {
	signer, err := notify.NewSigner([]byte("shared-secret"))
	require.NoError(t, err)
	admin := newAdmin(signer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(admin.routes())
	defer srv.Close()

	canonical, sig, err := signer.Sign(map[string]any{"event_type": notify.EventInvestorVerified, "member_id": "MEM-1"})
	require.NoError(t, err)
	ev := notify.OutboundEvent{
		ID:          "evt-1",
		Type:        notify.EventInvestorVerified,
		Destination: srv.URL + "/webhook",
		Payload:     canonical,
		Signature:   sig,
	}
	deliverer := notify.NewHTTPDeliverer(time.Second)

	t.Run("signed notification accepted once", func(t *testing.T) {
		require.NoError(t, deliverer.Deliver(context.Background(), ev))
		require.NoError(t, deliverer.Deliver(context.Background(), ev))

		rr := testutil.DoRequest(admin.routes(), testutil.NewRequest(t, http.MethodGet, "/events"))
		var body struct {
			Total  int `json:"total"`
			Events []struct {
				EventID string `json:"event_id"`
			} `json:"events"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, 1, body.Total)
		assert.Equal(t, "evt-1", body.Events[0].EventID)
	})

	t.Run("tampered signature rejected", func(t *testing.T) {
		bad := ev
		bad.ID = "evt-2"
		bad.Signature = strings.Repeat("0", len(sig))
		assert.ErrorIs(t, deliverer.Deliver(context.Background(), bad), notify.ErrDeliveryRejected)
	})

	t.Run("outage mode refuses valid notifications", func(t *testing.T) {
		testutil.DoRequest(admin.routes(), testutil.NewRequest(t, http.MethodPost, "/control/reject"))
		defer testutil.DoRequest(admin.routes(), testutil.NewRequest(t, http.MethodPost, "/control/accept"))

		next := ev
		next.ID = "evt-3"
		assert.ErrorIs(t, deliverer.Deliver(context.Background(), next), notify.ErrDeliveryRejected)
	})
}
