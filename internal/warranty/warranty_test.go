package warranty_test

import (
	"context"
	"crypto"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliance/internal/counterparty"
	"reliance/internal/counterparty/store"
	"reliance/internal/warranty"
	dErrors "reliance/pkg/domain-errors"
	"reliance/pkg/testutil"
)

var now = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func sign(t *testing.T, method jwt.SigningMethod, key crypto.Signer, issuer string, w warranty.Warranty) string {
	t.Helper()
	token := jwt.NewWithClaims(method, warranty.Claims{
		ComplianceWarranty: w,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newVerifier(t *testing.T, pems ...string) (*warranty.Verifier, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := counterparty.NewRegistry(st, counterparty.WithClock(func() time.Time { return now }))
	for _, p := range pems {
		_, err := reg.RegisterKey(context.Background(), "bank-node", p, time.Hour)
		require.NoError(t, err)
	}
	return warranty.NewVerifier(reg, warranty.WithClock(func() time.Time { return now })), st
}

var good = warranty.Warranty{KYCStatus: warranty.KYCVerified, ScreeningStatus: warranty.ScreeningClear}

func TestVerify(t *testing.T) {
	ecKey, ecPEM := testutil.GenerateECKey(t)
	rsaKey, rsaPEM := testutil.GenerateRSAKey(t)
	otherKey, _ := testutil.GenerateECKey(t)

	v, _ := newVerifier(t, ecPEM)

	t.Run("valid ES256 token", func(t *testing.T) {
		claims, err := v.Verify(context.Background(), "bank-node", sign(t, jwt.SigningMethodES256, ecKey, "bank-node", good))
		require.NoError(t, err)
		assert.Equal(t, "bank-node", claims.Issuer)
	})

	tests := []struct {
		name  string
		token string
	}{
		{"wrong signer", sign(t, jwt.SigningMethodES256, otherKey, "bank-node", good)},
		{"wrong issuer", sign(t, jwt.SigningMethodES256, ecKey, "other-bank", good)},
		{"kyc pending", sign(t, jwt.SigningMethodES256, ecKey, "bank-node", warranty.Warranty{KYCStatus: "PENDING", ScreeningStatus: "CLEAR"})},
		{"screening hit", sign(t, jwt.SigningMethodES256, ecKey, "bank-node", warranty.Warranty{KYCStatus: "VERIFIED", ScreeningStatus: "HIT"})},
		{"algorithm mismatch", sign(t, jwt.SigningMethodRS256, rsaKey, "bank-node", good)},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), "bank-node", tt.token)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized), "got %v", err)
		})
	}

	t.Run("previous key accepted during rotation", func(t *testing.T) {
		rotated, _ := newVerifier(t, ecPEM, rsaPEM)
		_, err := rotated.Verify(context.Background(), "bank-node", sign(t, jwt.SigningMethodES256, ecKey, "bank-node", good))
		require.NoError(t, err)
		_, err = rotated.Verify(context.Background(), "bank-node", sign(t, jwt.SigningMethodRS256, rsaKey, "bank-node", good))
		require.NoError(t, err)
	})
}

func TestVerifyWithoutRegisteredKey(t *testing.T) {
	v, _ := newVerifier(t)
	_, err := v.Verify(context.Background(), "bank-node", "x.y.z")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestVerifyKeyStoreDown(t *testing.T) {
	_, ecPEM := testutil.GenerateECKey(t)
	v, st := newVerifier(t, ecPEM)
	st.FailWith(assert.AnError)

	_, err := v.Verify(context.Background(), "bank-node", "x.y.z")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnavailable))
}
