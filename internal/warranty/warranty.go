// Package warranty verifies the compliance warranty token a counterparty
// presents with each onboarding request.
package warranty

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reliance/internal/counterparty"
	dErrors "reliance/pkg/domain-errors"
)

const (
	KYCVerified    = "VERIFIED"
	ScreeningClear = "CLEAR"
	defaultLeeway  = 30 * time.Second
)

// Warranty is the compliance assertion embedded in the token.
type Warranty struct {
	KYCStatus       string `json:"kyc_status"`
	ScreeningStatus string `json:"screening_status"`
}

// Claims is the warranty token body.
type Claims struct {
	ComplianceWarranty Warranty `json:"compliance_warranty"`
	TransactionID      string   `json:"transaction_id,omitempty"`
	jwt.RegisteredClaims
}

// KeySource resolves the keys a counterparty may currently sign with.
type KeySource interface {
	VerificationKeys(ctx context.Context, counterpartyID string) ([]counterparty.Key, error)
}

type Verifier struct {
	keys   KeySource
	logger *slog.Logger
	clock  func() time.Time
	leeway time.Duration
}

type Option func(*Verifier)

func WithClock(clock func() time.Time) Option {
	return func(v *Verifier) {
		if clock != nil {
			v.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func NewVerifier(keys KeySource, opts ...Option) *Verifier {
	v := &Verifier{keys: keys, logger: slog.Default(), clock: time.Now, leeway: defaultLeeway}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the token signature against the counterparty's registered
// keys, the issuer and the warranty claims. Key lookup failures surface as
// unavailable; every token problem is unauthorized.
func (v *Verifier) Verify(ctx context.Context, counterpartyID, token string) (*Claims, error) {
	keys, err := v.keys.VerificationKeys(ctx, counterpartyID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "no verification key registered for counterparty")
	}

	var lastErr error
	for _, key := range keys {
		claims, err := v.parse(token, counterpartyID, key)
		if err == nil {
			if err := checkWarranty(claims.ComplianceWarranty); err != nil {
				return nil, err
			}
			return claims, nil
		}
		lastErr = err
	}

	v.logger.WarnContext(ctx, "warranty token rejected",
		"counterparty_id", counterpartyID,
		"keys_tried", len(keys),
		"error", lastErr,
	)
	if errors.Is(lastErr, jwt.ErrTokenExpired) {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "warranty token has expired")
	}
	return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid warranty token")
}

func (v *Verifier) parse(token, counterpartyID string, key counterparty.Key) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return key.PublicKey, nil },
		jwt.WithValidMethods([]string{key.Algorithm}),
		jwt.WithIssuer(counterpartyID),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.clock),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

func checkWarranty(w Warranty) error {
	if w.KYCStatus != KYCVerified {
		return dErrors.New(dErrors.CodeUnauthorized, "warranty kyc_status is not VERIFIED")
	}
	if w.ScreeningStatus != ScreeningClear {
		return dErrors.New(dErrors.CodeUnauthorized, "warranty screening_status is not CLEAR")
	}
	return nil
}
