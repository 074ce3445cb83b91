package liveness

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reliance/internal/counterparty"
)

// AccessConfirmed is the status a healthy counterparty answers with.
const AccessConfirmed = "ACCESS_CONFIRMED"

const challengeBytes = 32

var (
	ErrUnexpectedStatus = errors.New("liveness endpoint returned unexpected status")
	ErrNotConfirmed     = errors.New("liveness endpoint did not confirm access")
	ErrInvalidProof     = errors.New("liveness proof failed verification")
)

// KeySource resolves the counterparty's verification keys.
type KeySource interface {
	VerificationKeys(ctx context.Context, counterpartyID string) ([]counterparty.Key, error)
}

type challengeRequest struct {
	Challenge string `json:"challenge"`
	FundID    string `json:"fund_id,omitempty"`
	IssuedAt  string `json:"issued_at"`
}

type challengeResponse struct {
	Status string `json:"status"`
	Proof  string `json:"proof,omitempty"`
}

type proofClaims struct {
	Challenge string `json:"challenge"`
	jwt.RegisteredClaims
}

// HTTPProber POSTs a random challenge to the counterparty heartbeat endpoint.
// With proof keys configured the answer must carry a JWT signed by one of the
// counterparty's registered keys that echoes the challenge.
type HTTPProber struct {
	url            string
	counterpartyID string
	fundID         string
	client         *http.Client
	keys           KeySource
	clock          func() time.Time
	random         io.Reader
}

type ProberOption func(*HTTPProber)

func WithHTTPClient(c *http.Client) ProberOption {
	return func(p *HTTPProber) {
		if c != nil {
			p.client = c
		}
	}
}

func WithProofKeys(keys KeySource) ProberOption {
	return func(p *HTTPProber) { p.keys = keys }
}

func WithFundID(fundID string) ProberOption {
	return func(p *HTTPProber) { p.fundID = fundID }
}

func WithProberClock(clock func() time.Time) ProberOption {
	return func(p *HTTPProber) {
		if clock != nil {
			p.clock = clock
		}
	}
}

func NewHTTPProber(url, counterpartyID string, opts ...ProberOption) *HTTPProber {
	p := &HTTPProber{
		url:            url,
		counterpartyID: counterpartyID,
		client:         &http.Client{},
		clock:          time.Now,
		random:         rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe performs a single request. The caller bounds it with ctx.
func (p *HTTPProber) Probe(ctx context.Context) error {
	nonce := make([]byte, challengeBytes)
	if _, err := io.ReadFull(p.random, nonce); err != nil {
		return fmt.Errorf("generate challenge: %w", err)
	}
	challenge := hex.EncodeToString(nonce)

	body, err := json.Marshal(challengeRequest{
		Challenge: challenge,
		FundID:    p.fundID,
		IssuedAt:  p.clock().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build liveness request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("liveness request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var out challengeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return fmt.Errorf("decode liveness response: %w", err)
	}
	if out.Status != AccessConfirmed {
		return fmt.Errorf("%w: status %q", ErrNotConfirmed, out.Status)
	}
	if p.keys == nil {
		return nil
	}
	return p.verifyProof(ctx, out.Proof, challenge)
}

// verifyProof requires a signed echo of the challenge once the counterparty
// has a registered key. Until then ACCESS_CONFIRMED alone is accepted.
func (p *HTTPProber) verifyProof(ctx context.Context, proof, challenge string) error {
	keys, err := p.keys.VerificationKeys(ctx, p.counterpartyID)
	if err != nil {
		return fmt.Errorf("load verification keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if proof == "" {
		return fmt.Errorf("%w: missing proof", ErrInvalidProof)
	}
	for _, key := range keys {
		claims := &proofClaims{}
		_, err := jwt.ParseWithClaims(proof, claims,
			func(*jwt.Token) (any, error) { return key.PublicKey, nil },
			jwt.WithValidMethods([]string{key.Algorithm}),
			jwt.WithIssuer(p.counterpartyID),
			jwt.WithTimeFunc(p.clock),
			jwt.WithLeeway(30*time.Second),
		)
		if err == nil && claims.Challenge == challenge {
			return nil
		}
	}
	return ErrInvalidProof
}
