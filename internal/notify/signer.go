package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Reliance-Signature"

var ErrEmptySecret = errors.New("webhook secret is empty")

// Signer produces HMAC-SHA256 signatures over the RFC 8785 form of a payload,
// so equal payloads always carry equal signatures.
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &Signer{secret: append([]byte(nil), secret...)}, nil
}

// Sign canonicalizes payload and signs the result.
func (s *Signer) Sign(payload any) ([]byte, string, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("marshal payload: %w", err)
		}
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return canonical, s.SignCanonical(canonical), nil
}

// SignCanonical signs bytes that are already canonical.
func (s *Signer) SignCanonical(canonical []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against the canonical form of body.
func (s *Signer) Verify(body []byte, signature string) bool {
	canonical, err := jcs.Transform(body)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hmac.Equal(mac.Sum(nil), want)
}
