// Package counterparty tracks the public keys each counterparty signs with,
// including a transition window during rotation when the previous key is
// still accepted.
package counterparty

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"
)

// Key is one registered version of a counterparty's verification key.
type Key struct {
	CounterpartyID string           `json:"counterparty_id"`
	Version        int64            `json:"version"`
	PEM            string           `json:"-"`
	PublicKey      crypto.PublicKey `json:"-"`
	Algorithm      string           `json:"algorithm"`
}

// KeyInfo is the public view returned after registration.
type KeyInfo struct {
	CounterpartyID  string     `json:"counterparty_id"`
	Version         int64      `json:"version"`
	Algorithm       string     `json:"algorithm"`
	TransitionUntil *time.Time `json:"transition_until,omitempty"`
}

// ParsePublicKey accepts a PKIX public key or an X.509 certificate in PEM
// form and returns an RSA or ECDSA key.
func ParsePublicKey(pemText string) (crypto.PublicKey, string, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, "", fmt.Errorf("no PEM block found")
	}

	var pub any
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, "", fmt.Errorf("parse certificate: %w", err)
		}
		pub = cert.PublicKey
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, "", fmt.Errorf("parse public key: %w", err)
		}
		pub = key
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, "", fmt.Errorf("parse rsa public key: %w", err)
		}
		pub = key
	default:
		return nil, "", fmt.Errorf("unsupported PEM block %q", block.Type)
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N.BitLen() < 2048 {
			return nil, "", fmt.Errorf("rsa key too short: %d bits", k.N.BitLen())
		}
		return k, "RS256", nil
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return k, "ES256", nil
		case 384:
			return k, "ES384", nil
		case 521:
			return k, "ES512", nil
		}
		return nil, "", fmt.Errorf("unsupported ecdsa curve %s", k.Curve.Params().Name)
	default:
		return nil, "", fmt.Errorf("unsupported key type %T", pub)
	}
}
