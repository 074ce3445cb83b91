// Package vault seals records under a one-time AES-256-GCM key and splits
// that key into two XOR shards held by different custodians. Neither shard
// alone reveals anything about the key; both are needed to reconstruct.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var vaultOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reliance_vault_operations_total",
	Help: "Vault seal and reconstruct operations by outcome",
}, []string{"operation", "outcome"})

// SealedRecord is the output of Encrypt. ShardA stays with the issuing side,
// ShardB goes to the requester; the two must never be stored together.
type SealedRecord struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
	ShardA     []byte
	ShardB     []byte
}

// keyMaterial is the only place the assembled key lives.
type keyMaterial [KeySize]byte

func (k *keyMaterial) wipe() {
	for i := range k {
		k[i] = 0
	}
}

// Vault encrypts and reconstructs records. The zero value is not usable; use New.
type Vault struct {
	random io.Reader
}

type Option func(*Vault)

// WithRandom overrides the entropy source. Tests only.
func WithRandom(r io.Reader) Option {
	return func(v *Vault) {
		if r != nil {
			v.random = r
		}
	}
}

func New(opts ...Option) *Vault {
	v := &Vault{random: rand.Reader}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Encrypt serializes record as JSON and seals it under a fresh key and nonce.
// A json.RawMessage or []byte record is sealed as-is.
func (v *Vault) Encrypt(record any) (*SealedRecord, error) {
	plaintext, err := serialize(record)
	if err != nil {
		vaultOps.WithLabelValues("encrypt", "error").Inc()
		return nil, err
	}
	sealed, err := v.seal(plaintext)
	if err != nil {
		vaultOps.WithLabelValues("encrypt", "error").Inc()
		return nil, err
	}
	vaultOps.WithLabelValues("encrypt", "ok").Inc()
	return sealed, nil
}

func (v *Vault) seal(plaintext []byte) (*SealedRecord, error) {
	var key keyMaterial
	defer key.wipe()
	if _, err := io.ReadFull(v.random, key[:]); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	shardA := make([]byte, KeySize)
	if _, err := io.ReadFull(v.random, shardA); err != nil {
		return nil, fmt.Errorf("generate shard: %w", err)
	}
	shardB := make([]byte, KeySize)
	subtle.XORBytes(shardB, key[:], shardA)

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(v.random, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := newGCM(&key)
	if err != nil {
		return nil, err
	}
	out := aead.Seal(nil, nonce, plaintext, nil)
	split := len(out) - TagSize

	return &SealedRecord{
		Ciphertext: out[:split:split],
		Nonce:      nonce,
		Tag:        out[split:],
		ShardA:     shardA,
		ShardB:     shardB,
	}, nil
}

// Reconstruct recombines the shards and opens the record. The assembled key
// is wiped on every return path.
func (v *Vault) Reconstruct(ciphertext, nonce, tag, shardA, shardB []byte) (json.RawMessage, error) {
	plaintext, err := open(ciphertext, nonce, tag, shardA, shardB)
	if err != nil {
		vaultOps.WithLabelValues("reconstruct", "error").Inc()
		return nil, err
	}
	vaultOps.WithLabelValues("reconstruct", "ok").Inc()
	return json.RawMessage(plaintext), nil
}

// ReconstructInto is Reconstruct followed by json.Unmarshal into out.
func (v *Vault) ReconstructInto(ciphertext, nonce, tag, shardA, shardB []byte, out any) error {
	raw, err := v.Reconstruct(ciphertext, nonce, tag, shardA, shardB)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &DecryptionError{Reason: ReasonMalformedCiphertext, Err: err}
	}
	return nil
}

func open(ciphertext, nonce, tag, shardA, shardB []byte) ([]byte, error) {
	if len(shardA) != KeySize || len(shardB) != KeySize {
		return nil, &DecryptionError{Reason: ReasonShardLength}
	}
	if len(nonce) != NonceSize {
		return nil, &DecryptionError{Reason: ReasonNonceLength}
	}
	if len(tag) != TagSize || len(ciphertext) == 0 {
		return nil, &DecryptionError{Reason: ReasonMalformedCiphertext}
	}

	var key keyMaterial
	defer key.wipe()
	subtle.XORBytes(key[:], shardA, shardB)

	aead, err := newGCM(&key)
	if err != nil {
		return nil, &DecryptionError{Reason: ReasonMalformedCiphertext, Err: err}
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &DecryptionError{Reason: ReasonTagMismatch, Err: err}
	}
	return plaintext, nil
}

func newGCM(key *keyMaterial) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}

func serialize(record any) ([]byte, error) {
	switch r := record.(type) {
	case nil:
		return nil, fmt.Errorf("vault: nil record")
	case json.RawMessage:
		return nonEmpty(r)
	case []byte:
		return nonEmpty(r)
	}
	b, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("serialize record: %w", err)
	}
	return b, nil
}

// nonEmpty rejects pre-serialized records with nothing to seal; an empty
// ciphertext could never be reconstructed.
func nonEmpty(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("vault: empty record")
	}
	return b, nil
}
