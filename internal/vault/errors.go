package vault

import "fmt"

// Reasons a reconstruction can fail. They are stable and safe to surface.
const (
	ReasonShardLength         = "shard_length"
	ReasonNonceLength         = "nonce_length"
	ReasonTagMismatch         = "tag_mismatch"
	ReasonMalformedCiphertext = "malformed_ciphertext"
)

// DecryptionError reports why a sealed record could not be opened.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }
