package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

const (
	// RedactedMarker replaces secret values.
	RedactedMarker = "[REDACTED]"
	// HashTypeSuffix names the marker field written next to a hashed PII value.
	HashTypeSuffix = "_hash_type"
	hashTypeSHA256 = "SHA256"
)

type fieldRule int

const (
	ruleHash fieldRule = iota + 1
	ruleRedact
)

// fieldPolicy is matched on exact key names at every depth.
var fieldPolicy = map[string]fieldRule{
	// ISO 20022 party identification
	"FrstNm":    ruleHash,
	"Srnm":      ruleHash,
	"DtOfBirth": ruleHash,
	"Id":        ruleHash,
	// investor profile
	"legal_name":    ruleHash,
	"given_name":    ruleHash,
	"surname":       ruleHash,
	"date_of_birth": ruleHash,
	"tin":           ruleHash,
	"tax_id":        ruleHash,

	"warranty_token": ruleRedact,
	"warrantyToken":  ruleRedact,
	"token":          ruleRedact,
	"password":       ruleRedact,
	"secret":         ruleRedact,
	"shard_a":        ruleRedact,
	"shard_b":        ruleRedact,
	"shardA":         ruleRedact,
	"shardB":         ruleRedact,
	"encrypted_blob": ruleRedact,
	"ciphertext":     ruleRedact,
	"auth_tag":       ruleRedact,
	"authTag":        ruleRedact,
	"iv":             ruleRedact,
	"nonce":          ruleRedact,
}

// IsPIIField reports whether key is hashed by Sanitize.
func IsPIIField(key string) bool { return fieldPolicy[key] == ruleHash }

// IsSecretField reports whether key is redacted by Sanitize.
func IsSecretField(key string) bool { return fieldPolicy[key] == ruleRedact }

// Sanitize returns a copy of v with PII values replaced by their SHA-256 hex
// digest (plus a "<key>_hash_type" marker) and secret values replaced by
// RedactedMarker. Typed values are first normalized to a generic JSON tree;
// a value that cannot be serialized is redacted whole.
func Sanitize(v any) any {
	tree, err := toTree(v)
	if err != nil {
		return RedactedMarker
	}
	return sanitizeValue(tree)
}

func sanitizeValue(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for key, child := range node {
			switch fieldPolicy[key] {
			case ruleHash:
				out[key] = hashValue(child)
				out[key+HashTypeSuffix] = hashTypeSHA256
			case ruleRedact:
				out[key] = RedactedMarker
			default:
				if _, taken := out[key]; !taken {
					out[key] = sanitizeValue(child)
				}
			}
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = sanitizeValue(child)
		}
		return out
	default:
		return v
	}
}

// hashValue digests the string form of a scalar, or the canonical JSON of a
// composite value.
func hashValue(v any) string {
	var text []byte
	switch val := v.(type) {
	case string:
		text = []byte(val)
	case json.Number:
		text = []byte(val.String())
	case nil:
		text = []byte("null")
	default:
		raw, err := json.Marshal(val)
		if err == nil {
			if canon, cerr := jcs.Transform(raw); cerr == nil {
				raw = canon
			}
		}
		text = raw
	}
	sum := sha256.Sum256(text)
	return hex.EncodeToString(sum[:])
}

// toTree converts v into map[string]any / []any / scalar form, keeping
// numbers as json.Number so no precision is lost.
func toTree(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, json.Number:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
