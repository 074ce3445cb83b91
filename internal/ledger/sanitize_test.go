package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestSanitize(t *testing.T) {
	in := map[string]any{
		"transaction_id": "tx-1",
		"Dbtr": map[string]any{
			"Nm": map[string]any{"FrstNm": "Jane", "Srnm": "Doe"},
			"PrvtId": map[string]any{
				"DtOfBirth": "1980-02-01",
				"Othr":      []any{map[string]any{"Id": 123456}},
			},
		},
		"warranty_token": "eyJhbGciOi...",
		"shard_b":        "deadbeef",
		"amount":         12.50,
		"tags":           []any{"a", map[string]any{"password": "hunter2"}},
		"tin":            nil,
	}

	out, ok := Sanitize(in).(map[string]any)
	require.True(t, ok)

	assert.Equal(t, "tx-1", out["transaction_id"])
	assert.Equal(t, RedactedMarker, out["warranty_token"])
	assert.Equal(t, RedactedMarker, out["shard_b"])
	assert.Equal(t, "12.5", out["amount"].(interface{ String() string }).String())

	name := out["Dbtr"].(map[string]any)["Nm"].(map[string]any)
	assert.Equal(t, sha("Jane"), name["FrstNm"])
	assert.Equal(t, "SHA256", name["FrstNm_hash_type"])
	assert.Equal(t, sha("Doe"), name["Srnm"])

	prvt := out["Dbtr"].(map[string]any)["PrvtId"].(map[string]any)
	assert.Equal(t, sha("1980-02-01"), prvt["DtOfBirth"])
	othr := prvt["Othr"].([]any)[0].(map[string]any)
	assert.Equal(t, sha("123456"), othr["Id"])
	assert.Equal(t, "SHA256", othr["Id_hash_type"])

	tags := out["tags"].([]any)
	assert.Equal(t, "a", tags[0])
	assert.Equal(t, RedactedMarker, tags[1].(map[string]any)["password"])

	assert.Equal(t, sha("null"), out["tin"])

	// input untouched
	assert.Equal(t, "Jane", in["Dbtr"].(map[string]any)["Nm"].(map[string]any)["FrstNm"])
}

func TestSanitizeStruct(t *testing.T) {
	type profile struct {
		GivenName string `json:"given_name"`
		Country   string `json:"country"`
		Token     string `json:"token"`
	}

	out := Sanitize(profile{GivenName: "Ada", Country: "GB", Token: "t"}).(map[string]any)
	assert.Equal(t, sha("Ada"), out["given_name"])
	assert.Equal(t, "GB", out["country"])
	assert.Equal(t, RedactedMarker, out["token"])
}

func TestSanitizeScalarsPassThrough(t *testing.T) {
	assert.Equal(t, "plain", Sanitize("plain"))
	assert.Nil(t, Sanitize(nil))
	assert.Equal(t, true, Sanitize(true))
}

func TestSanitizeUnserializableIsRedacted(t *testing.T) {
	assert.Equal(t, RedactedMarker, Sanitize(map[string]any{"ch": make(chan int)}))
}

func TestSanitizeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	piiKeys := []any{"FrstNm", "Srnm", "DtOfBirth", "Id", "legal_name", "given_name", "surname", "date_of_birth", "tin", "tax_id"}
	secretKeys := []any{"warranty_token", "warrantyToken", "token", "password", "secret", "shard_a", "shard_b", "encrypted_blob", "ciphertext", "auth_tag", "iv", "nonce"}

	properties.Property("PII values become 64-hex digests at any depth", prop.ForAll(
		func(key string, value string, depth int) bool {
			var payload any = map[string]any{key: value}
			for i := 0; i < depth; i++ {
				payload = map[string]any{"wrapper": []any{payload}}
			}
			node := Sanitize(payload)
			for i := 0; i < depth; i++ {
				node = node.(map[string]any)["wrapper"].([]any)[0]
			}
			m := node.(map[string]any)
			digest, _ := m[key].(string)
			return hexDigest.MatchString(digest) && digest == sha(value) && m[key+HashTypeSuffix] == "SHA256"
		},
		gen.OneConstOf(piiKeys...).Map(func(v string) string { return v }),
		gen.AnyString(),
		gen.IntRange(0, 4),
	))

	properties.Property("secret values become the redaction marker", prop.ForAll(
		func(key string, value string) bool {
			m := Sanitize(map[string]any{key: value, "other": value}).(map[string]any)
			return m[key] == RedactedMarker && m["other"] == value
		},
		gen.OneConstOf(secretKeys...).Map(func(v string) string { return v }),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
