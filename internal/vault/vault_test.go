package vault

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptReconstructDoe(t *testing.T) {
	v := New()

	sealed, err := v.Encrypt(map[string]string{"name": "Doe"})
	require.NoError(t, err)

	assert.Len(t, sealed.Nonce, NonceSize)
	assert.Len(t, sealed.Tag, TagSize)
	assert.Len(t, sealed.ShardA, KeySize)
	assert.Len(t, sealed.ShardB, KeySize)
	assert.NotEqual(t, sealed.ShardA, sealed.ShardB)

	raw, err := v.Reconstruct(sealed.Ciphertext, sealed.Nonce, sealed.Tag, sealed.ShardA, sealed.ShardB)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Doe"}`, string(raw))

	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, v.ReconstructInto(sealed.Ciphertext, sealed.Nonce, sealed.Tag, sealed.ShardA, sealed.ShardB, &out))
	assert.Equal(t, "Doe", out.Name)
}

func TestReconstructFailures(t *testing.T) {
	v := New()
	sealed, err := v.Encrypt(json.RawMessage(`{"name":"Doe"}`))
	require.NoError(t, err)

	wrongShard := bytes.Repeat([]byte{0x42}, KeySize)
	flipped := append([]byte(nil), sealed.Ciphertext...)
	flipped[0] ^= 0x01
	badTag := append([]byte(nil), sealed.Tag...)
	badTag[TagSize-1] ^= 0x80

	tests := []struct {
		name       string
		ciphertext []byte
		nonce      []byte
		tag        []byte
		shardA     []byte
		shardB     []byte
		reason     string
	}{
		{"shard A alone", sealed.Ciphertext, sealed.Nonce, sealed.Tag, sealed.ShardA, make([]byte, KeySize), ReasonTagMismatch},
		{"wrong shard B", sealed.Ciphertext, sealed.Nonce, sealed.Tag, sealed.ShardA, wrongShard, ReasonTagMismatch},
		{"short shard", sealed.Ciphertext, sealed.Nonce, sealed.Tag, sealed.ShardA[:16], sealed.ShardB, ReasonShardLength},
		{"long shard", sealed.Ciphertext, sealed.Nonce, sealed.Tag, sealed.ShardA, append(sealed.ShardB, 0), ReasonShardLength},
		{"tampered ciphertext", flipped, sealed.Nonce, sealed.Tag, sealed.ShardA, sealed.ShardB, ReasonTagMismatch},
		{"tampered tag", sealed.Ciphertext, sealed.Nonce, badTag, sealed.ShardA, sealed.ShardB, ReasonTagMismatch},
		{"truncated tag", sealed.Ciphertext, sealed.Nonce, sealed.Tag[:8], sealed.ShardA, sealed.ShardB, ReasonMalformedCiphertext},
		{"empty ciphertext", nil, sealed.Nonce, sealed.Tag, sealed.ShardA, sealed.ShardB, ReasonMalformedCiphertext},
		{"bad nonce", sealed.Ciphertext, sealed.Nonce[:8], sealed.Tag, sealed.ShardA, sealed.ShardB, ReasonNonceLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Reconstruct(tt.ciphertext, tt.nonce, tt.tag, tt.shardA, tt.shardB)
			var derr *DecryptionError
			require.True(t, errors.As(err, &derr), "expected DecryptionError, got %v", err)
			assert.Equal(t, tt.reason, derr.Reason)
		})
	}
}

func TestEncryptFreshMaterialPerCall(t *testing.T) {
	v := New()
	a, err := v.Encrypt("same")
	require.NoError(t, err)
	b, err := v.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.ShardA, b.ShardA)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestEncryptRejectsRecordsThatCannotRoundTrip(t *testing.T) {
	for name, record := range map[string]any{
		"nil":            nil,
		"empty raw json": json.RawMessage{},
		"empty bytes":    []byte{},
		"nil raw json":   json.RawMessage(nil),
	} {
		t.Run(name, func(t *testing.T) {
			sealed, err := New().Encrypt(record)
			assert.Error(t, err)
			assert.Nil(t, sealed)
		})
	}

	t.Run("smallest json value round-trips", func(t *testing.T) {
		sealed, err := New().Encrypt(json.RawMessage(`0`))
		require.NoError(t, err)
		out, err := New().Reconstruct(sealed.Ciphertext, sealed.Nonce, sealed.Tag, sealed.ShardA, sealed.ShardB)
		require.NoError(t, err)
		assert.JSONEq(t, `0`, string(out))
	})
}

func TestEncryptSurfacesEntropyFailure(t *testing.T) {
	v := New(WithRandom(bytes.NewReader(make([]byte, 10))))
	_, err := v.Encrypt("x")
	assert.Error(t, err)
}

func TestKeyMaterialWipe(t *testing.T) {
	var k keyMaterial
	for i := range k {
		k[i] = 0xff
	}
	k.wipe()
	assert.Equal(t, keyMaterial{}, k)
}

func TestVaultProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	v := New()

	properties.Property("reconstruct(encrypt(r)) == r", prop.ForAll(
		func(name, tin string) bool {
			record := map[string]string{"name": name, "tin": tin}
			sealed, err := v.Encrypt(record)
			if err != nil {
				return false
			}
			var out map[string]string
			if err := v.ReconstructInto(sealed.Ciphertext, sealed.Nonce, sealed.Tag, sealed.ShardA, sealed.ShardB, &out); err != nil {
				return false
			}
			return out["name"] == name && out["tin"] == tin
		},
		gen.AnyString(),
		gen.AlphaString(),
	))

	properties.Property("either shard alone fails", prop.ForAll(
		func(payload []byte) bool {
			if len(payload) == 0 {
				return true
			}
			sealed, err := v.Encrypt(payload)
			if err != nil {
				return false
			}
			zero := make([]byte, KeySize)
			_, errA := v.Reconstruct(sealed.Ciphertext, sealed.Nonce, sealed.Tag, sealed.ShardA, zero)
			_, errB := v.Reconstruct(sealed.Ciphertext, sealed.Nonce, sealed.Tag, zero, sealed.ShardB)
			return errA != nil && errB != nil && !bytes.Equal(sealed.ShardA, sealed.ShardB)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
