package identity

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	assert.False(t, isZeroKey(id.PublicKey), "public key should not be zero")
	assert.False(t, isZeroKey(id.PrivateKey), "private key should not be zero")
	assert.Len(t, id.SessionID(), SessionIDLength)
	assert.True(t, ValidateSessionID(id.SessionID()))
}

func TestGenerate_DistinctIdentities(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	assert.NotEqual(t, a.SessionID(), b.SessionID())
	assert.NotEqual(t, a.PublicKey, b.PublicKey)
}

func TestFromSecretKey(t *testing.T) {
	original, err := Generate()
	require.NoError(t, err)

	restored, err := FromSecretKey(original.PrivateKey)
	require.NoError(t, err)

	assert.Equal(t, original.PublicKey, restored.PublicKey)
	assert.Equal(t, original.SessionID(), restored.SessionID())
}

func TestFromSecretKey_ZeroKey(t *testing.T) {
	var zero [32]byte
	_, err := FromSecretKey(zero)
	assert.Error(t, err)
}

func TestDeriveSessionID_Deterministic(t *testing.T) {
	var publicKey [32]byte
	for i := 0; i < 32; i++ {
		publicKey[i] = byte(i)
	}

	first := DeriveSessionID(publicKey)
	second := DeriveSessionID(publicKey)

	assert.Equal(t, first, second)
	assert.Len(t, first, SessionIDLength)
}

func TestValidateSessionID(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	valid := id.SessionID()

	testCases := []struct {
		name string
		in   string
		want bool
	}{
		{"valid", valid, true},
		{"empty", "", false},
		{"too short", valid[:SessionIDLength-1], false},
		{"too long", valid + "00", false},
		{"non-hex charset", strings.Repeat("z", SessionIDLength), false},
		{"uppercase rejected", strings.ToUpper(valid), false},
		{"corrupted checksum", valid[:SessionIDLength-4] + flipHexDigits(valid[SessionIDLength-4:]), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ValidateSessionID(tc.in))
		})
	}
}

func TestValidateSessionID_CorruptedBody(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	valid := id.SessionID()

	// Flipping a digest character must break the checksum.
	corrupted := flipHexDigits(valid[:2]) + valid[2:]
	assert.False(t, ValidateSessionID(corrupted))
}

func TestIdentity_MarshalJSON_OmitsPrivateKey(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	data, err := json.Marshal(id)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Contains(t, decoded, "public_key")
	assert.Contains(t, decoded, "session_id")
	assert.NotContains(t, decoded, "private_key")
	assert.NotContains(t, string(data), "PrivateKey")
}

// flipHexDigits maps every hex digit to a different valid hex digit.
func flipHexDigits(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c == 'f' || c == '9' {
			out[i] = '0'
		} else {
			out[i] = 'f'
		}
	}
	return string(out)
}
