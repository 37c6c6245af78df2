package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenKeyVault_EmptyPassphrase(t *testing.T) {
	_, err := OpenKeyVault(t.TempDir(), nil)
	assert.Error(t, err)
}

func TestKeyVault_SealOpenRoundTrip(t *testing.T) {
	v, err := OpenKeyVault(t.TempDir(), []byte("correct horse"))
	require.NoError(t, err)

	secret := []byte("very private key material")
	blob, err := v.Seal(secret)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "private key material")

	recovered, err := v.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, secret, recovered)
}

func TestKeyVault_SaltPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	pass := []byte("stable passphrase")

	first, err := OpenKeyVault(dir, pass)
	require.NoError(t, err)
	blob, err := first.Seal([]byte("survives restart"))
	require.NoError(t, err)

	second, err := OpenKeyVault(dir, pass)
	require.NoError(t, err)
	recovered, err := second.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives restart"), recovered)

	_, err = os.Stat(filepath.Join(dir, ".salt"))
	assert.NoError(t, err)
}

func TestKeyVault_WrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()

	v, err := OpenKeyVault(dir, []byte("right"))
	require.NoError(t, err)
	blob, err := v.Seal([]byte("secret"))
	require.NoError(t, err)

	wrong, err := OpenKeyVault(dir, []byte("wrong"))
	require.NoError(t, err)
	_, err = wrong.Open(blob)
	assert.Error(t, err)
}

func TestKeyVault_TamperedBlobFails(t *testing.T) {
	v, err := OpenKeyVault(t.TempDir(), []byte("pass"))
	require.NoError(t, err)

	blob, err := v.Seal([]byte("secret"))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff

	_, err = v.Open(blob)
	assert.Error(t, err)
}

func TestKeyVault_RejectsShortAndVersionedBlobs(t *testing.T) {
	v, err := OpenKeyVault(t.TempDir(), []byte("pass"))
	require.NoError(t, err)

	_, err = v.Open([]byte{0x00, 0x01})
	assert.Error(t, err)

	blob, err := v.Seal([]byte("secret"))
	require.NoError(t, err)
	blob[1] = 0x7f

	_, err = v.Open(blob)
	assert.Error(t, err)
}
