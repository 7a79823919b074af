package secrets

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("ftp-password-123"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "ftp-password-123")

	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ftp-password-123", string(plain))
}

func TestSealProducesFreshNonce(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	a, err := c.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := c.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, hex.EncodeToString(a), hex.EncodeToString(b))
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = c.Open(sealed)
	assert.Error(t, err)
}

func TestOpenRejectsShortCiphertext(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	_, err = c.Open([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestNewCipherRejectsBadKeys(t *testing.T) {
	_, err := NewCipher("")
	assert.ErrorIs(t, err, ErrKeyMissing)

	_, err = NewCipher("not-hex")
	assert.ErrorIs(t, err, ErrKeyMissing)

	_, err = NewCipher("00ff")
	assert.ErrorIs(t, err, ErrKeyMissing)
}
