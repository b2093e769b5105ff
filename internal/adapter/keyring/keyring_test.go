package keyring

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefold/engsync/internal/domain"
)

func testKey(t *testing.T) string {
	t.Helper()
	return hex.EncodeToString(make([]byte, 32))
}

func TestSealOpenRoundTrip(t *testing.T) {
	kr, err := New(testKey(t))
	require.NoError(t, err)

	sealed, err := kr.Seal([]byte("api-token-123"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "api-token-123")

	plain, err := kr.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "api-token-123", string(plain))

	// Fresh nonce per Seal.
	sealed2, err := kr.Seal([]byte("api-token-123"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestOpen_WrongKey(t *testing.T) {
	kr1, err := New(testKey(t))
	require.NoError(t, err)
	key2 := make([]byte, 32)
	key2[0] = 1
	kr2, err := New(hex.EncodeToString(key2))
	require.NoError(t, err)

	sealed, err := kr1.Seal([]byte("secret"))
	require.NoError(t, err)
	_, err = kr2.Open(sealed)
	assert.ErrorIs(t, err, domain.ErrAuthFailure)
}

func TestOpen_TruncatedBlob(t *testing.T) {
	kr, err := New(testKey(t))
	require.NoError(t, err)
	_, err = kr.Open([]byte("short"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestNew_BadKey(t *testing.T) {
	_, err := New("zz")
	assert.Error(t, err)
	_, err = New(hex.EncodeToString(make([]byte, 16)))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
