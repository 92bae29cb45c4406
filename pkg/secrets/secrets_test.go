package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sealer := New("master-key")
	require.NotNil(t, sealer)

	sealed, err := sealer.Seal("s3cret-value")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "enc:"))
	assert.NotContains(t, sealed, "s3cret-value")

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-value", opened)
}

func TestSealProducesUniqueEnvelopes(t *testing.T) {
	sealer := New("master-key")

	a, err := sealer.Seal("same")
	require.NoError(t, err)
	b, err := sealer.Seal("same")
	require.NoError(t, err)

	// Random nonces mean identical plaintexts never collide
	assert.NotEqual(t, a, b)
}

func TestNilSealerPassesThrough(t *testing.T) {
	sealer := New("")
	assert.Nil(t, sealer)

	sealed, err := sealer.Seal("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", sealed)

	opened, err := sealer.Open("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", opened)
}

func TestOpenPlaintextPassesThrough(t *testing.T) {
	// Values written in degraded mode stay readable once a key exists
	sealer := New("master-key")
	opened, err := sealer.Open("legacy-plaintext")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext", opened)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	sealed, err := New("key-one").Seal("value")
	require.NoError(t, err)

	_, err = New("key-two").Open(sealed)
	assert.Error(t, err)
}

func TestOpenEncryptedWithoutKeyFails(t *testing.T) {
	sealed, err := New("key-one").Seal("value")
	require.NoError(t, err)

	var nilSealer *Sealer
	_, err = nilSealer.Open(sealed)
	assert.Error(t, err)
}
