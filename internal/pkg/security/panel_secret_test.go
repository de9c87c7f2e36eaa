package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretBoxSealOpen(t *testing.T) {
	box, err := NewSecretBox("panel-secret")
	require.NoError(t, err)

	sealed, err := box.Seal("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "hunter2")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	again, err := box.Seal("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")
}

func TestSecretBoxRejectsForeignKey(t *testing.T) {
	a, err := NewSecretBox("key-a")
	require.NoError(t, err)
	b, err := NewSecretBox("key-b")
	require.NoError(t, err)

	sealed, err := a.Seal("hunter2")
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.Error(t, err)

	_, err = a.Open("not-base64!!")
	assert.Error(t, err)

	_, err = a.Open("c2hvcnQ")
	assert.Error(t, err)
}

func TestNewSecretBoxRequiresSecret(t *testing.T) {
	_, err := NewSecretBox("")
	assert.Error(t, err)
}

func TestAdminKeyHash(t *testing.T) {
	hash, err := HashAdminKey("admin-key")
	require.NoError(t, err)

	assert.True(t, CheckAdminKey("admin-key", hash))
	assert.False(t, CheckAdminKey("other-key", hash))
}
