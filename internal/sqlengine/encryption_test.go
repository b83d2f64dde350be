package sqlengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher_EncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher("test-secret")
	require.NoError(t, err)

	ciphertext, err := c.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", ciphertext)

	plaintext, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plaintext)
}

func TestCipher_EmptyKeySourceFallsBackToDevDefault(t *testing.T) {
	c1, err := NewCipher("")
	require.NoError(t, err)
	c2, err := NewCipher(DefaultDevEncryptionKey)
	require.NoError(t, err)

	ciphertext, err := c1.Encrypt("secret")
	require.NoError(t, err)

	plaintext, err := c2.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "secret", plaintext)
}

func TestCipher_DifferentKeysCannotDecryptEachOther(t *testing.T) {
	c1, err := NewCipher("key-one")
	require.NoError(t, err)
	c2, err := NewCipher("key-two")
	require.NoError(t, err)

	ciphertext, err := c1.Encrypt("secret")
	require.NoError(t, err)

	_, err = c2.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestCipher_DecryptRejectsGarbageInput(t *testing.T) {
	c, err := NewCipher("test-secret")
	require.NoError(t, err)

	_, err = c.Decrypt("not-valid-base64-!!!")
	assert.Error(t, err)

	_, err = c.Decrypt("dG9vc2hvcnQ=")
	assert.Error(t, err)
}

func TestCipher_EncryptIsNonDeterministic(t *testing.T) {
	c, err := NewCipher("test-secret")
	require.NoError(t, err)

	a, err := c.Encrypt("same-plaintext")
	require.NoError(t, err)
	b, err := c.Encrypt("same-plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "random nonce must make repeated encryptions differ")
}
