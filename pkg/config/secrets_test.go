package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	secrets := map[string]string{"GOOGLE_GENAI_API_KEY": "g-123", "OPENAI_API_KEY": "o-456"}

	require.NoError(t, EncryptSecretsFile(dir, "hunter2", secrets))
	assert.True(t, SecretsFileExists(dir))

	info, err := os.Stat(SecretsFilePath(dir))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := DecryptSecretsFile(dir, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, secrets, got)

	_, err = DecryptSecretsFile(dir, "wrong")
	assert.ErrorContains(t, err, "decryption failed")
}

func TestGetSecretPrecedence(t *testing.T) {
	t.Cleanup(func() { SetDecryptedSecrets(nil) })
	t.Setenv("APPBUILDER_TEST_SECRET", "from-env")

	v, err := GetSecret("APPBUILDER_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	SetDecryptedSecrets(map[string]string{"APPBUILDER_TEST_SECRET": "from-file"})
	v, err = GetSecret("APPBUILDER_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-file", v)
	assert.Equal(t, []string{"APPBUILDER_TEST_SECRET"}, SecretNames())

	_, err = GetSecret("APPBUILDER_DOES_NOT_EXIST")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}
