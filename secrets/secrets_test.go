package secrets

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ruteri/device-pki/cryptoutils"
	"github.com/ruteri/device-pki/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKMS derives distinct keys per level without a device identity.
type fakeKMS struct {
	seed string
}

func (f fakeKMS) DeriveKey(level, iterations int) ([]byte, error) {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d/%d", f.seed, level, iterations)))
	return sum[:], nil
}

func (f fakeKMS) DeriveDefault(level int) ([]byte, error) {
	return f.DeriveKey(level, 1)
}

func (f fakeKMS) ContainerPassword(kind interfaces.CertificateKind) (string, error) {
	return f.seed, nil
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", DefaultFile)
	store := NewStore(path, fakeKMS{seed: "device-a"})

	values, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, values)

	require.NoError(t, store.Set("smtp_password", "hunter2"))
	require.NoError(t, store.Set("api_token", strings.Repeat("x", 200)))

	v, ok, err := store.Get("smtp_password")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hunter2", v)

	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"api_token", "smtp_password"}, keys)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		assert.LessOrEqual(t, len(line), cryptoutils.LineWidth)
	}

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, store.Delete("smtp_password"))
	require.NoError(t, store.Delete("missing"))
	_, ok, err = store.Get("smtp_password")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreWrongDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, NewStore(path, fakeKMS{seed: "device-a"}).Set("k", "v"))

	_, err := NewStore(path, fakeKMS{seed: "device-b"}).Load()
	assert.ErrorIs(t, err, interfaces.ErrDecrypt)
}

func TestSealLevels(t *testing.T) {
	kms := fakeKMS{seed: "device-a"}

	blob, err := Seal(kms, 7, []byte("payload"), false)
	require.NoError(t, err)
	assert.NotContains(t, blob, "\n")

	plaintext, err := Open(kms, 7, blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plaintext)

	// A wrong key fails padding checks almost always; it never yields the plaintext.
	other, err := Open(kms, 8, blob)
	if err != nil {
		assert.ErrorIs(t, err, interfaces.ErrDecrypt)
	} else {
		assert.NotEqual(t, []byte("payload"), other)
	}
}
