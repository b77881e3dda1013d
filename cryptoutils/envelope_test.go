package cryptoutils

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/ruteri/device-pki/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(n int) []byte {
	return bytes.Repeat([]byte{0x42}, n)
}

// TestEnvelopeRoundTrip checks decrypt(encrypt(p, k), k) == p for every key size
func TestEnvelopeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{name: "Empty data", data: []byte{}},
		{name: "Simple string", data: []byte("This is a secret message")},
		{name: "JSON data", data: []byte(`{"tenant":"acme","secret":"hunter2"}`)},
		{name: "Binary data", data: []byte{0x00, 0x01, 0x02, 0x03, 0xFF, 0xFE, 0xFD}},
		{name: "Exact block", data: bytes.Repeat([]byte{'a'}, 32)},
		{name: "Long data", data: make([]byte, 4096)},
	}

	for _, keySize := range []int{16, 24, 32} {
		for _, tc := range testCases {
			for _, wrap := range []bool{false, true} {
				t.Run(fmt.Sprintf("%s/aes%d/wrap=%v", tc.name, keySize*8, wrap), func(t *testing.T) {
					key := testKey(keySize)

					blob, err := Encrypt(tc.data, key, wrap)
					require.NoError(t, err)

					plain, err := Decrypt(blob, key)
					require.NoError(t, err)
					require.Equal(t, tc.data, plain)
				})
			}
		}
	}
}

func TestEnvelopeLayout(t *testing.T) {
	blob, err := Encrypt([]byte("0123456789"), testKey(32), false)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	// IV plus a single padded block
	assert.Len(t, raw, IVSize+16)
}

func TestEnvelopeFreshIV(t *testing.T) {
	key := testKey(32)
	plaintext := []byte("same input")

	a, err := Encrypt(plaintext, key, false)
	require.NoError(t, err)
	b, err := Encrypt(plaintext, key, false)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "identical inputs must not produce identical envelopes")
}

func TestEnvelopeWrapping(t *testing.T) {
	blob, err := Encrypt(make([]byte, 512), testKey(32), true)
	require.NoError(t, err)

	lines := strings.Split(blob, "\n")
	require.Greater(t, len(lines), 1)
	for _, line := range lines {
		assert.LessOrEqual(t, len(line), LineWidth)
	}

	// CRLF wrapped blobs are accepted as well
	plain, err := Decrypt(strings.ReplaceAll(blob, "\n", "\r\n"), testKey(32))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), plain)
}

func TestEnvelopeInvalidKeyLength(t *testing.T) {
	for _, n := range []int{0, 15, 17, 31, 33, 64} {
		_, err := Encrypt([]byte("data"), testKey(n), false)
		require.ErrorIs(t, err, interfaces.ErrInvalidKeyLength)

		_, err = Decrypt("not even base64!", testKey(n))
		require.ErrorIs(t, err, interfaces.ErrInvalidKeyLength, "key length is checked before decoding")
	}
}

func TestEnvelopeDecryptFailures(t *testing.T) {
	key := testKey(32)
	blob, err := Encrypt([]byte("attack at dawn"), key, false)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)

	testCases := []struct {
		name string
		blob string
		key  []byte
	}{
		{name: "Not base64", blob: "%%%", key: key},
		{name: "Too short", blob: base64.StdEncoding.EncodeToString(raw[:IVSize]), key: key},
		{name: "Not block aligned", blob: base64.StdEncoding.EncodeToString(raw[:len(raw)-1]), key: key},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decrypt(tc.blob, tc.key)
			require.ErrorIs(t, err, interfaces.ErrDecrypt)
			assert.Equal(t, interfaces.ErrDecrypt.Error(), err.Error(), "decrypt errors carry no detail")
		})
	}

	// A wrong key either fails padding or yields garbage; it never yields the plaintext.
	plain, err := Decrypt(blob, testKey(16))
	if err == nil {
		assert.NotEqual(t, []byte("attack at dawn"), plain)
	} else {
		require.ErrorIs(t, err, interfaces.ErrDecrypt)
	}
}

func TestWrapLines(t *testing.T) {
	assert.Equal(t, "abc", WrapLines("abc", 76))
	assert.Equal(t, "ab\ncd\ne", WrapLines("abcde", 2))
	assert.Equal(t, "abcd", WrapLines("abcd", 0))
}
