package cryptoutils

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ruteri/device-pki/interfaces"
)

// IVSize is the length of the random IV prefixed to every envelope.
const IVSize = aes.BlockSize

// LineWidth is the column at which wrapped envelopes are broken.
const LineWidth = 76

// CheckKeyLength returns ErrInvalidKeyLength unless key is 16, 24 or 32 bytes long.
func CheckKeyLength(key []byte) error {
	switch len(key) {
	case 16, 24, 32:
		return nil
	default:
		return fmt.Errorf("%w: %d bytes", interfaces.ErrInvalidKeyLength, len(key))
	}
}

// Encrypt seals plaintext with AES-CBC under key and returns base64(IV || ciphertext).
// A fresh random IV is drawn for every call. When wrap is set the output is broken
// into LineWidth columns for embedding into PEM-like text files.
//
// The envelope carries no authentication tag.
func Encrypt(plaintext, key []byte, wrap bool) (string, error) {
	if err := CheckKeyLength(key); err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, IVSize+len(padded))
	iv := out[:IVSize]
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[IVSize:], padded)

	encoded := base64.StdEncoding.EncodeToString(out)
	if wrap {
		return WrapLines(encoded, LineWidth), nil
	}
	return encoded, nil
}

// Decrypt opens an envelope produced by Encrypt. Line breaks in blob are ignored.
// Any failure after the key length check is reported as ErrDecrypt.
func Decrypt(blob string, key []byte) ([]byte, error) {
	if err := CheckKeyLength(key); err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return nil, interfaces.ErrDecrypt
	}
	if len(raw) < IVSize+aes.BlockSize || (len(raw)-IVSize)%aes.BlockSize != 0 {
		return nil, interfaces.ErrDecrypt
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, interfaces.ErrDecrypt
	}

	plain := make([]byte, len(raw)-IVSize)
	cipher.NewCBCDecrypter(block, raw[:IVSize]).CryptBlocks(plain, raw[IVSize:])

	unpadded, ok := pkcs7Unpad(plain, aes.BlockSize)
	if !ok {
		return nil, interfaces.ErrDecrypt
	}
	return unpadded, nil
}

// WrapLines breaks s into lines of at most width characters joined by "\n".
func WrapLines(s string, width int) string {
	if width <= 0 || len(s) <= width {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + len(s)/width)
	for len(s) > width {
		b.WriteString(s[:width])
		b.WriteByte('\n')
		s = s[width:]
	}
	b.WriteString(s)
	return b.String()
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}
