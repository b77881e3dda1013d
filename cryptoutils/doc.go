// Package cryptoutils provides the symmetric envelope cipher, certificate helpers and
// file primitives used by the device PKI.
//
// # Envelope Format
//
// Encrypt produces base64(IV || AES-CBC(PKCS#7(plaintext))) with a random 16-byte IV
// per call, optionally wrapped at 76 columns:
//
//	[iv (16 bytes)][ciphertext (n*16 bytes)]
//
// Keys must be 16, 24 or 32 bytes. Decrypt reports every failure as
// interfaces.ErrDecrypt. The envelope is not authenticated.
//
// # Containers
//
// EncodeContainer and DecodeContainer wrap private keys and certificates into
// password protected PKCS#12 files.
//
// # Files
//
// WriteFileAtomic writes through a temporary file and a rename, so readers never
// observe a half written certificate or container.
package cryptoutils
