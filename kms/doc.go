// Package kms derives the symmetric keys of the device from its persistent identity.
//
// # DeviceKMS
//
// DeriveKey(level, iterations) turns the device token and entropy blob into a 32-byte
// key. The legacy scheme diversifies by level through the round count:
//
//	salt = SHA-512("saltisnot" || token || "secretsquirrel")
//	h0   = HMAC-SHA512(salt, entropy)
//	hi   = HMAC-SHA512(salt, hi-1)     for iterations+level rounds
//	key  = HMAC-SHA256(salt, hfinal)
//
// Certificate kind identifiers double as levels. ContainerPassword(kind) is
// base64(DeriveKey(kind)) and is how PKCS#12 passwords are recomputed instead of stored.
//
// SchemeHKDF is available for new installations. It stretches once and separates
// levels with HKDF-SHA512 info labels; keys differ from the legacy scheme, so existing
// containers and envelopes cannot be opened after switching.
//
// # Escrow
//
// SplitIdentity splits the identity into Shamir shares (hashicorp/vault/shamir).
// Recovery collects optionally admin-signed shares and reconstructs the token and
// entropy, which identity.Store.Restore writes back to disk.
package kms
