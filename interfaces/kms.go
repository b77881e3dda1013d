package interfaces

// KeyDeriver derives reproducible 32-byte keys from the device identity.
type KeyDeriver interface {
	// DeriveKey returns the key for level using the given iteration count.
	DeriveKey(level, iterations int) ([]byte, error)

	// DeriveDefault returns the key for level using the configured iteration count.
	DeriveDefault(level int) ([]byte, error)

	// ContainerPassword returns the PKCS#12 password of a certificate kind.
	ContainerPassword(kind CertificateKind) (string, error)
}
