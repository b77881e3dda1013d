package interfaces

import "errors"

var (
	// ErrInvalidKeyLength is returned when a symmetric key is not 16, 24 or 32 bytes.
	// It is raised before any cryptographic operation.
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrDecrypt is the only error returned for a failed decryption.
	ErrDecrypt = errors.New("decryption failed")

	// ErrMissingIssuer is returned when the parent container of an intermediate or
	// leaf certificate cannot be opened.
	ErrMissingIssuer = errors.New("issuer certificate unavailable")

	// ErrEntropyIO is returned when the persistent device identity cannot be created
	// or read. It is fatal for the process.
	ErrEntropyIO = errors.New("device identity unavailable")

	// ErrTrustStoreInstall wraps failures of the operating system trust store.
	// It is logged and never aborts issuance.
	ErrTrustStoreInstall = errors.New("trust store installation failed")

	// ErrTrustStoreUnsupported is returned on platforms without a trust store integration.
	ErrTrustStoreUnsupported = errors.New("trust store not supported on this platform")

	// ErrUnknownSlot is returned for an intermediate slot name outside the rotation set.
	ErrUnknownSlot = errors.New("unknown intermediate slot")

	// ErrUnknownKind is returned for an unrecognised certificate kind.
	ErrUnknownKind = errors.New("unknown certificate kind")

	// ErrContentNotFound is returned when a publisher has no object under the requested name.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a publisher backend is not accessible.
	ErrBackendUnavailable = errors.New("publisher backend unavailable")

	// ErrInvalidLocationURI is returned when a publisher location URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid publisher location URI")
)
