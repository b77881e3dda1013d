// Package interfaces defines the shared types, contracts and sentinel errors of the
// device PKI, separating interface definitions from implementations.
//
// # Identity and Keys
//
// KeyDeriver: derives reproducible symmetric keys from the device identity, indexed
// by an integer level. CertificateKind values double as levels, so every container
// password is a pure function of the device identity and the certificate kind.
//
// # Certificates
//
// CertificateKind: Root, Intermediate and the leaf kinds (Authentication,
// SamAuthentication, CodeSigning). TrustStore installs CA certificates into the
// operating system trust store.
//
// # Collaborators
//
// LogSink: fire-and-forget (message, severity, source) records.
//
// Publisher: mirrors public certificate material (never private keys) to
// file, S3 or Vault locations so that clients can fetch the trust chain.
package interfaces
