package interfaces

import (
	"fmt"
	"strings"
)

// CertificateKind identifies a certificate profile. The numeric value is also the
// key derivation level used for the kind's container password.
type CertificateKind int

const (
	Authentication    CertificateKind = 10000
	SamAuthentication CertificateKind = 10001
	CodeSigning       CertificateKind = 10002
	Intermediate      CertificateKind = 10003
	Root              CertificateKind = 10004
)

// ConfigKeyLevel is the derivation level of the key protecting the sealed configuration.
const ConfigKeyLevel = 0

// LeafKinds lists every end-entity kind in issuance order.
var LeafKinds = []CertificateKind{Authentication, SamAuthentication, CodeSigning}

// Level returns the key derivation level of the kind.
func (k CertificateKind) Level() int {
	return int(k)
}

// IsCA reports whether the kind is a certificate authority.
func (k CertificateKind) IsCA() bool {
	return k == Root || k == Intermediate
}

// String returns the on-disk purpose name of the kind.
func (k CertificateKind) String() string {
	switch k {
	case Authentication:
		return "authentication"
	case SamAuthentication:
		return "samauthentication"
	case CodeSigning:
		return "codesigning"
	case Intermediate:
		return "intermediate"
	case Root:
		return "root"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseCertificateKind parses a purpose name as returned by String.
func ParseCertificateKind(name string) (CertificateKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "authentication", "auth":
		return Authentication, nil
	case "samauthentication", "sam":
		return SamAuthentication, nil
	case "codesigning", "code-signing":
		return CodeSigning, nil
	case "intermediate":
		return Intermediate, nil
	case "root", "ca":
		return Root, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
}

// Severity is the severity of a LogSink record.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}
