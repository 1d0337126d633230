// Package ca defines the certification-authority abstraction the control
// plane dispatches to, plus a file-and-SQL backed local implementation.
package ca

import (
	"context"
	"crypto/x509"
	"math/big"
	"time"

	"github.com/certforge/certforge/internal/profile"
	"github.com/certforge/certforge/internal/x500"
)

// Status is the administrative state of a CA.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// CertTemplate is one certificate request after decoding, before policy
// evaluation. The authority applies the named profile to it.
type CertTemplate struct {
	Profile string

	Subject x500.Name

	// SubjectPublicKey is the DER SubjectPublicKeyInfo, empty when the CA
	// generates the keypair.
	SubjectPublicKey []byte

	Extensions []profile.RequestedExtension

	NotBefore *time.Time
	NotAfter  *time.Time

	// CertReqID correlates this template with its slot in the response.
	CertReqID string

	// CAGenerateKeypair asks the CA to create the subject keypair and
	// return the private key with the certificate.
	CAGenerateKeypair bool

	// OldCert is the certificate being replaced in a key-update request;
	// nil for initial enrollment.
	OldCert *x509.Certificate
}

// CertInfo is one issued certificate.
type CertInfo struct {
	CertReqID string
	Cert      *x509.Certificate

	// PrivateKey is the PKCS#8 DER of a CA-generated subject key, nil
	// otherwise.
	PrivateKey []byte

	// Warning carries non-fatal policy notes (for example a replaced
	// subject value).
	Warning string
}

// RevocationInfo describes why and when a certificate was revoked.
type RevocationInfo struct {
	Reason         RevocationReason
	RevokedAt      time.Time
	InvalidityDate *time.Time
}

// CertStatus is the index state of an issued certificate.
type CertStatus string

const (
	CertStatusGood    CertStatus = "good"
	CertStatusRevoked CertStatus = "revoked"
)

// CertRecord is a certificate with its index state.
type CertRecord struct {
	Cert       *x509.Certificate
	Profile    string
	Status     CertStatus
	Revocation *RevocationInfo
}

// Authority is one certification authority as seen by the command
// responder. GenerateCerts is transactional per entry, not per batch: on
// error the returned slice holds the certificates already issued so the
// caller can roll them back.
type Authority interface {
	Name() string
	Healthy(ctx context.Context) bool

	CACert() *x509.Certificate
	// CAChain returns the CA certificate followed by its issuers up to
	// (and including) the root.
	CAChain() []*x509.Certificate

	// GenerateCerts issues one certificate per template under a shared
	// transaction id. keyUpdate selects reenrollment semantics.
	GenerateCerts(ctx context.Context, templates []CertTemplate, tid string, keyUpdate bool) ([]*CertInfo, error)

	RevokeCert(ctx context.Context, serial *big.Int, reason RevocationReason, invalidity *time.Time) error
	UnsuspendCert(ctx context.Context, serial *big.Int) error
	RemoveCert(ctx context.Context, serial *big.Int) error

	GetCert(ctx context.Context, serial *big.Int) (*CertRecord, error)
	// GetCertBySubject returns the newest certificate issued to the given
	// subject, optionally constrained to a transaction.
	GetCertBySubject(ctx context.Context, subject x500.Name, tid string) (*x509.Certificate, error)

	GenerateCRL(ctx context.Context) ([]byte, error)
	// GetCRL returns the current CRL, or the one with the given number
	// when crlNumber is non-nil.
	GetCRL(ctx context.Context, crlNumber *big.Int) ([]byte, error)

	// ArchiveRequest stores the raw request payload and the serials it
	// produced. A CA configured without request archiving returns nil
	// without storing.
	ArchiveRequest(ctx context.Context, tid string, payload []byte, serials []*big.Int) error
}
