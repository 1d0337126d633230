// Package dto defines the wire messages of the command channel.
//
// Messages serialize as JSON or CBOR; the CBOR codec reuses the json
// struct tags, so every field is tagged once. Binary fields (DER blobs,
// hashes) are base64 in JSON and raw byte strings in CBOR.
package dto

import (
	"math/big"
	"strings"
	"time"

	"github.com/certforge/certforge/internal/api/apierrors"
	"github.com/certforge/certforge/internal/x500"
)

// RDN is one subject attribute on the wire.
type RDN struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// DistinguishedName is an ordered attribute list.
type DistinguishedName struct {
	RDNs []RDN `json:"rdns"`
}

// Name converts the wire form to the internal name model.
func (d *DistinguishedName) Name() (x500.Name, error) {
	var n x500.Name
	for _, r := range d.RDNs {
		oid, err := x500.ParseAttributeType(r.Type)
		if err != nil {
			return x500.Name{}, apierrors.Newf(apierrors.CodeBadRequest,
				"invalid subject attribute type %q", r.Type)
		}
		n.Attributes = append(n.Attributes, x500.Attribute{Type: oid, Value: r.Value})
	}
	return n, nil
}

// FromName converts an internal name to the wire form.
func FromName(n x500.Name) *DistinguishedName {
	d := &DistinguishedName{}
	for _, a := range n.Attributes {
		d.RDNs = append(d.RDNs, RDN{Type: x500.AttributeTypeName(a.Type), Value: a.Value})
	}
	return d
}

// Extension is one requested certificate extension.
type Extension struct {
	OID      string `json:"oid"`
	Critical bool   `json:"critical,omitempty"`
	Value    []byte `json:"value"`
}

// OldCertRef identifies the certificate replaced by a key update.
type OldCertRef struct {
	Issuer *DistinguishedName `json:"issuer"`
	Serial string             `json:"serial"`

	// ReusePublicKey asks the CA to certify the old certificate's key
	// again instead of a key from the request.
	ReusePublicKey bool `json:"reusePublicKey,omitempty"`
}

// EnrollEntry is one certificate request inside an enroll transaction.
type EnrollEntry struct {
	CertReqID string `json:"certReqId"`
	Profile   string `json:"profile"`

	// Subject and SubjectPublicKey describe the request directly;
	// alternatively P10 carries a PKCS#10 CSR whose subject, key and
	// extensions are used instead.
	Subject          *DistinguishedName `json:"subject,omitempty"`
	SubjectPublicKey []byte             `json:"subjectPublicKey,omitempty"`
	P10              []byte             `json:"p10,omitempty"`

	Extensions []Extension `json:"extensions,omitempty"`

	NotBefore *time.Time `json:"notBefore,omitempty"`
	NotAfter  *time.Time `json:"notAfter,omitempty"`

	// CAGenerateKeypair asks the CA to create the subject keypair.
	CAGenerateKeypair bool `json:"caGenerateKeypair,omitempty"`

	// OldCert is required for key-update entries.
	OldCert *OldCertRef `json:"oldCert,omitempty"`
}

// EnrollRequest is the body of enroll and enroll_kup.
type EnrollRequest struct {
	TransactionID string `json:"tid,omitempty"`

	// ExplicitConfirm requires the client to confirm each certificate.
	ExplicitConfirm bool `json:"explicitConfirm,omitempty"`

	// ConfirmWaitMillis overrides the CA's confirmation window.
	ConfirmWaitMillis int64 `json:"confirmWaitMs,omitempty"`

	// GroupEnroll makes the batch atomic: if any entry fails, every
	// certificate already issued for the batch is revoked.
	GroupEnroll bool `json:"groupEnroll,omitempty"`

	// CACertMode selects what accompanies the issued certificates:
	// "cert" for the CA certificate, "chain" for the full chain, empty
	// for the CA's configured default.
	CACertMode string `json:"caCertMode,omitempty"`

	Entries []EnrollEntry `json:"entries"`
}

// ErrorInfo is a per-entry failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// EnrollResponseEntry is the outcome for one enroll entry.
type EnrollResponseEntry struct {
	CertReqID string `json:"certReqId"`
	Cert      []byte `json:"cert,omitempty"`

	// PrivateKey is the PKCS#8 DER of a CA-generated key.
	PrivateKey []byte `json:"privateKey,omitempty"`

	Warning string     `json:"warning,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// EnrollResponse answers enroll, enroll_kup and poll_cert.
type EnrollResponse struct {
	TransactionID string `json:"tid,omitempty"`

	// ConfirmExpiry is set when the certificates await confirmation: the
	// moment the confirmation window closes.
	ConfirmExpiry *time.Time `json:"confirmExpiry,omitempty"`

	Entries []EnrollResponseEntry `json:"entries"`

	CACert      []byte   `json:"caCert,omitempty"`
	CACertChain [][]byte `json:"caCertChain,omitempty"`
}

// PollEntry names one certificate to poll for.
type PollEntry struct {
	CertReqID string             `json:"certReqId"`
	Subject   *DistinguishedName `json:"subject"`
}

// PollRequest is the body of poll_cert.
type PollRequest struct {
	TransactionID string       `json:"tid,omitempty"`
	Issuer        *IssuerIdent `json:"issuer,omitempty"`
	Entries       []PollEntry  `json:"entries"`
}

// IssuerIdent identifies the issuing CA inside revocation-family
// requests. Every populated field must match the addressed CA.
type IssuerIdent struct {
	Subject *DistinguishedName `json:"subject,omitempty"`

	// AuthorityKeyID is the subject key identifier of the CA certificate.
	AuthorityKeyID []byte `json:"authorityKeyId,omitempty"`

	// CertSHA256 is the SHA-256 of the CA certificate DER.
	CertSHA256 []byte `json:"certSha256,omitempty"`
}

// RevokeEntry revokes one serial.
type RevokeEntry struct {
	Serial string `json:"serial"`
	Reason string `json:"reason"`

	InvalidityDate *time.Time `json:"invalidityDate,omitempty"`
}

// RevokeRequest is the body of revoke_cert.
type RevokeRequest struct {
	Issuer  *IssuerIdent  `json:"issuer,omitempty"`
	Entries []RevokeEntry `json:"entries"`
}

// SerialStatusEntry reports the per-serial outcome of revocation-family
// commands.
type SerialStatusEntry struct {
	Serial string     `json:"serial"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// SerialStatusResponse answers revoke_cert, unsuspend_cert and
// remove_cert.
type SerialStatusResponse struct {
	Entries []SerialStatusEntry `json:"entries"`
}

// SerialsRequest is the body of unsuspend_cert and remove_cert.
type SerialsRequest struct {
	Issuer  *IssuerIdent `json:"issuer,omitempty"`
	Serials []string     `json:"serials"`
}

// ConfirmEntry accepts or rejects one pending certificate.
type ConfirmEntry struct {
	CertReqID string `json:"certReqId"`

	// CertHash is the SHA-256 of the certificate DER being confirmed.
	CertHash []byte `json:"certHash"`

	Accept bool `json:"accept"`
}

// ConfirmRequest is the body of confirm_enroll.
type ConfirmRequest struct {
	TransactionID string         `json:"tid"`
	Entries       []ConfirmEntry `json:"entries"`
}

// TransactionRequest carries only a transaction id (revoke_pending_cert).
type TransactionRequest struct {
	TransactionID string `json:"tid"`
}

// GetCRLRequest is the body of crl.
type GetCRLRequest struct {
	// CRLNumber selects a stored CRL; empty means the newest.
	CRLNumber string `json:"crlNumber,omitempty"`

	// ThisUpdate and DistributionPoint are alternative selectors carried
	// for wire compatibility; selection by them is not implemented.
	ThisUpdate        *time.Time `json:"thisUpdate,omitempty"`
	DistributionPoint string     `json:"distributionPoint,omitempty"`
}

// CRLResponse carries a DER CRL.
type CRLResponse struct {
	CRL []byte `json:"crl"`
}

// GetCertRequest is the body of get_cert.
type GetCertRequest struct {
	Issuer *IssuerIdent `json:"issuer,omitempty"`
	Serial string       `json:"serial"`
}

// CertResponse carries one DER certificate.
type CertResponse struct {
	Cert []byte `json:"cert"`
}

// CertChainResponse answers cacert and cacertchain.
type CertChainResponse struct {
	Certificates [][]byte `json:"certificates"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message,omitempty"`
	TransactionID string `json:"tid,omitempty"`
}

// ParseSerial reads a hexadecimal serial number, with or without an 0x
// prefix.
func ParseSerial(s string) (*big.Int, error) {
	t := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x")
	if t == "" {
		return nil, apierrors.New(apierrors.CodeBadRequest, "missing serial number")
	}
	n, ok := new(big.Int).SetString(t, 16)
	if !ok || n.Sign() < 0 {
		return nil, apierrors.Newf(apierrors.CodeBadRequest, "invalid serial number %q", s)
	}
	return n, nil
}

// FormatSerial renders a serial the way ParseSerial reads it.
func FormatSerial(n *big.Int) string {
	return n.Text(16)
}
