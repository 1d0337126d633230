package profile

import (
	"encoding/asn1"
	"fmt"
	"strconv"
	"strings"
)

// X.509 extension OIDs handled by the evaluator.
var (
	OIDKeyUsage              = asn1.ObjectIdentifier{2, 5, 29, 15}
	OIDExtKeyUsage           = asn1.ObjectIdentifier{2, 5, 29, 37}
	OIDBasicConstraints      = asn1.ObjectIdentifier{2, 5, 29, 19}
	OIDSubjectAltName        = asn1.ObjectIdentifier{2, 5, 29, 17}
	OIDSubjectKeyID          = asn1.ObjectIdentifier{2, 5, 29, 14}
	OIDAuthorityKeyID        = asn1.ObjectIdentifier{2, 5, 29, 35}
	OIDCRLDistributionPoints = asn1.ObjectIdentifier{2, 5, 29, 31}
	OIDCertificatePolicies   = asn1.ObjectIdentifier{2, 5, 29, 32}
	OIDAuthorityInfoAccess   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}
	OIDSubjectInfoAccess     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 11}
	OIDBiometricInfo         = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 2}
	OIDQCStatements          = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 3}
	OIDOCSPNoCheck           = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}
)

// extensionNames maps friendly extension names used in profile documents.
var extensionNames = map[string]asn1.ObjectIdentifier{
	"keyusage":              OIDKeyUsage,
	"extkeyusage":           OIDExtKeyUsage,
	"basicconstraints":      OIDBasicConstraints,
	"subjectaltname":        OIDSubjectAltName,
	"subjectkeyid":          OIDSubjectKeyID,
	"authoritykeyid":        OIDAuthorityKeyID,
	"crldistributionpoints": OIDCRLDistributionPoints,
	"certificatepolicies":   OIDCertificatePolicies,
	"authorityinfoaccess":   OIDAuthorityInfoAccess,
	"subjectinfoaccess":     OIDSubjectInfoAccess,
	"biometricinfo":         OIDBiometricInfo,
	"qcstatements":          OIDQCStatements,
	"ocspnocheck":           OIDOCSPNoCheck,
}

// Extended-key-usage purpose OIDs.
var ekuNames = map[string]asn1.ObjectIdentifier{
	"serverauth":          {1, 3, 6, 1, 5, 5, 7, 3, 1},
	"clientauth":          {1, 3, 6, 1, 5, 5, 7, 3, 2},
	"codesigning":         {1, 3, 6, 1, 5, 5, 7, 3, 3},
	"emailprotection":     {1, 3, 6, 1, 5, 5, 7, 3, 4},
	"timestamping":        {1, 3, 6, 1, 5, 5, 7, 3, 8},
	"ocspsigning":         {1, 3, 6, 1, 5, 5, 7, 3, 9},
	"anyextendedkeyusage": {2, 5, 29, 37, 0},
}

// keyUsageBits maps key-usage names to their RFC 5280 bit positions.
var keyUsageBits = map[string]int{
	"digitalsignature":  0,
	"contentcommitment": 1,
	"nonrepudiation":    1,
	"keyencipherment":   2,
	"dataencipherment":  3,
	"keyagreement":      4,
	"keycertsign":       5,
	"crlsign":           6,
	"encipheronly":      7,
	"decipheronly":      8,
}

// parseOID resolves a name from the given table or a dotted decimal OID.
func parseOID(s string, names map[string]asn1.ObjectIdentifier) (asn1.ObjectIdentifier, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if names != nil {
		if oid, ok := names[key]; ok {
			return oid, nil
		}
	}

	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("unknown OID %q", s)
	}
	oid := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid OID %q", s)
		}
		oid = append(oid, n)
	}
	return oid, nil
}

// ParseExtensionOID resolves an extension name or dotted OID.
func ParseExtensionOID(s string) (asn1.ObjectIdentifier, error) {
	return parseOID(s, extensionNames)
}
