package x500

import (
	"encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// KindFunc returns the string kind to use for an attribute type.
type KindFunc func(asn1.ObjectIdentifier) StringKind

// MarshalDER encodes the name as a DER RDNSequence with one attribute per
// RDN, in attribute order. kindFor selects the string encoding per type;
// a nil kindFor encodes everything as UTF8String except country and
// serialNumber, which are PrintableString per RFC 5280.
func (n Name) MarshalDER(kindFor KindFunc) ([]byte, error) {
	if kindFor == nil {
		kindFor = DefaultKind
	}

	var outer cryptobyte.Builder
	var encErr error
	outer.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, attr := range n.Attributes {
			value, err := EncodeString(kindFor(attr.Type), attr.Value)
			if err != nil {
				encErr = err
				return
			}
			b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(attr.Type)
					b.AddBytes(value)
				})
			})
		}
	})
	if encErr != nil {
		return nil, encErr
	}
	return outer.Bytes()
}

// DefaultKind implements the RFC 5280 defaults: PrintableString for the
// types that require it, UTF8String for everything else.
func DefaultKind(oid asn1.ObjectIdentifier) StringKind {
	switch {
	case oid.Equal(OIDCountry), oid.Equal(OIDSerialNumber), oid.Equal(OIDDNQualifier):
		return KindPrintable
	case oid.Equal(OIDEmailAddress), oid.Equal(OIDDomainComponent), oid.Equal(OIDUserID):
		return KindIA5
	default:
		return KindUTF8
	}
}
