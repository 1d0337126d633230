// Package x500 provides a minimal X.500 distinguished-name model for
// certificate policy evaluation.
//
// Unlike pkix.Name, a Name keeps every attribute in an explicit order and
// never collapses repeated types, which is what subject canonicalization
// needs: profiles count attribute occurrences, re-order them into a fixed
// forward sequence and control the DER string encoding of each value.
package x500

import (
	"encoding/asn1"
	"fmt"
	"sort"
	"strings"

	"crypto/x509/pkix"
)

// Well-known attribute types.
var (
	OIDCommonName          = asn1.ObjectIdentifier{2, 5, 4, 3}
	OIDSurname             = asn1.ObjectIdentifier{2, 5, 4, 4}
	OIDSerialNumber        = asn1.ObjectIdentifier{2, 5, 4, 5}
	OIDCountry             = asn1.ObjectIdentifier{2, 5, 4, 6}
	OIDLocality            = asn1.ObjectIdentifier{2, 5, 4, 7}
	OIDProvince            = asn1.ObjectIdentifier{2, 5, 4, 8}
	OIDStreetAddress       = asn1.ObjectIdentifier{2, 5, 4, 9}
	OIDOrganization        = asn1.ObjectIdentifier{2, 5, 4, 10}
	OIDOrganizationalUnit  = asn1.ObjectIdentifier{2, 5, 4, 11}
	OIDTitle               = asn1.ObjectIdentifier{2, 5, 4, 12}
	OIDPostalCode          = asn1.ObjectIdentifier{2, 5, 4, 17}
	OIDGivenName           = asn1.ObjectIdentifier{2, 5, 4, 42}
	OIDPseudonym           = asn1.ObjectIdentifier{2, 5, 4, 65}
	OIDDomainComponent     = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}
	OIDUserID              = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
	OIDEmailAddress        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
	OIDDNQualifier         = asn1.ObjectIdentifier{2, 5, 4, 46}
	OIDGenerationQualifier = asn1.ObjectIdentifier{2, 5, 4, 44}
)

// shortNames maps the RFC 4514 / common short names to attribute types.
var shortNames = map[string]asn1.ObjectIdentifier{
	"cn":           OIDCommonName,
	"sn":           OIDSurname,
	"serialnumber": OIDSerialNumber,
	"c":            OIDCountry,
	"l":            OIDLocality,
	"st":           OIDProvince,
	"street":       OIDStreetAddress,
	"o":            OIDOrganization,
	"ou":           OIDOrganizationalUnit,
	"title":        OIDTitle,
	"postalcode":   OIDPostalCode,
	"givenname":    OIDGivenName,
	"pseudonym":    OIDPseudonym,
	"dc":           OIDDomainComponent,
	"uid":          OIDUserID,
	"email":        OIDEmailAddress,
	"dnqualifier":  OIDDNQualifier,
}

// ForwardOrder is the canonical attribute ordering used when a profile does
// not preserve the request order: most significant (country) first, ending
// with the most specific types.
var ForwardOrder = []asn1.ObjectIdentifier{
	OIDCountry,
	OIDDomainComponent,
	OIDProvince,
	OIDLocality,
	OIDStreetAddress,
	OIDPostalCode,
	OIDOrganization,
	OIDOrganizationalUnit,
	OIDTitle,
	OIDSurname,
	OIDGivenName,
	OIDGenerationQualifier,
	OIDPseudonym,
	OIDCommonName,
	OIDSerialNumber,
	OIDDNQualifier,
	OIDEmailAddress,
	OIDUserID,
}

// ParseAttributeType resolves a short name ("cn", "o", ...) or a dotted
// decimal OID to an attribute type.
func ParseAttributeType(s string) (asn1.ObjectIdentifier, error) {
	if oid, ok := shortNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return oid, nil
	}

	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("unknown attribute type %q", s)
	}
	oid := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, p := range parts {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err != nil || n < 0 {
			return nil, fmt.Errorf("invalid attribute type OID %q", s)
		}
		oid = append(oid, n)
	}
	return oid, nil
}

// AttributeTypeName returns the short name for a type, or its dotted form.
func AttributeTypeName(oid asn1.ObjectIdentifier) string {
	for name, o := range shortNames {
		if o.Equal(oid) {
			return name
		}
	}
	return oid.String()
}

// Attribute is one subject attribute (type and textual value).
type Attribute struct {
	Type  asn1.ObjectIdentifier
	Value string
}

// Name is an ordered sequence of subject attributes.
type Name struct {
	Attributes []Attribute
}

// Empty reports whether the name carries no attributes.
func (n Name) Empty() bool {
	return len(n.Attributes) == 0
}

// Get returns all values of the given attribute type, in order.
func (n Name) Get(oid asn1.ObjectIdentifier) []string {
	var values []string
	for _, a := range n.Attributes {
		if a.Type.Equal(oid) {
			values = append(values, a.Value)
		}
	}
	return values
}

// String renders the name as a comma-joined list of type=value pairs in
// attribute order. Intended for logs and error messages, not for parsing.
func (n Name) String() string {
	parts := make([]string, 0, len(n.Attributes))
	for _, a := range n.Attributes {
		parts = append(parts, AttributeTypeName(a.Type)+"="+a.Value)
	}
	return strings.Join(parts, ",")
}

// CanonicalKey returns an order-independent, case-folded representation
// of the name, suitable as a lookup key and for equality.
func (n Name) CanonicalKey() string {
	parts := make([]string, 0, len(n.Attributes))
	for _, a := range n.Attributes {
		parts = append(parts, a.Type.String()+"="+strings.ToLower(strings.TrimSpace(a.Value)))
	}
	sort.Strings(parts)
	return strings.Join(parts, "\n")
}

// Equal reports whether two names carry the same attribute multiset.
// Comparison is case-insensitive on values, matching how issuer names are
// matched against a CA subject.
func (n Name) Equal(other Name) bool {
	if len(n.Attributes) != len(other.Attributes) {
		return false
	}
	return n.CanonicalKey() == other.CanonicalKey()
}

// FromPKIX converts a parsed pkix.Name, preserving the original attribute
// order as recorded in Name.Names.
func FromPKIX(pn pkix.Name) Name {
	var n Name
	for _, atv := range pn.Names {
		n.Attributes = append(n.Attributes, Attribute{
			Type:  atv.Type,
			Value: fmt.Sprint(atv.Value),
		})
	}
	if len(n.Attributes) > 0 {
		return n
	}
	// Names is empty for hand-built pkix.Name values; fall back to the
	// structured fields.
	appendAll := func(oid asn1.ObjectIdentifier, values []string) {
		for _, v := range values {
			n.Attributes = append(n.Attributes, Attribute{Type: oid, Value: v})
		}
	}
	appendAll(OIDCountry, pn.Country)
	appendAll(OIDProvince, pn.Province)
	appendAll(OIDLocality, pn.Locality)
	appendAll(OIDStreetAddress, pn.StreetAddress)
	appendAll(OIDPostalCode, pn.PostalCode)
	appendAll(OIDOrganization, pn.Organization)
	appendAll(OIDOrganizationalUnit, pn.OrganizationalUnit)
	if pn.CommonName != "" {
		n.Attributes = append(n.Attributes, Attribute{Type: OIDCommonName, Value: pn.CommonName})
	}
	if pn.SerialNumber != "" {
		n.Attributes = append(n.Attributes, Attribute{Type: OIDSerialNumber, Value: pn.SerialNumber})
	}
	return n
}

// ToPKIX converts the name to a pkix.Name for display purposes. The DER
// form written into certificates comes from MarshalDER, not from this.
func (n Name) ToPKIX() pkix.Name {
	var pn pkix.Name
	for _, a := range n.Attributes {
		switch {
		case a.Type.Equal(OIDCommonName):
			pn.CommonName = a.Value
		case a.Type.Equal(OIDCountry):
			pn.Country = append(pn.Country, a.Value)
		case a.Type.Equal(OIDProvince):
			pn.Province = append(pn.Province, a.Value)
		case a.Type.Equal(OIDLocality):
			pn.Locality = append(pn.Locality, a.Value)
		case a.Type.Equal(OIDStreetAddress):
			pn.StreetAddress = append(pn.StreetAddress, a.Value)
		case a.Type.Equal(OIDPostalCode):
			pn.PostalCode = append(pn.PostalCode, a.Value)
		case a.Type.Equal(OIDOrganization):
			pn.Organization = append(pn.Organization, a.Value)
		case a.Type.Equal(OIDOrganizationalUnit):
			pn.OrganizationalUnit = append(pn.OrganizationalUnit, a.Value)
		case a.Type.Equal(OIDSerialNumber):
			pn.SerialNumber = a.Value
		default:
			pn.ExtraNames = append(pn.ExtraNames, pkix.AttributeTypeAndValue{
				Type:  a.Type,
				Value: a.Value,
			})
		}
	}
	return pn
}
