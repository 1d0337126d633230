package profile

import (
	"encoding/asn1"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/certforge/certforge/internal/x500"
)

// compiledRDNRule is an RDNRule with its type, kind and pattern resolved.
type compiledRDNRule struct {
	RDNRule

	oid       asn1.ObjectIdentifier
	kind      x500.StringKind
	pattern   *regexp.Regexp
	minOccurs int
	maxOccurs int
}

// compiledExtensionRule is an ExtensionRule with its OID resolved.
type compiledExtensionRule struct {
	ExtensionRule

	oid asn1.ObjectIdentifier
}

// CompiledProfile is a pre-parsed, immutable profile. All expensive parsing
// (OID resolution, regular expressions, key-usage names) is done once at
// load time; the evaluation functions only read.
type CompiledProfile struct {
	*Profile

	rdnRules []compiledRDNRule
	// rdnOrder lists the rule indexes in granted-subject order.
	rdnOrder []int

	extRules  []compiledExtensionRule
	extByOID  map[string]*compiledExtensionRule
	kindByOID map[string]x500.StringKind

	keyUsageRequired []string
	ekuRequired      []asn1.ObjectIdentifier
}

// Compile resolves all names and patterns of a profile. It must be called
// once per profile at load time; a Profile is never evaluated directly.
func (p *Profile) Compile() (*CompiledProfile, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	cp := &CompiledProfile{
		Profile:   p,
		extByOID:  make(map[string]*compiledExtensionRule, len(p.Extensions)),
		kindByOID: make(map[string]x500.StringKind, len(p.Subject.RDNs)),
	}

	for i, r := range p.Subject.RDNs {
		oid, err := x500.ParseAttributeType(r.Type)
		if err != nil {
			return nil, fmt.Errorf("subject.rdns[%d]: %w", i, err)
		}
		kind, err := x500.ParseStringKind(r.Kind)
		if err != nil {
			return nil, fmt.Errorf("subject.rdns[%d] (%s): %w", i, r.Type, err)
		}
		cr := compiledRDNRule{RDNRule: r, oid: oid, kind: kind}
		cr.minOccurs, cr.maxOccurs = r.occurs()
		if r.Pattern != "" {
			re, err := regexp.Compile("^(?:" + r.Pattern + ")$")
			if err != nil {
				return nil, fmt.Errorf("subject.rdns[%d] (%s): invalid pattern: %w", i, r.Type, err)
			}
			cr.pattern = re
		}
		cp.rdnRules = append(cp.rdnRules, cr)
		cp.kindByOID[oid.String()] = kind
	}
	cp.rdnOrder = orderRules(cp.rdnRules, p.Subject.KeepOrder)

	for i, e := range p.Extensions {
		oid, err := ParseExtensionOID(e.OID)
		if err != nil {
			return nil, fmt.Errorf("extensions[%d]: %w", i, err)
		}
		cp.extRules = append(cp.extRules, compiledExtensionRule{ExtensionRule: e, oid: oid})
	}
	for i := range cp.extRules {
		cp.extByOID[cp.extRules[i].oid.String()] = &cp.extRules[i]
	}

	for i, ku := range p.KeyUsage {
		name := strings.ToLower(ku.Usage)
		if _, ok := keyUsageBits[name]; !ok {
			return nil, fmt.Errorf("keyUsage[%d]: unknown usage %q", i, ku.Usage)
		}
		if ku.Required {
			cp.keyUsageRequired = append(cp.keyUsageRequired, name)
		}
	}

	for i, eku := range p.ExtKeyUsage {
		oid, err := parseOID(eku.OID, ekuNames)
		if err != nil {
			return nil, fmt.Errorf("extKeyUsage[%d]: %w", i, err)
		}
		if eku.Required {
			cp.ekuRequired = append(cp.ekuRequired, oid)
		}
	}

	return cp, nil
}

// orderRules returns rule indexes in granted-subject order: the canonical
// forward order unless the profile keeps the declaration order.
func orderRules(rules []compiledRDNRule, keepOrder bool) []int {
	if keepOrder {
		order := make([]int, len(rules))
		for i := range rules {
			order[i] = i
		}
		return order
	}

	var order []int
	used := make(map[int]bool, len(rules))
	for _, fwd := range x500.ForwardOrder {
		for i, r := range rules {
			if !used[i] && r.oid.Equal(fwd) {
				order = append(order, i)
				used[i] = true
			}
		}
	}
	// Types outside the forward list keep their declaration order.
	for i := range rules {
		if !used[i] {
			order = append(order, i)
		}
	}
	return order
}

// KindFor returns the string kind the profile mandates for an attribute
// type, falling back to the RFC 5280 defaults.
func (cp *CompiledProfile) KindFor(oid asn1.ObjectIdentifier) x500.StringKind {
	if k, ok := cp.kindByOID[oid.String()]; ok {
		return k
	}
	return x500.DefaultKind(oid)
}

// GrantNotBefore applies the profile's notBefore policy: the issuance time
// in "now" mode, otherwise the requested value floored to the issuance
// time.
func (cp *CompiledProfile) GrantNotBefore(requested *time.Time, now time.Time) time.Time {
	if cp.NotBefore == NotBeforeNow || requested == nil {
		return now
	}
	if requested.Before(now) {
		return now
	}
	return *requested
}

// IsCA reports whether the profile issues CA certificates.
func (cp *CompiledProfile) IsCA() bool {
	return cp.Level == LevelRootCA || cp.Level == LevelSubCA
}
