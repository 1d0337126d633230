// Package profile provides certificate profiles for the control plane.
//
// A profile is a named policy describing how a certificate issued under it
// must look: which subject attributes are allowed and in what order, which
// extensions appear, which key algorithms are acceptable, and how long the
// certificate lives. Profiles are declarative YAML documents; evaluation
// (subject canonicalization, extension synthesis, key checks) is pure and
// shares one code path across all certificate kinds. A concrete profile is
// a data value, not a subclass: every variant supplies its subject rules,
// extension controls, key-usage set and validity explicitly.
package profile

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration reading YAML values like "2160h" or "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// CertLevel is the hierarchical position of certificates issued under a
// profile.
type CertLevel string

const (
	LevelRootCA    CertLevel = "root-ca"
	LevelSubCA     CertLevel = "sub-ca"
	LevelEndEntity CertLevel = "end-entity"
)

// CertDomain selects the rule set the profile conforms to.
type CertDomain string

const (
	DomainRFC5280  CertDomain = "rfc5280"
	DomainCABForum CertDomain = "cabforum"
)

// NotBeforeMode controls how a requested notBefore is granted.
type NotBeforeMode string

const (
	// NotBeforeNow ignores the request and uses the issuance time.
	NotBeforeNow NotBeforeMode = "now"
	// NotBeforeRequest honors the requested value but floors it to the
	// issuance time (a backdated request is clamped forward).
	NotBeforeRequest NotBeforeMode = "request"
)

// RDNRule constrains one subject attribute type.
type RDNRule struct {
	// Type is a short attribute name ("cn", "o", ...) or a dotted OID.
	Type string `yaml:"type"`

	// MinOccurs and MaxOccurs bound how often the attribute may appear.
	// Both default to 1; MinOccurs 0 makes the attribute optional.
	MinOccurs *int `yaml:"minOccurs,omitempty"`
	MaxOccurs *int `yaml:"maxOccurs,omitempty"`

	// Kind selects the DER string encoding (utf8 by default).
	Kind string `yaml:"kind,omitempty"`

	// MinLen and MaxLen bound the value length in runes (0 = unbounded).
	MinLen int `yaml:"minLen,omitempty"`
	MaxLen int `yaml:"maxLen,omitempty"`

	// Pattern is an anchored regular expression the value must match.
	Pattern string `yaml:"pattern,omitempty"`

	// Prefix and Suffix are prepended/appended to the granted value when
	// not already present.
	Prefix string `yaml:"prefix,omitempty"`
	Suffix string `yaml:"suffix,omitempty"`

	// Value fixes the attribute value. When Overridable is false a
	// requested value is replaced (with a warning); when true the request
	// wins and Value is only the default.
	Value       string `yaml:"value,omitempty"`
	Overridable bool   `yaml:"overridable,omitempty"`

	// Group names an exclusivity group: at most one attribute type of a
	// group may appear in a granted subject.
	Group string `yaml:"group,omitempty"`
}

// SubjectPolicy is the ordered RDN rule list of a profile.
type SubjectPolicy struct {
	// KeepOrder preserves the request's attribute order instead of the
	// canonical forward order.
	KeepOrder bool      `yaml:"keepOrder,omitempty"`
	RDNs      []RDNRule `yaml:"rdns"`
}

// ExtensionRule controls one extension OID.
type ExtensionRule struct {
	// OID is a dotted OID or one of the well-known extension names.
	OID string `yaml:"oid"`

	Critical bool `yaml:"critical,omitempty"`

	// Required marks the extension as mandatory in every issued
	// certificate.
	Required bool `yaml:"required,omitempty"`

	// InRequest permits the extension to be taken from the request.
	InRequest bool `yaml:"inRequest,omitempty"`
}

// KeyUsageRule names one key-usage bit.
type KeyUsageRule struct {
	Usage    string `yaml:"usage"`
	Required bool   `yaml:"required,omitempty"`
}

// ExtKeyUsageRule names one extended-key-usage purpose.
type ExtKeyUsageRule struct {
	// OID is a dotted OID or a well-known name (serverAuth, clientAuth,
	// codeSigning, emailProtection, timeStamping, ocspSigning).
	OID      string `yaml:"oid"`
	Required bool   `yaml:"required,omitempty"`
}

// KeyRule admits one public-key algorithm family.
type KeyRule struct {
	// Algorithm is one of "rsa", "ecdsa", "ed25519", "ml-dsa".
	Algorithm string `yaml:"algorithm"`

	// MinSize is the minimal modulus size in bits (RSA only).
	MinSize int `yaml:"minSize,omitempty"`

	// Curves lists the permitted named curves (ECDSA only).
	Curves []string `yaml:"curves,omitempty"`

	// Levels lists the permitted ML-DSA parameter sets (44, 65, 87).
	Levels []int `yaml:"levels,omitempty"`
}

// Profile is the YAML-facing policy document.
type Profile struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Level       CertLevel  `yaml:"level"`
	Domain      CertDomain `yaml:"domain,omitempty"`

	Validity  Duration      `yaml:"validity"`
	NotBefore NotBeforeMode `yaml:"notBefore,omitempty"`

	Subject     SubjectPolicy     `yaml:"subject"`
	Extensions  []ExtensionRule   `yaml:"extensions"`
	KeyUsage    []KeyUsageRule    `yaml:"keyUsage"`
	ExtKeyUsage []ExtKeyUsageRule `yaml:"extKeyUsage,omitempty"`
	Keys        []KeyRule         `yaml:"keys"`

	// MaxPathLen applies to CA levels only; nil means no constraint.
	MaxPathLen *int `yaml:"maxPathLen,omitempty"`

	// StrictExtensions rejects requested extensions not covered by any
	// rule instead of dropping them.
	StrictExtensions bool `yaml:"strictExtensions,omitempty"`
}

// Validate checks the structural invariants of a profile: a usable profile
// always carries subject rules, extension controls, a key-usage set and at
// least one admitted key algorithm.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}

	switch p.Level {
	case LevelRootCA, LevelSubCA, LevelEndEntity:
	default:
		return fmt.Errorf("invalid level %q (expected root-ca, sub-ca or end-entity)", p.Level)
	}

	switch p.Domain {
	case "", DomainRFC5280, DomainCABForum:
	default:
		return fmt.Errorf("invalid domain %q (expected rfc5280 or cabforum)", p.Domain)
	}

	if p.Validity <= 0 {
		return fmt.Errorf("validity must be positive")
	}

	switch p.NotBefore {
	case "", NotBeforeNow, NotBeforeRequest:
	default:
		return fmt.Errorf("invalid notBefore mode %q", p.NotBefore)
	}

	if len(p.Subject.RDNs) == 0 {
		return fmt.Errorf("subject rules are required")
	}
	if len(p.Extensions) == 0 {
		return fmt.Errorf("extension controls are required")
	}
	if len(p.KeyUsage) == 0 {
		return fmt.Errorf("key usage set is required")
	}
	if len(p.Keys) == 0 {
		return fmt.Errorf("at least one key algorithm is required")
	}

	for i, k := range p.Keys {
		switch strings.ToLower(k.Algorithm) {
		case "rsa", "ecdsa", "ed25519", "ml-dsa":
		default:
			return fmt.Errorf("keys[%d]: unknown algorithm %q", i, k.Algorithm)
		}
	}

	for i, r := range p.Subject.RDNs {
		minOccurs, maxOccurs := r.occurs()
		if minOccurs < 0 || maxOccurs < minOccurs {
			return fmt.Errorf("subject.rdns[%d] (%s): invalid occurrence bounds [%d,%d]",
				i, r.Type, minOccurs, maxOccurs)
		}
	}

	return nil
}

// occurs returns the effective occurrence bounds of a rule.
func (r *RDNRule) occurs() (int, int) {
	minOccurs, maxOccurs := 1, 1
	if r.MinOccurs != nil {
		minOccurs = *r.MinOccurs
	}
	if r.MaxOccurs != nil {
		maxOccurs = *r.MaxOccurs
	}
	return minOccurs, maxOccurs
}

// String returns a short human-readable summary.
func (p *Profile) String() string {
	return fmt.Sprintf("Profile[%s]: level=%s validity=%s rdns=%d extensions=%d",
		p.Name, p.Level, p.Validity, len(p.Subject.RDNs), len(p.Extensions))
}
