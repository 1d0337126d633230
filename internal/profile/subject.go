package profile

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/certforge/certforge/internal/api/apierrors"
	"github.com/certforge/certforge/internal/x500"
)

// Subject walks the profile's RDN rules over the requested name and
// returns the canonicalized (granted) subject plus an optional warning.
// The evaluation is pure: it never mutates the request and grants the
// same output when re-applied to an already-granted subject.
func (cp *CompiledProfile) Subject(requested x500.Name) (x500.Name, string, error) {
	var granted x500.Name
	var warnings []string

	// Reject attribute types the profile does not know.
	for _, attr := range requested.Attributes {
		if !cp.hasRDNRule(attr.Type.String()) {
			return x500.Name{}, "", apierrors.Newf(apierrors.CodeBadCertTemplate,
				"subject attribute %s is not allowed by profile %s",
				x500.AttributeTypeName(attr.Type), cp.Name)
		}
	}

	// groupMember records which attribute type claimed each exclusivity
	// group.
	groupMember := make(map[string]string)

	for _, idx := range cp.rdnOrder {
		rule := &cp.rdnRules[idx]
		values := requested.Get(rule.oid)

		// A fixed, non-overridable value replaces whatever was requested.
		if rule.Value != "" && !rule.Overridable {
			if len(values) > 0 && (len(values) != 1 || values[0] != rule.Value) {
				warnings = append(warnings, fmt.Sprintf(
					"%s: requested value replaced by profile value",
					x500.AttributeTypeName(rule.oid)))
			}
			values = []string{rule.Value}
		} else if len(values) == 0 && rule.Value != "" {
			// Overridable default.
			values = []string{rule.Value}
		}

		n := len(values)
		if n < rule.minOccurs {
			return x500.Name{}, "", apierrors.Newf(apierrors.CodeBadCertTemplate,
				"required subject attribute %s occurs %d time(s), minimum is %d",
				x500.AttributeTypeName(rule.oid), n, rule.minOccurs)
		}
		if n > rule.maxOccurs {
			return x500.Name{}, "", apierrors.Newf(apierrors.CodeBadCertTemplate,
				"subject attribute %s occurs %d time(s), maximum is %d",
				x500.AttributeTypeName(rule.oid), n, rule.maxOccurs)
		}
		if n == 0 {
			continue
		}

		if rule.Group != "" {
			if other, taken := groupMember[rule.Group]; taken {
				return x500.Name{}, "", apierrors.Newf(apierrors.CodeBadCertTemplate,
					"subject attributes %s and %s are mutually exclusive (group %q)",
					other, x500.AttributeTypeName(rule.oid), rule.Group)
			}
			groupMember[rule.Group] = x500.AttributeTypeName(rule.oid)
		}

		for _, v := range values {
			text, err := cp.grantValue(rule, v)
			if err != nil {
				return x500.Name{}, "", err
			}
			granted.Attributes = append(granted.Attributes, x500.Attribute{
				Type:  rule.oid,
				Value: text,
			})
		}
	}

	return granted, strings.Join(warnings, "; "), nil
}

// grantValue applies prefix/suffix overrides and validates one attribute
// value against a rule.
func (cp *CompiledProfile) grantValue(rule *compiledRDNRule, value string) (string, error) {
	text := value
	if rule.Prefix != "" && !strings.HasPrefix(text, rule.Prefix) {
		text = rule.Prefix + text
	}
	if rule.Suffix != "" && !strings.HasSuffix(text, rule.Suffix) {
		text += rule.Suffix
	}

	length := utf8.RuneCountInString(text)
	if rule.MinLen > 0 && length < rule.MinLen {
		return "", apierrors.Newf(apierrors.CodeBadCertTemplate,
			"subject attribute %s value is too short (%d < %d)",
			x500.AttributeTypeName(rule.oid), length, rule.MinLen)
	}
	if rule.MaxLen > 0 && length > rule.MaxLen {
		return "", apierrors.Newf(apierrors.CodeBadCertTemplate,
			"subject attribute %s value is too long (%d > %d)",
			x500.AttributeTypeName(rule.oid), length, rule.MaxLen)
	}

	if rule.pattern != nil && !rule.pattern.MatchString(text) {
		return "", apierrors.Newf(apierrors.CodeBadCertTemplate,
			"subject attribute %s value %q does not match the profile pattern",
			x500.AttributeTypeName(rule.oid), text)
	}

	// Encoding validation happens here so that a value the profile cannot
	// encode fails the template instead of the signing operation.
	if _, err := x500.EncodeString(rule.kind, text); err != nil {
		return "", apierrors.Newf(apierrors.CodeBadCertTemplate,
			"subject attribute %s: %v", x500.AttributeTypeName(rule.oid), err)
	}

	return text, nil
}

func (cp *CompiledProfile) hasRDNRule(oid string) bool {
	for i := range cp.rdnRules {
		if cp.rdnRules[i].oid.String() == oid {
			return true
		}
	}
	return false
}
