package profile

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"github.com/certforge/certforge/internal/api/apierrors"
)

// RequestedExtension is one extension carried in an enrollment request.
type RequestedExtension struct {
	OID      asn1.ObjectIdentifier
	Critical bool
	Value    []byte
}

// ExtensionResult is the outcome of extension evaluation: the extensions
// to place in the certificate plus the names of requested extensions the
// profile dropped.
type ExtensionResult struct {
	Extensions []pkix.Extension
	Dropped    []string
}

// Extensions evaluates the requested extensions against the profile's
// controls and synthesizes the policy-driven ones. Requested extensions
// are honored only where the control permits request values; extensions
// the profile does not know are dropped, or rejected when the profile is
// strict. keyUsage, extKeyUsage and basicConstraints always come from
// the policy, never from the request.
func (cp *CompiledProfile) Extensions(requested []RequestedExtension) (*ExtensionResult, error) {
	res := &ExtensionResult{}
	byOID := make(map[string]*RequestedExtension, len(requested))
	for i := range requested {
		byOID[requested[i].OID.String()] = &requested[i]
	}

	for _, req := range requested {
		key := req.OID.String()
		ctrl, known := cp.extByOID[key]
		if !known {
			if cp.StrictExtensions {
				return nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
					"requested extension %s is not allowed by profile %s",
					extensionName(req.OID), cp.Name)
			}
			res.Dropped = append(res.Dropped, extensionName(req.OID))
			continue
		}
		if !ctrl.InRequest && !cp.synthesized(ctrl.oid) {
			return nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
				"extension %s may not be supplied in the request", extensionName(req.OID))
		}
	}

	for i := range cp.extRules {
		ctrl := &cp.extRules[i]
		key := ctrl.oid.String()

		if cp.synthesized(ctrl.oid) {
			ext, err := cp.synthesize(ctrl)
			if err != nil {
				return nil, err
			}
			if ext != nil {
				res.Extensions = append(res.Extensions, *ext)
			}
			continue
		}

		if req, ok := byOID[key]; ok && ctrl.InRequest {
			res.Extensions = append(res.Extensions, pkix.Extension{
				Id:       ctrl.oid,
				Critical: ctrl.Critical,
				Value:    req.Value,
			})
			continue
		}

		if ctrl.Required {
			return nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
				"required extension %s is missing from the request", extensionName(ctrl.oid))
		}
	}

	return res, nil
}

// synthesized reports whether the evaluator builds the extension from the
// profile policy instead of the request.
func (cp *CompiledProfile) synthesized(oid asn1.ObjectIdentifier) bool {
	return oid.Equal(OIDKeyUsage) || oid.Equal(OIDExtKeyUsage) || oid.Equal(OIDBasicConstraints)
}

// synthesize builds one policy-driven extension. A nil return with nil
// error means the policy produces nothing for this OID.
func (cp *CompiledProfile) synthesize(ctrl *compiledExtensionRule) (*pkix.Extension, error) {
	switch {
	case ctrl.oid.Equal(OIDKeyUsage):
		return cp.keyUsageExtension(ctrl.Critical)
	case ctrl.oid.Equal(OIDExtKeyUsage):
		return cp.extKeyUsageExtension(ctrl.Critical)
	case ctrl.oid.Equal(OIDBasicConstraints):
		return cp.basicConstraintsExtension(ctrl.Critical)
	}
	return nil, nil
}

func (cp *CompiledProfile) keyUsageExtension(critical bool) (*pkix.Extension, error) {
	var bits int
	maxBit := -1
	for _, name := range cp.keyUsageRequired {
		bit := keyUsageBits[name]
		bits |= 1 << uint(bit)
		if bit > maxBit {
			maxBit = bit
		}
	}
	if maxBit < 0 {
		return nil, nil
	}

	// DER BIT STRING: most significant bit of the first byte is bit 0.
	nbytes := maxBit/8 + 1
	raw := make([]byte, nbytes)
	for bit := 0; bit <= maxBit; bit++ {
		if bits&(1<<uint(bit)) != 0 {
			raw[bit/8] |= 0x80 >> uint(bit%8)
		}
	}
	value, err := asn1.Marshal(asn1.BitString{Bytes: raw, BitLength: maxBit + 1})
	if err != nil {
		return nil, fmt.Errorf("encoding key usage: %w", err)
	}
	return &pkix.Extension{Id: OIDKeyUsage, Critical: critical, Value: value}, nil
}

func (cp *CompiledProfile) extKeyUsageExtension(critical bool) (*pkix.Extension, error) {
	if len(cp.ekuRequired) == 0 {
		return nil, nil
	}
	value, err := asn1.Marshal(cp.ekuRequired)
	if err != nil {
		return nil, fmt.Errorf("encoding extended key usage: %w", err)
	}
	return &pkix.Extension{Id: OIDExtKeyUsage, Critical: critical, Value: value}, nil
}

func (cp *CompiledProfile) basicConstraintsExtension(critical bool) (*pkix.Extension, error) {
	bc := struct {
		IsCA       bool `asn1:"optional"`
		MaxPathLen int  `asn1:"optional,default:-1"`
	}{IsCA: cp.IsCA(), MaxPathLen: -1}
	if cp.IsCA() && cp.MaxPathLen != nil {
		bc.MaxPathLen = *cp.MaxPathLen
	}
	value, err := asn1.Marshal(bc)
	if err != nil {
		return nil, fmt.Errorf("encoding basic constraints: %w", err)
	}
	return &pkix.Extension{Id: OIDBasicConstraints, Critical: critical, Value: value}, nil
}

// extensionName returns the friendly name of an extension OID when one is
// known, the dotted form otherwise.
func extensionName(oid asn1.ObjectIdentifier) string {
	for name, o := range extensionNames {
		if o.Equal(oid) {
			return name
		}
	}
	return oid.String()
}
