package profile

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"strings"

	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"

	"github.com/certforge/certforge/internal/api/apierrors"
)

// ML-DSA signature algorithm OIDs (FIPS 204).
var (
	OIDMLDSA44 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 17}
	OIDMLDSA65 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 18}
	OIDMLDSA87 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 19}
)

type subjectPublicKeyInfo struct {
	Algorithm pkixAlgorithm
	PublicKey asn1.BitString
}

type pkixAlgorithm struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// CheckPublicKey verifies that the DER SubjectPublicKeyInfo is well formed
// and that its algorithm and strength are admitted by the profile. The
// input bytes are returned unchanged on success.
func (cp *CompiledProfile) CheckPublicKey(spki []byte) ([]byte, error) {
	var info subjectPublicKeyInfo
	if rest, err := asn1.Unmarshal(spki, &info); err != nil || len(rest) != 0 {
		return nil, apierrors.New(apierrors.CodeBadCertTemplate, "malformed public key")
	}

	switch {
	case info.Algorithm.Algorithm.Equal(OIDMLDSA44):
		return cp.checkMLDSAKey(spki, info, 44, mldsa44.PublicKeySize)
	case info.Algorithm.Algorithm.Equal(OIDMLDSA65):
		return cp.checkMLDSAKey(spki, info, 65, mldsa65.PublicKeySize)
	case info.Algorithm.Algorithm.Equal(OIDMLDSA87):
		return cp.checkMLDSAKey(spki, info, 87, mldsa87.PublicKeySize)
	}

	pub, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, apierrors.New(apierrors.CodeBadCertTemplate, "malformed public key")
	}

	switch key := pub.(type) {
	case *rsa.PublicKey:
		rule := cp.keyRule("rsa")
		if rule == nil {
			return nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
				"RSA keys are not allowed by profile %s", cp.Name)
		}
		if rule.MinSize > 0 && key.N.BitLen() < rule.MinSize {
			return nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
				"RSA key is too small (%d bits, minimum %d)", key.N.BitLen(), rule.MinSize)
		}
	case *ecdsa.PublicKey:
		rule := cp.keyRule("ecdsa")
		if rule == nil {
			return nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
				"ECDSA keys are not allowed by profile %s", cp.Name)
		}
		if len(rule.Curves) > 0 && !containsFold(rule.Curves, key.Curve.Params().Name) {
			return nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
				"curve %s is not allowed by profile %s", key.Curve.Params().Name, cp.Name)
		}
	case ed25519.PublicKey:
		if cp.keyRule("ed25519") == nil {
			return nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
				"Ed25519 keys are not allowed by profile %s", cp.Name)
		}
	default:
		return nil, apierrors.New(apierrors.CodeBadCertTemplate, "unsupported public key algorithm")
	}

	return spki, nil
}

// checkMLDSAKey validates one of the ML-DSA parameter sets. The circl
// decoders reject keys that are not valid module-lattice points, so a
// round trip through UnmarshalBinaryPublicKey is the actual check.
func (cp *CompiledProfile) checkMLDSAKey(spki []byte, info subjectPublicKeyInfo, level, size int) ([]byte, error) {
	rule := cp.keyRule("ml-dsa")
	if rule == nil {
		return nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
			"ML-DSA keys are not allowed by profile %s", cp.Name)
	}
	if len(rule.Levels) > 0 && !containsInt(rule.Levels, level) {
		return nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
			"ML-DSA-%d keys are not allowed by profile %s", level, cp.Name)
	}

	raw := info.PublicKey.RightAlign()
	if len(raw) != size {
		return nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
			"malformed ML-DSA-%d public key", level)
	}

	var err error
	switch level {
	case 44:
		err = new(mldsa44.PublicKey).UnmarshalBinary(raw)
	case 65:
		err = new(mldsa65.PublicKey).UnmarshalBinary(raw)
	case 87:
		err = new(mldsa87.PublicKey).UnmarshalBinary(raw)
	}
	if err != nil {
		return nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
			"malformed ML-DSA-%d public key", level)
	}

	return spki, nil
}

func (cp *CompiledProfile) keyRule(algorithm string) *KeyRule {
	for i := range cp.Keys {
		if strings.EqualFold(cp.Keys[i].Algorithm, algorithm) {
			return &cp.Keys[i]
		}
	}
	return nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
