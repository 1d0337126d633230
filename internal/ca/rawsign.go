package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"

	"github.com/certforge/certforge/internal/api/apierrors"
	"github.com/certforge/certforge/internal/profile"
)

// ASN.1 structures for hand-built certificates (RFC 5280). crypto/x509
// cannot marshal ML-DSA SubjectPublicKeyInfo, so certificates for such
// keys are assembled and signed here.

type tbsCertificate struct {
	Raw                asn1.RawContent
	Version            int `asn1:"optional,explicit,default:0,tag:0"`
	SerialNumber       *big.Int
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Issuer             asn1.RawValue
	Validity           validity
	Subject            asn1.RawValue
	PublicKey          asn1.RawValue
	Extensions         []pkix.Extension `asn1:"optional,explicit,tag:3"`
}

type validity struct {
	NotBefore, NotAfter time.Time
}

type rawCertificate struct {
	TBSCertificate     tbsCertificate
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

type spkiHeader struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

type pkcs8Key struct {
	Version    int
	Algorithm  pkix.AlgorithmIdentifier
	PrivateKey []byte
}

// isMLDSASPKI reports whether the SubjectPublicKeyInfo carries an ML-DSA
// algorithm identifier.
func isMLDSASPKI(spki []byte) bool {
	var hdr spkiHeader
	if _, err := asn1.Unmarshal(spki, &hdr); err != nil {
		return false
	}
	oid := hdr.Algorithm.Algorithm
	return oid.Equal(profile.OIDMLDSA44) || oid.Equal(profile.OIDMLDSA65) || oid.Equal(profile.OIDMLDSA87)
}

// signRaw assembles and signs a certificate for a public key the standard
// library cannot handle.
func (c *LocalCA) signRaw(serial *big.Int, rawSubject, spki []byte, notBefore, notAfter time.Time, exts []pkix.Extension) ([]byte, error) {
	sigAlg, hash, err := signatureAlgorithm(c.signer)
	if err != nil {
		return nil, err
	}

	tbs := tbsCertificate{
		Version:            2,
		SerialNumber:       serial,
		SignatureAlgorithm: sigAlg,
		Issuer:             asn1.RawValue{FullBytes: c.chain[0].RawSubject},
		Validity:           validity{NotBefore: notBefore.UTC(), NotAfter: notAfter.UTC()},
		Subject:            asn1.RawValue{FullBytes: rawSubject},
		PublicKey:          asn1.RawValue{FullBytes: spki},
		Extensions:         exts,
	}
	tbsDER, err := asn1.Marshal(tbs)
	if err != nil {
		return nil, fmt.Errorf("marshaling TBSCertificate: %w", err)
	}

	message := tbsDER
	var opts crypto.SignerOpts = crypto.Hash(0)
	if hash != crypto.Hash(0) {
		h := hash.New()
		h.Write(tbsDER)
		message = h.Sum(nil)
		opts = hash
	}
	signature, err := c.signer.Sign(rand.Reader, message, opts)
	if err != nil {
		return nil, fmt.Errorf("signing TBSCertificate: %w", err)
	}

	return asn1.Marshal(rawCertificate{
		TBSCertificate:     tbs,
		SignatureAlgorithm: sigAlg,
		SignatureValue:     asn1.BitString{Bytes: signature, BitLength: len(signature) * 8},
	})
}

// Signature algorithm OIDs for the supported CA key types.
var (
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidEd25519         = asn1.ObjectIdentifier{1, 3, 101, 112}
	asn1Null           = asn1.RawValue{Tag: asn1.TagNull}
)

// signatureAlgorithm derives the AlgorithmIdentifier and digest for the
// CA's signing key.
func signatureAlgorithm(signer crypto.Signer) (pkix.AlgorithmIdentifier, crypto.Hash, error) {
	switch pub := signer.Public().(type) {
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P256():
			return pkix.AlgorithmIdentifier{Algorithm: oidECDSAWithSHA256}, crypto.SHA256, nil
		case elliptic.P384():
			return pkix.AlgorithmIdentifier{Algorithm: oidECDSAWithSHA384}, crypto.SHA384, nil
		case elliptic.P521():
			return pkix.AlgorithmIdentifier{Algorithm: oidECDSAWithSHA512}, crypto.SHA512, nil
		}
		return pkix.AlgorithmIdentifier{}, 0, fmt.Errorf("unsupported CA curve %s", pub.Curve.Params().Name)
	case *rsa.PublicKey:
		return pkix.AlgorithmIdentifier{Algorithm: oidSHA256WithRSA, Parameters: asn1Null}, crypto.SHA256, nil
	case ed25519.PublicKey:
		return pkix.AlgorithmIdentifier{Algorithm: oidEd25519}, crypto.Hash(0), nil
	default:
		return pkix.AlgorithmIdentifier{}, 0, fmt.Errorf("unsupported CA key type %T", pub)
	}
}

// generateSubjectKey creates a subject keypair under the profile's first
// key rule and returns the SubjectPublicKeyInfo and PKCS#8 private key.
func generateSubjectKey(cp *profile.CompiledProfile) (spki, pkcs8 []byte, err error) {
	rule := cp.Keys[0]
	switch strings.ToLower(rule.Algorithm) {
	case "ecdsa":
		curve := elliptic.P256()
		if len(rule.Curves) > 0 {
			if curve, err = curveByName(rule.Curves[0]); err != nil {
				return nil, nil, err
			}
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return marshalClassical(&key.PublicKey, key)
	case "ed25519":
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return marshalClassical(pub, priv)
	case "rsa":
		bits := rule.MinSize
		if bits < 2048 {
			bits = 3072
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, nil, err
		}
		return marshalClassical(&key.PublicKey, key)
	case "ml-dsa":
		level := 65
		if len(rule.Levels) > 0 {
			level = rule.Levels[0]
		}
		return generateMLDSAKey(level)
	default:
		return nil, nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
			"cannot generate %s keypairs", rule.Algorithm)
	}
}

func marshalClassical(pub any, priv any) ([]byte, []byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return spki, pkcs8, nil
}

func generateMLDSAKey(level int) ([]byte, []byte, error) {
	var oid asn1.ObjectIdentifier
	var pubRaw, privRaw []byte
	switch level {
	case 44:
		pub, priv, err := mldsa44.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		if pubRaw, err = pub.MarshalBinary(); err != nil {
			return nil, nil, err
		}
		if privRaw, err = priv.MarshalBinary(); err != nil {
			return nil, nil, err
		}
		oid = profile.OIDMLDSA44
	case 65:
		pub, priv, err := mldsa65.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		if pubRaw, err = pub.MarshalBinary(); err != nil {
			return nil, nil, err
		}
		if privRaw, err = priv.MarshalBinary(); err != nil {
			return nil, nil, err
		}
		oid = profile.OIDMLDSA65
	case 87:
		pub, priv, err := mldsa87.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		if pubRaw, err = pub.MarshalBinary(); err != nil {
			return nil, nil, err
		}
		if privRaw, err = priv.MarshalBinary(); err != nil {
			return nil, nil, err
		}
		oid = profile.OIDMLDSA87
	default:
		return nil, nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
			"unsupported ML-DSA level %d", level)
	}

	spki, err := asn1.Marshal(spkiHeader{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oid},
		PublicKey: asn1.BitString{Bytes: pubRaw, BitLength: len(pubRaw) * 8},
	})
	if err != nil {
		return nil, nil, err
	}
	pkcs8, err := asn1.Marshal(pkcs8Key{
		Algorithm:  pkix.AlgorithmIdentifier{Algorithm: oid},
		PrivateKey: privRaw,
	})
	if err != nil {
		return nil, nil, err
	}
	return spki, pkcs8, nil
}

func curveByName(name string) (elliptic.Curve, error) {
	switch strings.ToUpper(name) {
	case "P-256", "P256":
		return elliptic.P256(), nil
	case "P-384", "P384":
		return elliptic.P384(), nil
	case "P-521", "P521":
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("unknown curve %q", name)
}
