package responder

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"

	"github.com/certforge/certforge/internal/api/apierrors"
	"github.com/certforge/certforge/internal/api/dto"
	"github.com/certforge/certforge/internal/x500"
)

// checkIssuer validates that the issuer named in a request is the
// addressed CA. At least one identification field must be supplied, and
// every supplied field must match.
func checkIssuer(caCert *x509.Certificate, ident *dto.IssuerIdent) error {
	if ident == nil {
		return apierrors.New(apierrors.CodeBadRequest, "issuer identification required")
	}
	checked := false

	if ident.Subject != nil {
		name, err := ident.Subject.Name()
		if err != nil {
			return err
		}
		if !name.Equal(x500.FromPKIX(caCert.Subject)) {
			return apierrors.New(apierrors.CodeBadCertTemplate,
				"issuer subject does not match the addressed CA")
		}
		checked = true
	}
	if len(ident.AuthorityKeyID) > 0 {
		if !bytes.Equal(ident.AuthorityKeyID, caCert.SubjectKeyId) {
			return apierrors.New(apierrors.CodeBadCertTemplate,
				"issuer key identifier does not match the addressed CA")
		}
		checked = true
	}
	if len(ident.CertSHA256) > 0 {
		sum := sha256.Sum256(caCert.Raw)
		if !bytes.Equal(ident.CertSHA256, sum[:]) {
			return apierrors.New(apierrors.CodeBadCertTemplate,
				"issuer certificate hash does not match the addressed CA")
		}
		checked = true
	}

	if !checked {
		return apierrors.New(apierrors.CodeBadRequest, "issuer identification required")
	}
	return nil
}
