package responder

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/certforge/certforge/internal/api/apierrors"
	"github.com/certforge/certforge/internal/api/dto"
	"github.com/certforge/certforge/internal/ca"
	"github.com/certforge/certforge/internal/profile"
	"github.com/certforge/certforge/internal/x500"
)

// CA-certificate modes of an enrollment response.
const (
	caCertModeNone  = "none"
	caCertModeCert  = "cert"
	caCertModeChain = "chain"
)

// nonCarryOverExtensions are the extensions of a replaced certificate that
// a key update must not inherit: they are either subject to fresh policy
// evaluation or tied to the old key.
var nonCarryOverExtensions = []asn1.ObjectIdentifier{
	{1, 3, 6, 1, 5, 5, 7, 1, 2},  // biometricInfo
	{2, 5, 29, 37},               // extendedKeyUsage
	{2, 5, 29, 15},               // keyUsage
	{1, 3, 6, 1, 5, 5, 7, 1, 3},  // qcStatements
	{2, 5, 29, 17},               // subjectAltName
	{1, 3, 6, 1, 5, 5, 7, 1, 11}, // subjectInfoAccess
}

// handleEnroll serves enroll and enroll_kup. The two differ only in the
// template construction: a key update resolves the replaced certificate
// and inherits what the request leaves out.
func (rs *Responder) handleEnroll(ctx context.Context, rq *request, keyUpdate bool) (any, error) {
	var req dto.EnrollRequest
	if err := rq.codec.Decode(rq.body, &req); err != nil {
		return nil, err
	}
	rq.tid = req.TransactionID
	if rq.tid == "" {
		rq.tid = uuid.NewString()
	}
	if len(req.Entries) == 0 {
		return nil, apierrors.New(apierrors.CodeBadRequest, "no enrollment entries")
	}

	mode := strings.ToLower(req.CACertMode)
	switch mode {
	case "":
		if rq.entry.ChainInEnroll {
			mode = caCertModeChain
		} else {
			mode = caCertModeCert
		}
	case caCertModeNone, caCertModeCert, caCertModeChain:
	default:
		return nil, apierrors.Newf(apierrors.CodeBadRequest, "unknown caCertMode %q", req.CACertMode)
	}

	templates := make([]ca.CertTemplate, len(req.Entries))
	for i := range req.Entries {
		t, err := rs.buildTemplate(ctx, rq, &req.Entries[i], keyUpdate)
		if err != nil {
			return nil, err
		}
		templates[i] = *t
	}

	// The whole batch must pass the profile allow-list before any
	// certificate is generated.
	for i := range templates {
		if !rq.requestor.ProfilePermitted(templates[i].Profile) {
			return nil, apierrors.Newf(apierrors.CodeNotPermitted,
				"profile %q is not permitted for requestor %s",
				templates[i].Profile, rq.requestor.Name)
		}
	}

	auth := rq.authority()
	resp := &dto.EnrollResponse{
		TransactionID: rq.tid,
		Entries:       make([]dto.EnrollResponseEntry, len(templates)),
	}
	var issued []*ca.CertInfo

	if req.GroupEnroll {
		infos, err := auth.GenerateCerts(ctx, templates, rq.tid, keyUpdate)
		if err != nil {
			// The batch is atomic: undo the certificates already issued
			// and report a plain failure without per-entry detail.
			rs.rollback(ctx, auth, infos, rq.tid)
			return nil, apierrors.New(apierrors.CodeSystemFailure, "enrollment failed")
		}
		issued = infos
		for i, info := range infos {
			resp.Entries[i] = responseEntry(info)
		}
	} else {
		for i := range templates {
			infos, err := auth.GenerateCerts(ctx, templates[i:i+1], rq.tid, keyUpdate)
			if err != nil {
				oe := apierrors.From(err)
				resp.Entries[i] = dto.EnrollResponseEntry{
					CertReqID: templates[i].CertReqID,
					Error:     &dto.ErrorInfo{Code: string(oe.Code), Message: oe.Message},
				}
				continue
			}
			issued = append(issued, infos[0])
			resp.Entries[i] = responseEntry(infos[0])
		}
	}

	if (req.ExplicitConfirm || rq.entry.ExplicitConfirm) && len(issued) > 0 {
		window := rq.entry.Window()
		if req.ConfirmWaitMillis > 0 {
			window = time.Duration(req.ConfirmWaitMillis) * time.Millisecond
		}
		expiry := time.Now().Add(window)
		for _, info := range issued {
			rs.pool.Add(rq.tid, info.CertReqID, auth.Name(), info.Cert, expiry)
		}
		resp.ConfirmExpiry = &expiry
	}

	switch mode {
	case caCertModeCert:
		resp.CACert = auth.CACert().Raw
	case caCertModeChain:
		for _, c := range auth.CAChain() {
			resp.CACertChain = append(resp.CACertChain, c.Raw)
		}
	}

	if rq.entry.SaveRequest {
		serials := make([]*big.Int, 0, len(issued))
		for _, info := range issued {
			serials = append(serials, info.Cert.SerialNumber)
		}
		if err := auth.ArchiveRequest(ctx, rq.tid, rq.body, serials); err != nil {
			rs.log.Warn("archiving enrollment request failed",
				zap.String("tid", rq.tid), zap.Error(err))
		}
	}
	return resp, nil
}

// buildTemplate turns one wire entry into a certificate template. The
// PKCS#10 form is a structured carrier only; its signature is not checked
// because the TLS client certificate already authenticates the requestor.
func (rs *Responder) buildTemplate(ctx context.Context, rq *request, e *dto.EnrollEntry, keyUpdate bool) (*ca.CertTemplate, error) {
	t := &ca.CertTemplate{
		Profile:           e.Profile,
		CertReqID:         e.CertReqID,
		NotBefore:         e.NotBefore,
		NotAfter:          e.NotAfter,
		CAGenerateKeypair: e.CAGenerateKeypair,
	}

	if len(e.P10) > 0 {
		csr, err := x509.ParseCertificateRequest(e.P10)
		if err != nil {
			return nil, apierrors.Newf(apierrors.CodeBadRequest,
				"entry %s: unparseable PKCS#10 request", e.CertReqID)
		}
		t.Subject = x500.FromPKIX(csr.Subject)
		t.SubjectPublicKey = csr.RawSubjectPublicKeyInfo
		for _, ext := range csr.Extensions {
			t.Extensions = append(t.Extensions, profile.RequestedExtension{
				OID: ext.Id, Critical: ext.Critical, Value: ext.Value,
			})
		}
	} else {
		if e.Subject != nil {
			n, err := e.Subject.Name()
			if err != nil {
				return nil, err
			}
			t.Subject = n
		}
		t.SubjectPublicKey = e.SubjectPublicKey
		for _, ext := range e.Extensions {
			oid, err := parseOID(ext.OID)
			if err != nil {
				return nil, apierrors.Newf(apierrors.CodeBadRequest,
					"entry %s: invalid extension OID %q", e.CertReqID, ext.OID)
			}
			t.Extensions = append(t.Extensions, profile.RequestedExtension{
				OID: oid, Critical: ext.Critical, Value: ext.Value,
			})
		}
	}

	if keyUpdate {
		if err := rs.applyOldCert(ctx, rq, e, t); err != nil {
			return nil, err
		}
	} else if len(t.SubjectPublicKey) == 0 {
		// An entry without a public key implies a CA-side keypair.
		t.CAGenerateKeypair = true
	}

	if t.Profile == "" {
		return nil, apierrors.Newf(apierrors.CodeBadRequest,
			"entry %s: profile is required", e.CertReqID)
	}
	return t, nil
}

// applyOldCert resolves the certificate a key update replaces and fills
// the template fields the request leaves out.
func (rs *Responder) applyOldCert(ctx context.Context, rq *request, e *dto.EnrollEntry, t *ca.CertTemplate) error {
	if e.OldCert == nil {
		return apierrors.Newf(apierrors.CodeBadRequest,
			"entry %s: oldCert is required for a key update", e.CertReqID)
	}
	if e.OldCert.Issuer != nil {
		issuer, err := e.OldCert.Issuer.Name()
		if err != nil {
			return err
		}
		if !issuer.Equal(x500.FromPKIX(rq.authority().CACert().Subject)) {
			return apierrors.Newf(apierrors.CodeBadCertTemplate,
				"entry %s: old certificate was not issued by this CA", e.CertReqID)
		}
	}
	serial, err := dto.ParseSerial(e.OldCert.Serial)
	if err != nil {
		return err
	}
	rec, err := rq.authority().GetCert(ctx, serial)
	if err != nil {
		return err
	}
	if rec.Status == ca.CertStatusRevoked {
		return apierrors.Newf(apierrors.CodeCertRevoked,
			"entry %s: certificate with serial 0x%s is revoked", e.CertReqID, serial.Text(16))
	}
	old := rec.Cert

	if t.Profile == "" {
		t.Profile = rec.Profile
	}
	if len(t.Subject.Attributes) == 0 {
		t.Subject = x500.FromPKIX(old.Subject)
		// A serialNumber attribute distinguishes the successive
		// certificates of one subject and moves on with each update.
		for i, a := range t.Subject.Attributes {
			if !a.Type.Equal(x500.OIDSerialNumber) {
				continue
			}
			next, err := profile.IncSerialNumber(a.Value)
			if err != nil {
				return err
			}
			t.Subject.Attributes[i].Value = next
		}
	}
	if len(t.SubjectPublicKey) == 0 {
		if e.OldCert.ReusePublicKey {
			t.SubjectPublicKey = old.RawSubjectPublicKeyInfo
		} else {
			t.CAGenerateKeypair = true
		}
	}
	t.Extensions = mergeOldExtensions(t.Extensions, old)
	t.OldCert = old
	return nil
}

// mergeOldExtensions carries the old certificate's extensions over to the
// new template, except those freshly requested and those that never carry
// over.
func mergeOldExtensions(requested []profile.RequestedExtension, old *x509.Certificate) []profile.RequestedExtension {
	out := requested
	for _, ext := range old.Extensions {
		if oidInRequest(requested, ext.Id) || oidInList(nonCarryOverExtensions, ext.Id) {
			continue
		}
		out = append(out, profile.RequestedExtension{
			OID: ext.Id, Critical: ext.Critical, Value: ext.Value,
		})
	}
	return out
}

func oidInRequest(requested []profile.RequestedExtension, oid asn1.ObjectIdentifier) bool {
	for i := range requested {
		if requested[i].OID.Equal(oid) {
			return true
		}
	}
	return false
}

func oidInList(list []asn1.ObjectIdentifier, oid asn1.ObjectIdentifier) bool {
	for _, o := range list {
		if o.Equal(oid) {
			return true
		}
	}
	return false
}

// rollback revokes certificates issued before a group enrollment failed.
// Revocation failures are logged; there is nothing more to do with them.
func (rs *Responder) rollback(ctx context.Context, auth ca.Authority, issued []*ca.CertInfo, tid string) {
	for _, info := range issued {
		err := auth.RevokeCert(ctx, info.Cert.SerialNumber, ca.ReasonCessationOfOperation, nil)
		if err != nil {
			rs.log.Error("rolling back issued certificate failed",
				zap.String("tid", tid),
				zap.String("serial", dto.FormatSerial(info.Cert.SerialNumber)),
				zap.Error(err))
			continue
		}
		rs.log.Info("rolled back issued certificate",
			zap.String("tid", tid),
			zap.String("serial", dto.FormatSerial(info.Cert.SerialNumber)))
	}
}

func responseEntry(info *ca.CertInfo) dto.EnrollResponseEntry {
	return dto.EnrollResponseEntry{
		CertReqID:  info.CertReqID,
		Cert:       info.Cert.Raw,
		PrivateKey: info.PrivateKey,
		Warning:    info.Warning,
	}
}

// parseOID reads a dotted object identifier.
func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, apierrors.Newf(apierrors.CodeBadRequest, "invalid OID %q", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, apierrors.Newf(apierrors.CodeBadRequest, "invalid OID %q", s)
		}
		oid[i] = n
	}
	return oid, nil
}
