package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/certforge/certforge/internal/api/apierrors"
	"github.com/certforge/certforge/internal/profile"
	"github.com/certforge/certforge/internal/x500"
)

// LocalCAConfig configures a file-backed CA.
type LocalCAConfig struct {
	// Name is the CA's registry name.
	Name string

	// Dir is the credential directory, laid out as Store describes.
	Dir string

	Profiles *profile.Store

	// ArchiveRequests enables the bbolt request archive.
	ArchiveRequests bool

	Logger *zap.Logger
}

// LocalCA is an Authority signing with an in-process key.
type LocalCA struct {
	name     string
	profiles *profile.Store
	chain    []*x509.Certificate
	signer   crypto.Signer
	index    *CertIndex
	archive  *RequestArchive
	log      *zap.Logger
}

// NewLocalCA loads credentials from disk and opens the CA's databases.
func NewLocalCA(cfg LocalCAConfig) (*LocalCA, error) {
	store := Store{Dir: cfg.Dir}
	chain, err := store.LoadChain()
	if err != nil {
		return nil, err
	}
	signer, err := store.LoadSigner()
	if err != nil {
		return nil, err
	}
	index, err := OpenCertIndex(store.IndexPath())
	if err != nil {
		return nil, err
	}

	var archive *RequestArchive
	if cfg.ArchiveRequests {
		archive, err = OpenRequestArchive(store.RequestsPath())
		if err != nil {
			index.Close()
			return nil, err
		}
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalCA{
		name:     cfg.Name,
		profiles: cfg.Profiles,
		chain:    chain,
		signer:   signer,
		index:    index,
		archive:  archive,
		log:      log.With(zap.String("ca", cfg.Name)),
	}, nil
}

// Close releases the CA's databases.
func (c *LocalCA) Close() error {
	err := c.index.Close()
	if c.archive != nil {
		if aerr := c.archive.Close(); err == nil {
			err = aerr
		}
	}
	return err
}

func (c *LocalCA) Name() string { return c.name }

// Healthy reports whether the certificate index answers queries.
func (c *LocalCA) Healthy(ctx context.Context) bool {
	return c.index.db.PingContext(ctx) == nil
}

func (c *LocalCA) CACert() *x509.Certificate { return c.chain[0] }

func (c *LocalCA) CAChain() []*x509.Certificate { return c.chain }

// GenerateCerts issues one certificate per template. On failure the
// already-issued certificates are returned with the error so the caller
// can revoke them.
func (c *LocalCA) GenerateCerts(ctx context.Context, templates []CertTemplate, tid string, keyUpdate bool) ([]*CertInfo, error) {
	issued := make([]*CertInfo, 0, len(templates))
	for i := range templates {
		info, err := c.issueOne(ctx, &templates[i], tid, keyUpdate)
		if err != nil {
			return issued, apierrors.From(err).WithTransaction(tid)
		}
		issued = append(issued, info)
	}
	return issued, nil
}

func (c *LocalCA) issueOne(ctx context.Context, tmpl *CertTemplate, tid string, keyUpdate bool) (*CertInfo, error) {
	cp := c.profiles.Get(tmpl.Profile)
	if cp == nil {
		return nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
			"unknown certificate profile %q", tmpl.Profile)
	}

	var privateKey []byte
	spki := tmpl.SubjectPublicKey
	if tmpl.CAGenerateKeypair {
		var err error
		spki, privateKey, err = generateSubjectKey(cp)
		if err != nil {
			return nil, err
		}
	} else if len(spki) == 0 {
		return nil, apierrors.New(apierrors.CodeBadCertTemplate, "missing public key")
	}
	spki, err := cp.CheckPublicKey(spki)
	if err != nil {
		return nil, err
	}

	granted, warning, err := cp.Subject(tmpl.Subject)
	if err != nil {
		return nil, err
	}
	rawSubject, err := granted.MarshalDER(cp.KindFor)
	if err != nil {
		return nil, apierrors.Newf(apierrors.CodeBadCertTemplate,
			"encoding subject: %v", err)
	}

	now := time.Now().UTC()
	notBefore := cp.GrantNotBefore(tmpl.NotBefore, now)
	notAfter := notBefore.Add(cp.Validity.Std())
	if tmpl.NotAfter != nil && tmpl.NotAfter.Before(notAfter) {
		notAfter = tmpl.NotAfter.UTC()
	}
	if caExpiry := c.chain[0].NotAfter; notAfter.After(caExpiry) {
		notAfter = caExpiry
	}
	if !notAfter.After(notBefore) {
		return nil, apierrors.New(apierrors.CodeBadCertTemplate, "validity window is empty")
	}

	extRes, err := cp.Extensions(tmpl.Extensions)
	if err != nil {
		return nil, err
	}
	for _, dropped := range extRes.Dropped {
		c.log.Info("dropped requested extension",
			zap.String("extension", dropped),
			zap.String("profile", cp.Name),
			zap.String("tid", tid))
	}

	serial, err := newSerial()
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	der, err := c.sign(serial, rawSubject, spki, notBefore, notAfter, extRes)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing issued certificate: %w", err)
	}

	if err := c.index.AddCert(ctx, cert, cp.Name, tid); err != nil {
		return nil, err
	}

	c.log.Info("certificate issued",
		zap.String("serial", serial.Text(16)),
		zap.String("subject", granted.String()),
		zap.String("profile", cp.Name),
		zap.String("tid", tid),
		zap.Bool("keyUpdate", keyUpdate))

	return &CertInfo{
		CertReqID:  tmpl.CertReqID,
		Cert:       cert,
		PrivateKey: privateKey,
		Warning:    warning,
	}, nil
}

// sign builds and signs the certificate. Classical subject keys go through
// crypto/x509; ML-DSA subject keys need a hand-built TBSCertificate since
// the standard library cannot marshal their SubjectPublicKeyInfo.
func (c *LocalCA) sign(serial *big.Int, rawSubject, spki []byte, notBefore, notAfter time.Time, extRes *profile.ExtensionResult) ([]byte, error) {
	if isMLDSASPKI(spki) {
		return c.signRaw(serial, rawSubject, spki, notBefore, notAfter, extRes.Extensions)
	}

	pub, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, err
	}
	skid := sha256.Sum256(spki)
	tmpl := &x509.Certificate{
		SerialNumber:    serial,
		RawSubject:      rawSubject,
		NotBefore:       notBefore,
		NotAfter:        notAfter,
		SubjectKeyId:    skid[:20],
		ExtraExtensions: extRes.Extensions,
	}
	return x509.CreateCertificate(rand.Reader, tmpl, c.chain[0], pub, c.signer)
}

// RevokeCert marks a certificate revoked.
func (c *LocalCA) RevokeCert(ctx context.Context, serial *big.Int, reason RevocationReason, invalidity *time.Time) error {
	if !reason.Valid() || reason == ReasonRemoveFromCRL {
		return apierrors.Newf(apierrors.CodeBadRequest,
			"invalid revocation reason %d", int(reason))
	}
	if err := c.index.MarkRevoked(ctx, serial, reason, invalidity); err != nil {
		return err
	}
	c.log.Info("certificate revoked",
		zap.String("serial", serial.Text(16)),
		zap.Stringer("reason", reason))
	return nil
}

// UnsuspendCert releases a certificate from hold.
func (c *LocalCA) UnsuspendCert(ctx context.Context, serial *big.Int) error {
	if err := c.index.Unsuspend(ctx, serial); err != nil {
		return err
	}
	c.log.Info("certificate unsuspended", zap.String("serial", serial.Text(16)))
	return nil
}

// RemoveCert erases a certificate from the index.
func (c *LocalCA) RemoveCert(ctx context.Context, serial *big.Int) error {
	if err := c.index.Remove(ctx, serial); err != nil {
		return err
	}
	c.log.Info("certificate removed", zap.String("serial", serial.Text(16)))
	return nil
}

func (c *LocalCA) GetCert(ctx context.Context, serial *big.Int) (*CertRecord, error) {
	return c.index.Get(ctx, serial)
}

func (c *LocalCA) GetCertBySubject(ctx context.Context, subject x500.Name, tid string) (*x509.Certificate, error) {
	return c.index.GetBySubject(ctx, subject, tid)
}

// ArchiveRequest stores the payload when archiving is enabled.
func (c *LocalCA) ArchiveRequest(ctx context.Context, tid string, payload []byte, serials []*big.Int) error {
	if c.archive == nil {
		return nil
	}
	return c.archive.Save(tid, payload, serials)
}

// newSerial draws a random 127-bit positive serial number.
func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 127)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, err
	}
	// Avoid the degenerate zero serial.
	return n.Add(n, big.NewInt(1)), nil
}
