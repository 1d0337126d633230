package ca

import (
	"context"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/certforge/certforge/internal/api/apierrors"
	"github.com/certforge/certforge/internal/x500"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS certs (
	serial          TEXT PRIMARY KEY,
	subject         TEXT NOT NULL,
	subject_canon   TEXT NOT NULL,
	transaction_id  TEXT NOT NULL DEFAULT '',
	profile         TEXT NOT NULL,
	raw             BLOB NOT NULL,
	status          TEXT NOT NULL DEFAULT 'good',
	reason          INTEGER,
	revoked_at      INTEGER,
	invalidity_date INTEGER,
	not_after       INTEGER NOT NULL,
	issued_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS certs_subject_canon ON certs (subject_canon, issued_at);

CREATE TABLE IF NOT EXISTS crl_meta (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	number     TEXT NOT NULL,
	this_update INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS crls (
	number    TEXT PRIMARY KEY,
	raw       BLOB NOT NULL,
	issued_at INTEGER NOT NULL
);
`

// certRow is the sqlx mapping of the certs table.
type certRow struct {
	Serial         string        `db:"serial"`
	Subject        string        `db:"subject"`
	SubjectCanon   string        `db:"subject_canon"`
	TransactionID  string        `db:"transaction_id"`
	Profile        string        `db:"profile"`
	Raw            []byte        `db:"raw"`
	Status         string        `db:"status"`
	Reason         sql.NullInt64 `db:"reason"`
	RevokedAt      sql.NullInt64 `db:"revoked_at"`
	InvalidityDate sql.NullInt64 `db:"invalidity_date"`
	NotAfter       int64         `db:"not_after"`
	IssuedAt       int64         `db:"issued_at"`
}

// CertIndex records every certificate a CA issues, with its revocation
// state, and the CRLs the CA produced. It backs poll, revoke, unsuspend,
// remove, get and CRL generation.
type CertIndex struct {
	db *sqlx.DB
}

// OpenCertIndex opens (and migrates) the index database at path.
func OpenCertIndex(path string) (*CertIndex, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening cert index: %w", err)
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating cert index: %w", err)
	}
	return &CertIndex{db: db}, nil
}

// Close releases the underlying database.
func (ix *CertIndex) Close() error {
	return ix.db.Close()
}

// AddCert records a freshly issued certificate.
func (ix *CertIndex) AddCert(ctx context.Context, cert *x509.Certificate, profileName, tid string) error {
	subject := x500.FromPKIX(cert.Subject)
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO certs (serial, subject, subject_canon, transaction_id, profile, raw, not_after, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cert.SerialNumber.Text(16), subject.String(), canonSubject(subject),
		tid, profileName, cert.Raw, cert.NotAfter.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("recording certificate: %w", err)
	}
	return nil
}

// Get returns the record for a serial number.
func (ix *CertIndex) Get(ctx context.Context, serial *big.Int) (*CertRecord, error) {
	var row certRow
	err := ix.db.GetContext(ctx, &row,
		`SELECT * FROM certs WHERE serial = ?`, serial.Text(16))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.Newf(apierrors.CodeUnknownCert,
			"certificate with serial 0x%s is unknown", serial.Text(16))
	}
	if err != nil {
		return nil, fmt.Errorf("looking up certificate: %w", err)
	}
	return row.record()
}

// GetBySubject returns the newest certificate for a subject, optionally
// restricted to a transaction.
func (ix *CertIndex) GetBySubject(ctx context.Context, subject x500.Name, tid string) (*x509.Certificate, error) {
	query := `SELECT * FROM certs WHERE subject_canon = ?`
	args := []any{canonSubject(subject)}
	if tid != "" {
		query += ` AND transaction_id = ?`
		args = append(args, tid)
	}
	query += ` ORDER BY issued_at DESC LIMIT 1`

	var row certRow
	err := ix.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.Newf(apierrors.CodeUnknownCert,
			"no certificate for subject %q", subject.String())
	}
	if err != nil {
		return nil, fmt.Errorf("looking up certificate: %w", err)
	}
	rec, err := row.record()
	if err != nil {
		return nil, err
	}
	return rec.Cert, nil
}

// MarkRevoked transitions a certificate to the revoked state. Revoking an
// already-revoked certificate fails unless it is on hold and the new
// reason replaces the hold.
func (ix *CertIndex) MarkRevoked(ctx context.Context, serial *big.Int, reason RevocationReason, invalidity *time.Time) error {
	rec, err := ix.Get(ctx, serial)
	if err != nil {
		return err
	}
	if rec.Status == CertStatusRevoked && rec.Revocation.Reason != ReasonCertificateHold {
		return apierrors.Newf(apierrors.CodeCertRevoked,
			"certificate with serial 0x%s is already revoked", serial.Text(16))
	}

	var invalidityUnix sql.NullInt64
	if invalidity != nil {
		invalidityUnix = sql.NullInt64{Int64: invalidity.Unix(), Valid: true}
	}
	_, err = ix.db.ExecContext(ctx, `
		UPDATE certs SET status = 'revoked', reason = ?, revoked_at = ?, invalidity_date = ?
		WHERE serial = ?`,
		int(reason), time.Now().Unix(), invalidityUnix, serial.Text(16))
	if err != nil {
		return fmt.Errorf("revoking certificate: %w", err)
	}
	return nil
}

// Unsuspend clears a certificateHold revocation. Certificates revoked for
// any other reason stay revoked.
func (ix *CertIndex) Unsuspend(ctx context.Context, serial *big.Int) error {
	rec, err := ix.Get(ctx, serial)
	if err != nil {
		return err
	}
	if rec.Status != CertStatusRevoked || rec.Revocation.Reason != ReasonCertificateHold {
		return apierrors.Newf(apierrors.CodeBadRequest,
			"certificate with serial 0x%s is not on hold", serial.Text(16))
	}
	_, err = ix.db.ExecContext(ctx, `
		UPDATE certs SET status = 'good', reason = NULL, revoked_at = NULL, invalidity_date = NULL
		WHERE serial = ?`, serial.Text(16))
	if err != nil {
		return fmt.Errorf("unsuspending certificate: %w", err)
	}
	return nil
}

// Remove deletes a certificate from the index entirely.
func (ix *CertIndex) Remove(ctx context.Context, serial *big.Int) error {
	res, err := ix.db.ExecContext(ctx,
		`DELETE FROM certs WHERE serial = ?`, serial.Text(16))
	if err != nil {
		return fmt.Errorf("removing certificate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("removing certificate: %w", err)
	}
	if n == 0 {
		return apierrors.Newf(apierrors.CodeUnknownCert,
			"certificate with serial 0x%s is unknown", serial.Text(16))
	}
	return nil
}

// Revoked returns every currently revoked, unexpired certificate for CRL
// generation.
func (ix *CertIndex) Revoked(ctx context.Context, now time.Time) ([]*CertRecord, error) {
	var rows []certRow
	err := ix.db.SelectContext(ctx, &rows, `
		SELECT * FROM certs WHERE status = 'revoked' AND not_after >= ?
		ORDER BY serial`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("listing revoked certificates: %w", err)
	}
	out := make([]*CertRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// NextCRLNumber increments and returns the CRL number.
func (ix *CertIndex) NextCRLNumber(ctx context.Context) (*big.Int, error) {
	var current string
	err := ix.db.GetContext(ctx, &current, `SELECT number FROM crl_meta WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		current = "0"
	} else if err != nil {
		return nil, fmt.Errorf("reading CRL number: %w", err)
	}

	n, ok := new(big.Int).SetString(current, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt CRL number %q", current)
	}
	n.Add(n, big.NewInt(1))

	_, err = ix.db.ExecContext(ctx, `
		INSERT INTO crl_meta (id, number, this_update) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET number = excluded.number, this_update = excluded.this_update`,
		n.String(), time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("updating CRL number: %w", err)
	}
	return n, nil
}

// StoreCRL records an issued CRL under its number.
func (ix *CertIndex) StoreCRL(ctx context.Context, number *big.Int, raw []byte) error {
	_, err := ix.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO crls (number, raw, issued_at) VALUES (?, ?, ?)`,
		number.String(), raw, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("storing CRL: %w", err)
	}
	return nil
}

// GetCRL returns the CRL with the given number, or the newest one when
// number is nil.
func (ix *CertIndex) GetCRL(ctx context.Context, number *big.Int) ([]byte, error) {
	var raw []byte
	var err error
	if number != nil {
		err = ix.db.GetContext(ctx, &raw,
			`SELECT raw FROM crls WHERE number = ?`, number.String())
	} else {
		err = ix.db.GetContext(ctx, &raw,
			`SELECT raw FROM crls ORDER BY issued_at DESC, number DESC LIMIT 1`)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.New(apierrors.CodeSystemFailure, "no CRL available")
	}
	if err != nil {
		return nil, fmt.Errorf("reading CRL: %w", err)
	}
	return raw, nil
}

func (r *certRow) record() (*CertRecord, error) {
	cert, err := x509.ParseCertificate(r.Raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt certificate for serial %s: %w", r.Serial, err)
	}
	rec := &CertRecord{Cert: cert, Profile: r.Profile, Status: CertStatus(r.Status)}
	if rec.Status == CertStatusRevoked {
		info := &RevocationInfo{
			Reason:    RevocationReason(r.Reason.Int64),
			RevokedAt: time.Unix(r.RevokedAt.Int64, 0).UTC(),
		}
		if r.InvalidityDate.Valid {
			t := time.Unix(r.InvalidityDate.Int64, 0).UTC()
			info.InvalidityDate = &t
		}
		rec.Revocation = info
	}
	return rec, nil
}

// canonSubject produces the case-folded lookup key for a subject.
func canonSubject(n x500.Name) string {
	return n.CanonicalKey()
}
