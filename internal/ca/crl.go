package ca

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
)

// crlValidity is how long an issued CRL is current.
const crlValidity = 24 * time.Hour

var oidReasonCode = asn1.ObjectIdentifier{2, 5, 29, 21}

// GenerateCRL signs a fresh CRL over the currently revoked certificates
// and stores it under the next CRL number.
func (c *LocalCA) GenerateCRL(ctx context.Context) ([]byte, error) {
	now := time.Now().UTC()
	revoked, err := c.index.Revoked(ctx, now)
	if err != nil {
		return nil, err
	}

	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, rec := range revoked {
		entry := x509.RevocationListEntry{
			SerialNumber:   rec.Cert.SerialNumber,
			RevocationTime: rec.Revocation.RevokedAt,
			ReasonCode:     int(rec.Revocation.Reason),
		}
		if inv := rec.Revocation.InvalidityDate; inv != nil {
			val, err := asn1.MarshalWithParams(inv.UTC(), "generalized")
			if err != nil {
				return nil, fmt.Errorf("encoding invalidity date: %w", err)
			}
			entry.ExtraExtensions = []pkix.Extension{{
				Id:    asn1.ObjectIdentifier{2, 5, 29, 24},
				Value: val,
			}}
		}
		entries = append(entries, entry)
	}

	number, err := c.index.NextCRLNumber(ctx)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.RevocationList{
		Number:                    number,
		ThisUpdate:                now,
		NextUpdate:                now.Add(crlValidity),
		RevokedCertificateEntries: entries,
	}
	raw, err := x509.CreateRevocationList(rand.Reader, tmpl, c.chain[0], c.signer)
	if err != nil {
		return nil, fmt.Errorf("signing CRL: %w", err)
	}

	if err := c.index.StoreCRL(ctx, number, raw); err != nil {
		return nil, err
	}
	c.log.Info("CRL issued",
		zap.String("number", number.String()),
		zap.Int("revoked", len(entries)))
	return raw, nil
}

// GetCRL returns a stored CRL by number, or the newest one.
func (c *LocalCA) GetCRL(ctx context.Context, crlNumber *big.Int) ([]byte, error) {
	return c.index.GetCRL(ctx, crlNumber)
}
