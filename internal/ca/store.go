package ca

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Store is the on-disk credential layout of a local CA:
//
//	<dir>/ca.crt         CA certificate, optionally followed by its chain
//	<dir>/private/ca.key PKCS#8 private key
//	<dir>/index.db       certificate index (SQLite)
//	<dir>/requests.db    archived enrollment requests (bbolt)
type Store struct {
	Dir string
}

// CertPath returns the CA certificate file path.
func (s Store) CertPath() string { return filepath.Join(s.Dir, "ca.crt") }

// KeyPath returns the CA private key file path.
func (s Store) KeyPath() string { return filepath.Join(s.Dir, "private", "ca.key") }

// IndexPath returns the certificate index database path.
func (s Store) IndexPath() string { return filepath.Join(s.Dir, "index.db") }

// RequestsPath returns the request archive database path.
func (s Store) RequestsPath() string { return filepath.Join(s.Dir, "requests.db") }

// LoadChain reads the CA certificate and any chain certificates that
// follow it in the same PEM file. The first certificate is the CA's own.
func (s Store) LoadChain() ([]*x509.Certificate, error) {
	data, err := os.ReadFile(s.CertPath())
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	var chain []*x509.Certificate
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing CA certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no certificate in %s", s.CertPath())
	}
	return chain, nil
}

// LoadSigner reads the PKCS#8 private key.
func (s Store) LoadSigner() (crypto.Signer, error) {
	data, err := os.ReadFile(s.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("reading CA key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", s.KeyPath())
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA key type %T cannot sign", key)
	}
	return signer, nil
}
