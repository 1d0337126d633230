// Package server provides the HTTP front of the command channel: TLS
// client-certificate termination, routing and lifecycle management.
package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// Config holds the server configuration.
type Config struct {
	// Host is the address to bind to; empty binds all interfaces.
	Host string
	Port int

	// TLSCert and TLSKey enable TLS. The command channel authenticates
	// requestors by client certificate, so production deployments run
	// with TLS on; plain HTTP is for tests and proxied setups where the
	// proxy forwards the client certificate.
	TLSCert string
	TLSKey  string

	// ClientCAFile is a PEM bundle of CAs accepted for client
	// certificates. Empty means any certificate is accepted at the TLS
	// layer; requestor matching still decides who gets in.
	ClientCAFile string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            8443,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Address returns the listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSEnabled reports whether the server terminates TLS itself.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// tlsConfig builds the TLS listener configuration. Client certificates
// are requested but not required at this layer: commands that need no
// requestor still answer, and the responder rejects unauthenticated
// callers itself.
func (c *Config) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ClientAuth: tls.VerifyClientCertIfGiven,
	}
	if c.ClientCAFile != "" {
		pemData, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading client CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates in client CA bundle %s", c.ClientCAFile)
		}
		cfg.ClientCAs = pool
	} else {
		// Accept any client certificate; requestor matching is the gate.
		cfg.ClientAuth = tls.RequestClientCert
	}
	return cfg, nil
}
