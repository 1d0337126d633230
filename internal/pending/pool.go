// Package pending tracks certificates issued under explicit confirmation.
//
// A certificate enrolled with explicit-confirm semantics is not final until
// the client either confirms it or the confirmation window elapses. The pool
// remembers each such certificate until one of three things happens: the
// client accepts it (removed, kept), the client rejects it (removed, then
// revoked by the caller), or the window expires and the sweeper collects it.
package pending

import (
	"crypto/sha256"
	"crypto/x509"
	"sync"
	"time"
)

// Entry is one unconfirmed certificate.
type Entry struct {
	TransactionID string
	CertReqID     string
	CA            string
	Cert          *x509.Certificate
	// Hash is the SHA-256 of the certificate DER; confirmation messages
	// identify the certificate by this hash.
	Hash   [sha256.Size]byte
	Expiry time.Time
}

type key struct {
	tid       string
	certReqID string
}

// Pool is an in-memory set of unconfirmed certificates, safe for
// concurrent use.
type Pool struct {
	mu      sync.Mutex
	entries map[key]*Entry
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[key]*Entry)}
}

// Add registers an unconfirmed certificate. A second Add with the same
// transaction and request id replaces the previous entry.
func (p *Pool) Add(tid, certReqID, ca string, cert *x509.Certificate, expiry time.Time) {
	e := &Entry{
		TransactionID: tid,
		CertReqID:     certReqID,
		CA:            ca,
		Cert:          cert,
		Hash:          sha256.Sum256(cert.Raw),
		Expiry:        expiry,
	}
	p.mu.Lock()
	p.entries[key{tid, certReqID}] = e
	p.mu.Unlock()
}

// Remove takes the entry matching the given transaction, request id and
// certificate hash out of the pool. It returns the entry, or nil when no
// entry matches (wrong id or wrong hash).
func (p *Pool) Remove(tid, certReqID string, hash [sha256.Size]byte) *Entry {
	k := key{tid, certReqID}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[k]
	if !ok || e.Hash != hash {
		return nil
	}
	delete(p.entries, k)
	return e
}

// RemoveAll takes every entry of a transaction out of the pool and returns
// them. Used after confirmation handling to collect leftovers the client
// never acknowledged.
func (p *Pool) RemoveAll(tid string) []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Entry
	for k, e := range p.entries {
		if k.tid == tid {
			out = append(out, e)
			delete(p.entries, k)
		}
	}
	return out
}

// SweepExpired removes and returns every entry whose confirmation window
// closed at or before now.
func (p *Pool) SweepExpired(now time.Time) []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Entry
	for k, e := range p.entries {
		if !e.Expiry.After(now) {
			out = append(out, e)
			delete(p.entries, k)
		}
	}
	return out
}

// Size returns the number of unconfirmed certificates.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
