package ca

import (
	"crypto/x509"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/certforge/certforge/internal/api/apierrors"
)

// DefaultConfirmWait is how long an explicit-confirm certificate stays
// pending before the sweeper collects it.
const DefaultConfirmWait = 10 * time.Minute

// Entry is one registered CA together with its control-plane policy.
type Entry struct {
	Authority Authority
	Status    Status

	// Aliases are additional path names resolving to this CA.
	Aliases []string

	Requestors []*Requestor

	// ExplicitConfirm requires every enrollment under this CA to be
	// confirmed, regardless of what the request asks for.
	ExplicitConfirm bool

	// ConfirmWait is the confirmation window; zero means
	// DefaultConfirmWait.
	ConfirmWait time.Duration

	// ChainInEnroll returns the full CA chain instead of the single CA
	// certificate in enrollment responses.
	ChainInEnroll bool

	// SaveRequest archives every enrollment payload.
	SaveRequest bool
}

// Window returns the effective confirmation window.
func (e *Entry) Window() time.Duration {
	if e.ConfirmWait > 0 {
		return e.ConfirmWait
	}
	return DefaultConfirmWait
}

// RequestorFor resolves the presented client certificate to one of the
// CA's requestors.
func (e *Entry) RequestorFor(cert *x509.Certificate) (*Requestor, error) {
	if cert == nil {
		return nil, apierrors.New(apierrors.CodeUnauthorized, "client certificate required")
	}
	for _, r := range e.Requestors {
		if r.Matches(cert) {
			return r, nil
		}
	}
	return nil, apierrors.New(apierrors.CodeNotPermitted, "unknown requestor certificate")
}

// Registry resolves path aliases to registered CAs.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	aliases map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		aliases: make(map[string]string),
	}
}

// Register adds a CA under its name and aliases. Names and aliases share
// one namespace.
func (r *Registry) Register(e *Entry) error {
	name := strings.ToLower(e.Authority.Name())
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.aliases[name]; dup {
		return fmt.Errorf("CA name %q already registered", name)
	}
	r.entries[name] = e
	r.aliases[name] = name
	for _, alias := range e.Aliases {
		alias = strings.ToLower(alias)
		if _, dup := r.aliases[alias]; dup {
			return fmt.Errorf("CA alias %q already registered", alias)
		}
		r.aliases[alias] = name
	}
	return nil
}

// Resolve maps a path alias to an active CA. Unknown aliases and inactive
// CAs are indistinguishable to the caller.
func (r *Registry) Resolve(alias string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.aliases[strings.ToLower(alias)]
	if !ok {
		return nil, apierrors.Newf(apierrors.CodePathNotFound, "unknown CA %q", alias)
	}
	e := r.entries[name]
	if e.Status != StatusActive {
		return nil, apierrors.Newf(apierrors.CodePathNotFound, "unknown CA %q", alias)
	}
	return e, nil
}

// Entries returns every registered CA entry regardless of status. The
// sweeper uses this to roll back pending certificates of inactive CAs
// too.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Get returns the entry registered under the exact CA name, or nil.
func (r *Registry) Get(name string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[strings.ToLower(name)]
}
