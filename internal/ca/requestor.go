package ca

import (
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"strings"
)

// Permission is a bit set of operations a requestor may perform.
type Permission uint32

const (
	PermEnroll Permission = 1 << iota
	PermKeyUpdate
	PermRevoke
	PermUnsuspend
	PermRemove
	PermGenCRL
	PermGetCRL
	PermGetCert
)

// PermAll grants every operation.
const PermAll = PermEnroll | PermKeyUpdate | PermRevoke | PermUnsuspend |
	PermRemove | PermGenCRL | PermGetCRL | PermGetCert

var permissionNames = map[string]Permission{
	"enroll":    PermEnroll,
	"keyupdate": PermKeyUpdate,
	"revoke":    PermRevoke,
	"unsuspend": PermUnsuspend,
	"remove":    PermRemove,
	"gencrl":    PermGenCRL,
	"getcrl":    PermGetCRL,
	"getcert":   PermGetCert,
	"all":       PermAll,
}

// ParsePermissions folds a list of permission names into a bit set.
func ParsePermissions(names []string) (Permission, error) {
	var p Permission
	for _, name := range names {
		bit, ok := permissionNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown permission %q", name)
		}
		p |= bit
	}
	return p, nil
}

// Has reports whether every bit of want is granted.
func (p Permission) Has(want Permission) bool {
	return p&want == want
}

// Requestor is an authenticated client of the control plane: a TLS client
// certificate bound to a permission set and a certificate-profile
// allow-list.
type Requestor struct {
	Name        string
	Permissions Permission

	// Profiles lists the profile names this requestor may enroll under.
	// A single "all" entry admits every profile.
	Profiles []string

	// CertHash is the SHA-256 of the requestor's client certificate DER.
	CertHash [sha256.Size]byte
}

// NewRequestor binds a client certificate to a permission set.
func NewRequestor(name string, cert *x509.Certificate, perms Permission, profiles []string) *Requestor {
	return &Requestor{
		Name:        name,
		Permissions: perms,
		Profiles:    profiles,
		CertHash:    sha256.Sum256(cert.Raw),
	}
}

// Matches reports whether the presented certificate is this requestor's.
func (r *Requestor) Matches(cert *x509.Certificate) bool {
	return r.CertHash == sha256.Sum256(cert.Raw)
}

// Permitted reports whether the requestor holds the given permission.
func (r *Requestor) Permitted(p Permission) bool {
	return r.Permissions.Has(p)
}

// ProfilePermitted reports whether the requestor may use the named
// certificate profile.
func (r *Requestor) ProfilePermitted(profile string) bool {
	for _, p := range r.Profiles {
		if p == "all" || strings.EqualFold(p, profile) {
			return true
		}
	}
	return false
}
