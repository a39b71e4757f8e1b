// Package ca implements the certificate lifecycle engine of a certification
// authority: issuance, revocation, unrevocation, removal and CRL generation,
// under per-CA policy for serial numbers, duplicate keys/subjects and CRL
// retention. Persistence and signing are delegated to the storage.Repository
// and Signer collaborators.
package ca

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"time"

	"github.com/coolhoo/xipki/internal/util"
)

// NameID pairs a human-readable name with the stable numeric id used for
// persistence.
type NameID struct {
	Name string
	ID   int
}

// Status is the administrative status of a CA.
type Status string

const (
	StatusActive      Status = "active"
	StatusPending     Status = "pending"
	StatusDeactivated Status = "deactivated"
)

// DuplicateMode controls re-issuance for an already-used key or subject.
type DuplicateMode int

const (
	// DuplicateAllowed performs no duplicate check.
	DuplicateAllowed DuplicateMode = iota
	// DuplicateForbidden rejects a match against any valid record CA-wide.
	DuplicateForbidden
	// DuplicateForbiddenWithinProfile restricts the match to records issued
	// under the same profile.
	DuplicateForbiddenWithinProfile
)

// SerialPolicy selects serial-number allocation. NextSerial 0 means random
// serials; any other value starts a sequential counter at that number.
type SerialPolicy struct {
	NextSerial uint64
}

// Random reports whether serials are drawn from the random space.
func (p SerialPolicy) Random() bool {
	return p.NextSerial == 0
}

// Profile is a named policy template constraining issued certificates.
type Profile struct {
	Name        string
	Validity    time.Duration
	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
}

// Info is the identity and policy of one CA instance. It is mutated only
// through explicit registry reconfiguration, never by engine operations.
type Info struct {
	NameID
	Status               Status
	SerialPolicy         SerialPolicy
	DuplicateKeyMode     DuplicateMode
	DuplicateSubjectMode DuplicateMode

	// NumCRLs bounds the retained CRL history; oldest evicted first.
	NumCRLs int

	// ExpirationPeriod is the number of days before CA expiry during which
	// issuance triggers an expiration warning.
	ExpirationPeriod int

	// CRLValidity is the thisUpdate→nextUpdate window of generated CRLs.
	CRLValidity time.Duration

	profiles map[string]*Profile
}

// AddProfile registers a certificate profile under its canonical name.
func (i *Info) AddProfile(p *Profile) {
	if i.profiles == nil {
		i.profiles = make(map[string]*Profile)
	}
	i.profiles[util.CanonicalName(p.Name)] = p
}

// Profile looks up a profile by canonical name.
func (i *Info) Profile(name string) (*Profile, bool) {
	p, ok := i.profiles[util.CanonicalName(name)]
	return p, ok
}

// ProfileNames returns the canonical names of all registered profiles.
func (i *Info) ProfileNames() []string {
	names := make([]string, 0, len(i.profiles))
	for name := range i.profiles {
		names = append(names, name)
	}
	return names
}

// CertTemplate carries a certificate request submitted to the engine. It is
// treated as immutable once submitted.
type CertTemplate struct {
	Subject        pkix.Name
	PublicKey      crypto.PublicKey
	Profile        string
	DNSNames       []string
	IPAddresses    []net.IP
	EmailAddresses []string

	// ExtraExtensions are requested raw extensions beyond the SAN fields
	// above. Unsupported OIDs are rejected with InvalidExtension.
	ExtraExtensions []pkix.Extension

	// NotBefore/NotAfter override the profile validity when non-zero. The
	// effective window is always clamped to the CA certificate's own.
	NotBefore time.Time
	NotAfter  time.Time
}

// RequestType identifies the protocol through which a request arrived.
type RequestType string

const (
	RequestTypeREST RequestType = "rest"
	RequestTypeAPI  RequestType = "api"
)
