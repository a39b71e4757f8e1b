package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/coolhoo/xipki/ca"
	"github.com/coolhoo/xipki/internal/util"
)

// RequestorResolver authenticates the caller of a request against the named
// CA and returns the requestor it acts as. A nil requestor with nil error
// means the request carried no usable credentials.
type RequestorResolver interface {
	Resolve(r *http.Request, caName string) (*ca.Requestor, error)
}

type basicCredential struct {
	password  string
	requestor *ca.Requestor
}

// StaticResolver resolves requestors from an in-memory table, keyed per CA.
// TLS client certificates are matched by SHA-256 fingerprint and take
// precedence over Basic authentication.
type StaticResolver struct {
	basic map[string]map[string]basicCredential
	certs map[string]map[string]*ca.Requestor
}

var _ RequestorResolver = (*StaticResolver)(nil)

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		basic: make(map[string]map[string]basicCredential),
		certs: make(map[string]map[string]*ca.Requestor),
	}
}

// AddBasic registers a password-authenticated requestor for the named CA.
func (s *StaticResolver) AddBasic(caName string, requestor *ca.Requestor, password string) {
	key := util.CanonicalName(caName)
	if s.basic[key] == nil {
		s.basic[key] = make(map[string]basicCredential)
	}
	s.basic[key][requestor.Name] = basicCredential{password: password, requestor: requestor}
}

// AddCert registers a TLS-client-certificate requestor for the named CA.
// The fingerprint is the lowercase hex SHA-256 of the certificate DER.
func (s *StaticResolver) AddCert(caName string, requestor *ca.Requestor, certDER []byte) {
	key := util.CanonicalName(caName)
	if s.certs[key] == nil {
		s.certs[key] = make(map[string]*ca.Requestor)
	}
	sum := sha256.Sum256(certDER)
	s.certs[key][hex.EncodeToString(sum[:])] = requestor
}

// Resolve implements RequestorResolver.
func (s *StaticResolver) Resolve(r *http.Request, caName string) (*ca.Requestor, error) {
	key := util.CanonicalName(caName)

	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		sum := sha256.Sum256(r.TLS.PeerCertificates[0].Raw)
		if requestor, ok := s.certs[key][hex.EncodeToString(sum[:])]; ok {
			return requestor, nil
		}
	}

	if user, pass, ok := r.BasicAuth(); ok {
		cred, found := s.basic[key][user]
		if found && subtle.ConstantTimeCompare([]byte(cred.password), []byte(pass)) == 1 {
			return cred.requestor, nil
		}
	}

	return nil, nil
}
