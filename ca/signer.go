package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// ErrInvalidPEM is returned when PEM key or certificate material cannot be
// decoded or parsed.
var ErrInvalidPEM = errors.New("invalid PEM data")

// Signer performs the asymmetric signing operations of one CA. The engine
// treats it as opaque; failures surface as SystemFailure (certificates) or
// CrlFailure (CRLs).
type Signer interface {
	// Certificate returns the CA's own certificate.
	Certificate() *x509.Certificate

	// SignCertificate signs the template with the CA key and returns the
	// encoded certificate.
	SignCertificate(template *x509.Certificate, pub crypto.PublicKey) ([]byte, error)

	// SignCRL signs the revocation list template and returns the encoded
	// CRL.
	SignCRL(template *x509.RevocationList) ([]byte, error)
}

// SoftwareSigner is a Signer holding the CA private key in process memory.
// The PKCS#8 key material lives inside a memguard enclave and is exposed
// only for the duration of a signing operation.
type SoftwareSigner struct {
	cert *x509.Certificate
	key  *memguard.Enclave
}

var _ Signer = (*SoftwareSigner)(nil)

// NewSoftwareSigner wraps the CA certificate and private key.
func NewSoftwareSigner(cert *x509.Certificate, key crypto.Signer) (*SoftwareSigner, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding CA private key: %w", err)
	}
	// NewEnclave wipes der.
	return &SoftwareSigner{cert: cert, key: memguard.NewEnclave(der)}, nil
}

// NewSoftwareSignerFromPEM parses a PEM certificate and PKCS#8 private key.
func NewSoftwareSignerFromPEM(certPEM, keyPEM []byte) (*SoftwareSigner, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("CA certificate: %w", ErrInvalidPEM)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("CA private key: %w", ErrInvalidPEM)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA private key type %T cannot sign", key)
	}
	return NewSoftwareSigner(cert, signer)
}

func (s *SoftwareSigner) Certificate() *x509.Certificate {
	return s.cert
}

// withKey opens the enclave, parses the key and runs fn, destroying the
// plaintext buffer afterwards.
func (s *SoftwareSigner) withKey(fn func(crypto.Signer) error) error {
	buf, err := s.key.Open()
	if err != nil {
		return fmt.Errorf("opening CA key enclave: %w", err)
	}
	defer buf.Destroy()

	key, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		return fmt.Errorf("parsing CA private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("CA private key type %T cannot sign", key)
	}
	return fn(signer)
}

func (s *SoftwareSigner) SignCertificate(template *x509.Certificate, pub crypto.PublicKey) ([]byte, error) {
	var der []byte
	err := s.withKey(func(key crypto.Signer) error {
		var signErr error
		der, signErr = x509.CreateCertificate(rand.Reader, template, s.cert, pub, key)
		return signErr
	})
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	return der, nil
}

func (s *SoftwareSigner) SignCRL(template *x509.RevocationList) ([]byte, error) {
	var der []byte
	err := s.withKey(func(key crypto.Signer) error {
		var signErr error
		der, signErr = x509.CreateRevocationList(rand.Reader, template, s.cert, key)
		return signErr
	})
	if err != nil {
		return nil, fmt.Errorf("signing CRL: %w", err)
	}
	return der, nil
}
