package ca_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coolhoo/xipki/ca"
)

func TestSoftwareSignerFromPEM(t *testing.T) {
	caCert, caKey := newRootCA(t, time.Now().AddDate(1, 0, 0))
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw})
	keyDER, err := x509.MarshalPKCS8PrivateKey(caKey)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	signer, err := ca.NewSoftwareSignerFromPEM(certPEM, keyPEM)
	require.NoError(t, err)
	assert.Equal(t, caCert.Raw, signer.Certificate().Raw)

	// The signer produces certificates verifiable against the CA.
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := signer.SignCertificate(&x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "leaf.example.com"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}, leafKey.Public())
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	require.NoError(t, leaf.CheckSignatureFrom(caCert))

	// Signing is repeatable; the enclave survives the first use.
	_, err = signer.SignCRL(&x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now(),
		NextUpdate: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
}

func TestSoftwareSignerFromPEM_Invalid(t *testing.T) {
	caCert, caKey := newRootCA(t, time.Now().AddDate(1, 0, 0))
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw})
	keyDER, err := x509.MarshalPKCS8PrivateKey(caKey)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	_, err = ca.NewSoftwareSignerFromPEM([]byte("not pem"), keyPEM)
	assert.ErrorIs(t, err, ca.ErrInvalidPEM)

	_, err = ca.NewSoftwareSignerFromPEM(certPEM, []byte("not pem"))
	assert.ErrorIs(t, err, ca.ErrInvalidPEM)

	_, err = ca.NewSoftwareSignerFromPEM(keyPEM, keyPEM)
	require.Error(t, err)
}
