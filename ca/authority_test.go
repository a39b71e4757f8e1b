package ca_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coolhoo/xipki/audit"
	"github.com/coolhoo/xipki/ca"
	"github.com/coolhoo/xipki/storage"
	"github.com/coolhoo/xipki/storage/memory"
)

// newRootCA generates a self-signed CA certificate for testing.
func newRootCA(t *testing.T, notAfter time.Time) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func defaultInfo() *ca.Info {
	info := &ca.Info{
		NameID:       ca.NameID{Name: "TEST-CA", ID: 1},
		Status:       ca.StatusActive,
		SerialPolicy: ca.SerialPolicy{NextSerial: 1},
	}
	info.AddProfile(&ca.Profile{
		Name:        "WEB-TLS",
		Validity:    365 * 24 * time.Hour,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	info.AddProfile(&ca.Profile{
		Name:        "CODE-SIGN",
		Validity:    365 * 24 * time.Hour,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	})
	return info
}

// newTestAuthority builds an engine over a fresh in-memory repository.
// mutate may adjust the CA policy before construction.
func newTestAuthority(t *testing.T, mutate func(*ca.Info)) (*ca.Authority, storage.Repository, *audit.Recorder) {
	t.Helper()
	info := defaultInfo()
	if mutate != nil {
		mutate(info)
	}
	caCert, caKey := newRootCA(t, time.Now().AddDate(10, 0, 0))
	signer, err := ca.NewSoftwareSigner(caCert, caKey)
	require.NoError(t, err)
	repo := memory.NewRepository()
	recorder := &audit.Recorder{}
	authority, err := ca.NewAuthority(t.Context(), info, signer, repo, ca.WithAuditSink(recorder))
	require.NoError(t, err)
	return authority, repo, recorder
}

func allRequestor() *ca.Requestor {
	return ca.NewRequestor(ca.NameID{Name: "tester", ID: 1}, ca.PermAll, []string{"all"})
}

// newTemplate builds an enrollment template with a fresh key pair.
func newTemplate(t *testing.T, cn, profile string) *ca.CertTemplate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &ca.CertTemplate{
		Subject:   pkix.Name{CommonName: cn},
		PublicKey: key.Public(),
		Profile:   profile,
	}
}

func TestGenerateCertificate(t *testing.T) {
	ctx := t.Context()
	authority, _, recorder := newTestAuthority(t, nil)

	rec, err := authority.GenerateCertificate(ctx, newTemplate(t, "api.example.com", "WEB-TLS"),
		allRequestor(), ca.RequestTypeAPI, "tid-1")
	require.NoError(t, err)

	assert.Equal(t, storage.CertStatusValid, rec.Status)
	assert.Equal(t, "WEB-TLS", rec.Profile)
	assert.Zero(t, rec.Serial.Cmp(big.NewInt(1)))
	assert.Nil(t, rec.Reason)

	cert, err := x509.ParseCertificate(rec.DER)
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", cert.Subject.CommonName)
	assert.Equal(t, "Test Root CA", cert.Issuer.CommonName)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, cert.KeyUsage)
	assert.WithinDuration(t, rec.NotBefore.Add(365*24*time.Hour), cert.NotAfter, time.Second)

	got, err := authority.GetCert(ctx, rec.Serial)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	// Exactly one audit event for the issuance.
	events := recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "enroll_cert", events[0].Name)
	assert.Equal(t, audit.StatusSuccessful, events[0].Status)
	assert.Equal(t, "tid-1", events[0].TID)
	assert.Equal(t, "1", events[0].Data["serial"])
}

func TestGenerateCertificate_SequentialSerials(t *testing.T) {
	ctx := t.Context()
	authority, _, _ := newTestAuthority(t, func(info *ca.Info) {
		info.SerialPolicy = ca.SerialPolicy{NextSerial: 100}
	})
	requestor := allRequestor()

	const n = 20
	var wg sync.WaitGroup
	serials := make([]*big.Int, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := authority.GenerateCertificate(ctx, newTemplate(t, "host.example.com", "WEB-TLS"),
				requestor, ca.RequestTypeAPI, "")
			if err != nil {
				t.Error(err)
				return
			}
			serials[i] = rec.Serial
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, serial := range serials {
		require.NotNil(t, serial)
		assert.False(t, seen[serial.String()], "serial %s issued twice", serial)
		assert.GreaterOrEqual(t, serial.Uint64(), uint64(100))
		assert.Less(t, serial.Uint64(), uint64(100+n))
		seen[serial.String()] = true
	}
}

func TestGenerateCertificate_RandomSerials(t *testing.T) {
	ctx := t.Context()
	authority, _, _ := newTestAuthority(t, func(info *ca.Info) {
		info.SerialPolicy = ca.SerialPolicy{} // 0 selects random serials
	})
	requestor := allRequestor()

	seen := make(map[string]bool)
	for range 5 {
		rec, err := authority.GenerateCertificate(ctx, newTemplate(t, "host.example.com", "WEB-TLS"),
			requestor, ca.RequestTypeAPI, "")
		require.NoError(t, err)
		assert.Positive(t, rec.Serial.Sign())
		assert.False(t, seen[rec.Serial.String()])
		seen[rec.Serial.String()] = true
	}
}

func TestGenerateCertificate_RandomSerialsConcurrent(t *testing.T) {
	ctx := t.Context()
	authority, _, _ := newTestAuthority(t, func(info *ca.Info) {
		info.SerialPolicy = ca.SerialPolicy{}
	})
	requestor := allRequestor()

	const n = 32
	templates := make([]*ca.CertTemplate, n)
	for i := range n {
		templates[i] = newTemplate(t, "host.example.com", "WEB-TLS")
	}

	var wg sync.WaitGroup
	serials := make([]*big.Int, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := authority.GenerateCertificate(ctx, templates[i],
				requestor, ca.RequestTypeAPI, "")
			if err != nil {
				t.Error(err)
				return
			}
			serials[i] = rec.Serial
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, serial := range serials {
		require.NotNil(t, serial)
		assert.Positive(t, serial.Sign())
		assert.False(t, seen[serial.String()], "serial %s issued twice", serial)
		seen[serial.String()] = true
	}
}

// collidingRepo wraps a repository and reports a serial collision for the
// first failures PutCert calls, recording every attempted serial.
type collidingRepo struct {
	storage.Repository
	mu       sync.Mutex
	failures int
	serials  []*big.Int
}

func (c *collidingRepo) PutCert(ctx context.Context, rec *storage.CertRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serials = append(c.serials, rec.Serial)
	if c.failures > 0 {
		c.failures--
		return storage.ErrDuplicateSerial
	}
	return c.Repository.PutCert(ctx, rec)
}

// newRandomSerialAuthority builds an engine over the given repository under
// the random serial policy.
func newRandomSerialAuthority(t *testing.T, repo storage.Repository, opts ...ca.Option) *ca.Authority {
	t.Helper()
	info := defaultInfo()
	info.SerialPolicy = ca.SerialPolicy{}
	caCert, caKey := newRootCA(t, time.Now().AddDate(10, 0, 0))
	signer, err := ca.NewSoftwareSigner(caCert, caKey)
	require.NoError(t, err)
	authority, err := ca.NewAuthority(t.Context(), info, signer, repo, opts...)
	require.NoError(t, err)
	return authority
}

func TestGenerateCertificate_SerialCollisionRetried(t *testing.T) {
	ctx := t.Context()
	repo := &collidingRepo{Repository: memory.NewRepository(), failures: 1}
	authority := newRandomSerialAuthority(t, repo)

	rec, err := authority.GenerateCertificate(ctx, newTemplate(t, "x", "WEB-TLS"),
		allRequestor(), ca.RequestTypeAPI, "")
	require.NoError(t, err)

	// The colliding serial is redrawn, not reused; the colliding draw was
	// never issued.
	require.Len(t, repo.serials, 2)
	assert.NotZero(t, repo.serials[0].Cmp(repo.serials[1]))
	assert.Zero(t, rec.Serial.Cmp(repo.serials[1]))
	_, err = authority.GetCert(ctx, repo.serials[0])
	assert.Equal(t, ca.KindUnknownCert, ca.KindOf(err))
}

func TestGenerateCertificate_SerialCollisionExhausted(t *testing.T) {
	ctx := t.Context()
	repo := &collidingRepo{Repository: memory.NewRepository(), failures: 1 << 10}
	recorder := &audit.Recorder{}
	authority := newRandomSerialAuthority(t, repo, ca.WithAuditSink(recorder))

	_, err := authority.GenerateCertificate(ctx, newTemplate(t, "x", "WEB-TLS"),
		allRequestor(), ca.RequestTypeAPI, "")
	assert.Equal(t, ca.KindSystemFailure, ca.KindOf(err))

	events := recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.StatusFailed, events[0].Status)
	assert.Equal(t, "system_failure", events[0].Data["error"])
}

func TestOperationsUnavailableWhenNotActive(t *testing.T) {
	for _, status := range []ca.Status{ca.StatusPending, ca.StatusDeactivated} {
		t.Run(string(status), func(t *testing.T) {
			ctx := t.Context()
			authority, _, _ := newTestAuthority(t, func(info *ca.Info) {
				info.Status = status
			})

			_, err := authority.GenerateCertificate(ctx, newTemplate(t, "x", "WEB-TLS"),
				allRequestor(), ca.RequestTypeAPI, "")
			assert.Equal(t, ca.KindSystemUnavailable, ca.KindOf(err))

			err = authority.RevokeCertificate(ctx, big.NewInt(1), storage.ReasonUnspecified, nil, "")
			assert.Equal(t, ca.KindSystemUnavailable, ca.KindOf(err))

			err = authority.UnrevokeCertificate(ctx, big.NewInt(1), "")
			assert.Equal(t, ca.KindSystemUnavailable, ca.KindOf(err))

			err = authority.RemoveCertificate(ctx, big.NewInt(1), "")
			assert.Equal(t, ca.KindSystemUnavailable, ca.KindOf(err))

			_, err = authority.GetCert(ctx, big.NewInt(1))
			assert.Equal(t, ca.KindSystemUnavailable, ca.KindOf(err))

			_, err = authority.GetCRL(ctx, 0)
			assert.Equal(t, ca.KindSystemUnavailable, ca.KindOf(err))

			_, err = authority.GenerateCRLOnDemand(ctx, "")
			assert.Equal(t, ca.KindSystemUnavailable, ca.KindOf(err))
		})
	}
}

func TestGenerateCertificate_PermissionChecks(t *testing.T) {
	ctx := t.Context()
	authority, _, recorder := newTestAuthority(t, nil)

	// Missing the enroll capability bit.
	noEnroll := ca.NewRequestor(ca.NameID{Name: "reader", ID: 2}, ca.PermGetCert, []string{"all"})
	_, err := authority.GenerateCertificate(ctx, newTemplate(t, "x", "WEB-TLS"),
		noEnroll, ca.RequestTypeAPI, "")
	assert.Equal(t, ca.KindNotPermitted, ca.KindOf(err))

	// Profile outside the allow-set.
	onlyCode := ca.NewRequestor(ca.NameID{Name: "builder", ID: 3}, ca.PermAll, []string{"CODE-SIGN"})
	_, err = authority.GenerateCertificate(ctx, newTemplate(t, "x", "WEB-TLS"),
		onlyCode, ca.RequestTypeAPI, "")
	assert.Equal(t, ca.KindNotPermitted, ca.KindOf(err))

	// Each failed attempt still audits exactly once.
	events := recorder.Events()
	require.Len(t, events, 2)
	for _, event := range events {
		assert.Equal(t, audit.StatusFailed, event.Status)
		assert.Contains(t, event.Data["error"], "not_permitted")
	}
}

func TestGenerateCertificate_UnknownProfile(t *testing.T) {
	ctx := t.Context()
	authority, _, _ := newTestAuthority(t, nil)

	_, err := authority.GenerateCertificate(ctx, newTemplate(t, "x", "NO-SUCH-PROFILE"),
		allRequestor(), ca.RequestTypeAPI, "")
	assert.Equal(t, ca.KindUnknownCertProfile, ca.KindOf(err))
}

func TestGenerateCertificate_DuplicateKey(t *testing.T) {
	ctx := t.Context()
	authority, _, _ := newTestAuthority(t, func(info *ca.Info) {
		info.DuplicateKeyMode = ca.DuplicateForbidden
	})
	requestor := allRequestor()

	tmpl := newTemplate(t, "one.example.com", "WEB-TLS")
	first, err := authority.GenerateCertificate(ctx, tmpl, requestor, ca.RequestTypeAPI, "")
	require.NoError(t, err)

	// Same key, different subject and profile; still refused.
	again := &ca.CertTemplate{
		Subject:   pkix.Name{CommonName: "two.example.com"},
		PublicKey: tmpl.PublicKey,
		Profile:   "CODE-SIGN",
	}
	_, err = authority.GenerateCertificate(ctx, again, requestor, ca.RequestTypeAPI, "")
	assert.Equal(t, ca.KindAlreadyIssued, ca.KindOf(err))

	// Only valid certificates count against the policy.
	require.NoError(t, authority.RevokeCertificate(ctx, first.Serial, storage.ReasonSuperseded, nil, ""))
	_, err = authority.GenerateCertificate(ctx, again, requestor, ca.RequestTypeAPI, "")
	require.NoError(t, err)
}

func TestGenerateCertificate_DuplicateKeyWithinProfile(t *testing.T) {
	ctx := t.Context()
	authority, _, _ := newTestAuthority(t, func(info *ca.Info) {
		info.DuplicateKeyMode = ca.DuplicateForbiddenWithinProfile
	})
	requestor := allRequestor()

	tmpl := newTemplate(t, "signer.example.com", "WEB-TLS")
	_, err := authority.GenerateCertificate(ctx, tmpl, requestor, ca.RequestTypeAPI, "")
	require.NoError(t, err)

	// Same key under a different profile is allowed.
	other := &ca.CertTemplate{
		Subject:   tmpl.Subject,
		PublicKey: tmpl.PublicKey,
		Profile:   "CODE-SIGN",
	}
	_, err = authority.GenerateCertificate(ctx, other, requestor, ca.RequestTypeAPI, "")
	require.NoError(t, err)

	// Same key under the same profile is not.
	_, err = authority.GenerateCertificate(ctx, tmpl, requestor, ca.RequestTypeAPI, "")
	assert.Equal(t, ca.KindAlreadyIssued, ca.KindOf(err))
}

func TestGenerateCertificate_TemplateValidation(t *testing.T) {
	ctx := t.Context()
	authority, _, _ := newTestAuthority(t, nil)
	requestor := allRequestor()

	t.Run("no public key", func(t *testing.T) {
		tmpl := &ca.CertTemplate{Subject: pkix.Name{CommonName: "x"}, Profile: "WEB-TLS"}
		_, err := authority.GenerateCertificate(ctx, tmpl, requestor, ca.RequestTypeAPI, "")
		assert.Equal(t, ca.KindBadCertTemplate, ca.KindOf(err))
	})

	t.Run("no subject or SAN", func(t *testing.T) {
		tmpl := newTemplate(t, "x", "WEB-TLS")
		tmpl.Subject = pkix.Name{}
		_, err := authority.GenerateCertificate(ctx, tmpl, requestor, ca.RequestTypeAPI, "")
		assert.Equal(t, ca.KindBadCertTemplate, ca.KindOf(err))
	})

	t.Run("inverted validity", func(t *testing.T) {
		tmpl := newTemplate(t, "x", "WEB-TLS")
		tmpl.NotBefore = time.Now()
		tmpl.NotAfter = tmpl.NotBefore.Add(-time.Hour)
		_, err := authority.GenerateCertificate(ctx, tmpl, requestor, ca.RequestTypeAPI, "")
		assert.Equal(t, ca.KindBadCertTemplate, ca.KindOf(err))
	})

	t.Run("unsupported extension", func(t *testing.T) {
		tmpl := newTemplate(t, "x", "WEB-TLS")
		tmpl.ExtraExtensions = []pkix.Extension{
			{Id: asn1.ObjectIdentifier{2, 5, 29, 15}, Value: []byte{0x03, 0x02, 0x05, 0xa0}},
		}
		_, err := authority.GenerateCertificate(ctx, tmpl, requestor, ca.RequestTypeAPI, "")
		assert.Equal(t, ca.KindInvalidExtension, ca.KindOf(err))
	})
}

func TestGenerateCertificate_ValidityClampedToCA(t *testing.T) {
	ctx := t.Context()
	caNotAfter := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	caCert, caKey := newRootCA(t, caNotAfter)
	signer, err := ca.NewSoftwareSigner(caCert, caKey)
	require.NoError(t, err)
	authority, err := ca.NewAuthority(t.Context(), defaultInfo(), signer, memory.NewRepository())
	require.NoError(t, err)
	requestor := allRequestor()

	// Profile validity exceeds the CA window; clamp to CA notAfter.
	rec, err := authority.GenerateCertificate(ctx, newTemplate(t, "x", "WEB-TLS"),
		requestor, ca.RequestTypeAPI, "")
	require.NoError(t, err)
	assert.True(t, rec.NotAfter.Equal(caCert.NotAfter), "notAfter %s, CA notAfter %s", rec.NotAfter, caCert.NotAfter)

	// Validity entirely beyond the CA window is impossible.
	tmpl := newTemplate(t, "y", "WEB-TLS")
	tmpl.NotBefore = caNotAfter.Add(time.Hour)
	tmpl.NotAfter = caNotAfter.Add(2 * time.Hour)
	_, err = authority.GenerateCertificate(ctx, tmpl, requestor, ca.RequestTypeAPI, "")
	assert.Equal(t, ca.KindBadCertTemplate, ca.KindOf(err))
}

// failingSigner wraps a signer and fails every signing operation.
type failingSigner struct {
	cert *x509.Certificate
}

func (f *failingSigner) Certificate() *x509.Certificate { return f.cert }

func (f *failingSigner) SignCertificate(*x509.Certificate, crypto.PublicKey) ([]byte, error) {
	return nil, errors.New("hsm unreachable")
}

func (f *failingSigner) SignCRL(*x509.RevocationList) ([]byte, error) {
	return nil, errors.New("hsm unreachable")
}

func TestGenerateCertificate_SignerFailure(t *testing.T) {
	ctx := t.Context()
	caCert, _ := newRootCA(t, time.Now().AddDate(1, 0, 0))
	recorder := &audit.Recorder{}
	authority, err := ca.NewAuthority(t.Context(), defaultInfo(), &failingSigner{cert: caCert},
		memory.NewRepository(), ca.WithAuditSink(recorder))
	require.NoError(t, err)

	_, err = authority.GenerateCertificate(ctx, newTemplate(t, "x", "WEB-TLS"),
		allRequestor(), ca.RequestTypeAPI, "")
	assert.Equal(t, ca.KindSystemFailure, ca.KindOf(err))

	// Internal failures audit the kind only, without the diagnostic.
	events := recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.StatusFailed, events[0].Status)
	assert.Equal(t, "system_failure", events[0].Data["error"])
}

func TestRevokeUnrevoke(t *testing.T) {
	ctx := t.Context()
	authority, _, _ := newTestAuthority(t, nil)

	rec, err := authority.GenerateCertificate(ctx, newTemplate(t, "x", "WEB-TLS"),
		allRequestor(), ca.RequestTypeAPI, "")
	require.NoError(t, err)

	invalidity := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, authority.RevokeCertificate(ctx, rec.Serial,
		storage.ReasonKeyCompromise, &invalidity, ""))

	got, err := authority.GetCert(ctx, rec.Serial)
	require.NoError(t, err)
	assert.Equal(t, storage.CertStatusRevoked, got.Status)
	require.NotNil(t, got.Reason)
	assert.Equal(t, storage.ReasonKeyCompromise, *got.Reason)
	require.NotNil(t, got.RevocationTime)
	require.NotNil(t, got.InvalidityTime)
	assert.True(t, got.InvalidityTime.Equal(invalidity))

	// Revocation is not idempotent.
	err = authority.RevokeCertificate(ctx, rec.Serial, storage.ReasonKeyCompromise, nil, "")
	assert.Equal(t, ca.KindCertRevoked, ca.KindOf(err))

	// Unrevocation restores the record completely.
	require.NoError(t, authority.UnrevokeCertificate(ctx, rec.Serial, ""))
	got, err = authority.GetCert(ctx, rec.Serial)
	require.NoError(t, err)
	assert.Equal(t, storage.CertStatusValid, got.Status)
	assert.Nil(t, got.Reason)
	assert.Nil(t, got.RevocationTime)
	assert.Nil(t, got.InvalidityTime)

	// Unrevoking a valid certificate fails.
	err = authority.UnrevokeCertificate(ctx, rec.Serial, "")
	assert.Equal(t, ca.KindUnknownCert, ca.KindOf(err))
}

func TestRevoke_RemoveFromCRLRejected(t *testing.T) {
	ctx := t.Context()
	authority, _, _ := newTestAuthority(t, nil)

	rec, err := authority.GenerateCertificate(ctx, newTemplate(t, "x", "WEB-TLS"),
		allRequestor(), ca.RequestTypeAPI, "")
	require.NoError(t, err)

	err = authority.RevokeCertificate(ctx, rec.Serial, storage.ReasonRemoveFromCRL, nil, "")
	assert.Equal(t, ca.KindBadRequest, ca.KindOf(err))
}

func TestRevoke_UnknownSerial(t *testing.T) {
	ctx := t.Context()
	authority, _, _ := newTestAuthority(t, nil)

	err := authority.RevokeCertificate(ctx, big.NewInt(4242), storage.ReasonUnspecified, nil, "")
	assert.Equal(t, ca.KindUnknownCert, ca.KindOf(err))
}

func TestRemoveCertificate(t *testing.T) {
	ctx := t.Context()
	authority, _, _ := newTestAuthority(t, nil)

	rec, err := authority.GenerateCertificate(ctx, newTemplate(t, "x", "WEB-TLS"),
		allRequestor(), ca.RequestTypeAPI, "")
	require.NoError(t, err)

	require.NoError(t, authority.RemoveCertificate(ctx, rec.Serial, ""))

	// Removal is terminal; the record is invisible to every lookup.
	_, err = authority.GetCert(ctx, rec.Serial)
	assert.Equal(t, ca.KindUnknownCert, ca.KindOf(err))
	err = authority.UnrevokeCertificate(ctx, rec.Serial, "")
	assert.Equal(t, ca.KindUnknownCert, ca.KindOf(err))
	err = authority.RemoveCertificate(ctx, rec.Serial, "")
	assert.Equal(t, ca.KindUnknownCert, ca.KindOf(err))
}

func TestGenerateCRL(t *testing.T) {
	ctx := t.Context()
	authority, _, _ := newTestAuthority(t, nil)
	requestor := allRequestor()

	// First CRL over an empty revoked set.
	crl, err := authority.GenerateCRLOnDemand(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), crl.Number)
	assert.Empty(t, crl.Entries)

	var serials []*big.Int
	for range 5 {
		rec, err := authority.GenerateCertificate(ctx, newTemplate(t, "host.example.com", "WEB-TLS"),
			requestor, ca.RequestTypeAPI, "")
		require.NoError(t, err)
		serials = append(serials, rec.Serial)
	}
	require.NoError(t, authority.RevokeCertificate(ctx, serials[4], storage.ReasonKeyCompromise, nil, ""))
	require.NoError(t, authority.RevokeCertificate(ctx, serials[1], storage.ReasonSuperseded, nil, ""))

	// Second CRL lists the revoked serials in ascending order.
	crl, err = authority.GenerateCRLOnDemand(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), crl.Number)
	require.Len(t, crl.Entries, 2)
	assert.Zero(t, crl.Entries[0].Serial.Cmp(serials[1]))
	assert.Zero(t, crl.Entries[1].Serial.Cmp(serials[4]))
	assert.Equal(t, storage.ReasonSuperseded, crl.Entries[0].Reason)
	assert.Equal(t, storage.ReasonKeyCompromise, crl.Entries[1].Reason)

	// The DER is a well-formed CRL carrying the same number.
	parsed, err := x509.ParseRevocationList(crl.DER)
	require.NoError(t, err)
	assert.Zero(t, parsed.Number.Cmp(big.NewInt(2)))
	require.Len(t, parsed.RevokedCertificateEntries, 2)

	// GetCRL returns the latest by default and any retained number.
	latest, err := authority.GetCRL(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Number)
	first, err := authority.GetCRL(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Number)
}

func TestGetCRL_NoneGenerated(t *testing.T) {
	ctx := t.Context()
	authority, _, _ := newTestAuthority(t, nil)

	_, err := authority.GetCRL(ctx, 0)
	assert.Equal(t, ca.KindCRLFailure, ca.KindOf(err))
}

func TestCRLRetention(t *testing.T) {
	ctx := t.Context()
	authority, _, _ := newTestAuthority(t, func(info *ca.Info) {
		info.NumCRLs = 2
	})

	for range 3 {
		_, err := authority.GenerateCRLOnDemand(ctx, "")
		require.NoError(t, err)
	}

	// Only the two newest CRLs are retained.
	_, err := authority.GetCRL(ctx, 1)
	assert.Equal(t, ca.KindCRLFailure, ca.KindOf(err))
	for _, number := range []int64{2, 3} {
		crl, err := authority.GetCRL(ctx, number)
		require.NoError(t, err)
		assert.Equal(t, number, crl.Number)
	}
}

func TestCRLNumberResumesAfterRestart(t *testing.T) {
	ctx := t.Context()
	info := defaultInfo()
	caCert, caKey := newRootCA(t, time.Now().AddDate(10, 0, 0))
	signer, err := ca.NewSoftwareSigner(caCert, caKey)
	require.NoError(t, err)
	repo := memory.NewRepository()

	authority, err := ca.NewAuthority(ctx, info, signer, repo)
	require.NoError(t, err)
	for range 2 {
		_, err := authority.GenerateCRLOnDemand(ctx, "")
		require.NoError(t, err)
	}

	restarted, err := ca.NewAuthority(ctx, info, signer, repo)
	require.NoError(t, err)
	crl, err := restarted.GenerateCRLOnDemand(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), crl.Number)
}

func TestAuditExactlyOncePerOperation(t *testing.T) {
	ctx := t.Context()
	authority, _, recorder := newTestAuthority(t, nil)
	requestor := allRequestor()

	rec, err := authority.GenerateCertificate(ctx, newTemplate(t, "x", "WEB-TLS"),
		requestor, ca.RequestTypeAPI, "")
	require.NoError(t, err)
	require.NoError(t, authority.RevokeCertificate(ctx, rec.Serial, storage.ReasonSuperseded, nil, ""))
	require.NoError(t, authority.UnrevokeCertificate(ctx, rec.Serial, ""))
	require.NoError(t, authority.RemoveCertificate(ctx, rec.Serial, ""))
	_, err = authority.GenerateCRLOnDemand(ctx, "")
	require.NoError(t, err)

	// A failing operation still audits exactly once.
	err = authority.RevokeCertificate(ctx, big.NewInt(999), storage.ReasonUnspecified, nil, "")
	require.Error(t, err)

	events := recorder.Events()
	require.Len(t, events, 6)
	names := make([]string, len(events))
	for i, event := range events {
		names[i] = event.Name
		assert.Equal(t, "TEST-CA", event.CA)
		assert.NotEmpty(t, event.TID)
	}
	assert.Equal(t, []string{"enroll_cert", "revoke_cert", "unrevoke_cert", "remove_cert", "gen_crl", "revoke_cert"}, names)
	assert.Equal(t, audit.StatusFailed, events[5].Status)
}
