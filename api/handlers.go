package api

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/coolhoo/xipki/ca"
	"github.com/coolhoo/xipki/storage"
)

// maxRequestBody bounds enrollment request bodies.
const maxRequestBody = 1 << 20

// lookup resolves the addressed CA or answers 404.
func (a *API) lookup(w http.ResponseWriter, r *http.Request) (*ca.Authority, bool) {
	authority, ok := a.authority(r)
	if !ok {
		http.Error(w, "unknown CA "+chi.URLParam(r, "caAlias"), http.StatusNotFound)
		return nil, false
	}
	return authority, true
}

// requestor authenticates the caller or answers 401.
func (a *API) requestor(w http.ResponseWriter, r *http.Request, authority *ca.Authority) (*ca.Requestor, bool) {
	requestor, err := a.resolver.Resolve(r, authority.Info().Name)
	if err != nil {
		a.mapError(w, r, err)
		return nil, false
	}
	if requestor == nil {
		writeRejection(w, http.StatusUnauthorized, failNotAuthorized, "no valid credentials")
		return nil, false
	}
	return requestor, true
}

// checkCASha1 verifies the ca-sha1 parameter names the addressed CA's
// certificate.
func checkCASha1(r *http.Request, authority *ca.Authority) bool {
	want := sha1.Sum(authority.CACertificate().Raw)
	got := strings.TrimSpace(r.URL.Query().Get(paramCASha1))
	return strings.EqualFold(got, hex.EncodeToString(want[:]))
}

// parseSerial accepts a hex serial with 0x prefix or a decimal serial.
func parseSerial(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	return new(big.Int).SetString(s, base)
}

// CACert serves the CA's own certificate. Any authenticated requestor may
// fetch it; no further permission applies.
func (a *API) CACert(w http.ResponseWriter, r *http.Request) {
	authority, ok := a.lookup(w, r)
	if !ok {
		return
	}
	if _, ok := a.requestor(w, r, authority); !ok {
		return
	}
	writeBinary(w, ctPkixCert, authority.CACertificate().Raw)
}

// EnrollCert issues a certificate for the PKCS#10 request in the body.
func (a *API) EnrollCert(w http.ResponseWriter, r *http.Request) {
	authority, ok := a.lookup(w, r)
	if !ok {
		return
	}
	requestor, ok := a.requestor(w, r, authority)
	if !ok {
		return
	}

	ct, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
	if !strings.EqualFold(strings.TrimSpace(ct), ctPKCS10) {
		writeRejection(w, http.StatusUnsupportedMediaType, failBadRequest, "unsupported content type "+ct)
		return
	}

	profile := r.URL.Query().Get(paramProfile)
	if profile == "" {
		writeRejection(w, http.StatusBadRequest, failBadRequest, "required parameter "+paramProfile+" missing")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeRejection(w, http.StatusBadRequest, failBadRequest, "reading request body: "+err.Error())
		return
	}
	csr, err := x509.ParseCertificateRequest(body)
	if err != nil {
		writeRejection(w, http.StatusBadRequest, failBadRequest, "parsing PKCS#10 request: "+err.Error())
		return
	}
	if err := csr.CheckSignature(); err != nil {
		writeRejection(w, http.StatusBadRequest, failBadRequest, "proof of possession failed: "+err.Error())
		return
	}

	tmpl := &ca.CertTemplate{
		Subject:        csr.Subject,
		PublicKey:      csr.PublicKey,
		Profile:        profile,
		DNSNames:       csr.DNSNames,
		IPAddresses:    csr.IPAddresses,
		EmailAddresses: csr.EmailAddresses,
	}
	if v := r.URL.Query().Get(paramNotBefore); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeRejection(w, http.StatusBadRequest, failBadRequest, "invalid "+paramNotBefore)
			return
		}
		tmpl.NotBefore = t
	}
	if v := r.URL.Query().Get(paramNotAfter); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeRejection(w, http.StatusBadRequest, failBadRequest, "invalid "+paramNotAfter)
			return
		}
		tmpl.NotAfter = t
	}

	rec, err := authority.GenerateCertificate(r.Context(), tmpl, requestor, ca.RequestTypeREST, uuid.NewString())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeBinary(w, ctPkixCert, rec.DER)
}

// RevokeCert revokes the certificate named by serial-number. The reason
// removeFromCRL releases a certificateHold instead.
func (a *API) RevokeCert(w http.ResponseWriter, r *http.Request) {
	authority, ok := a.lookup(w, r)
	if !ok {
		return
	}
	requestor, ok := a.requestor(w, r, authority)
	if !ok {
		return
	}
	if !checkCASha1(r, authority) {
		writeRejection(w, http.StatusBadRequest, failBadRequest, "parameter "+paramCASha1+" does not match the addressed CA")
		return
	}
	serial, ok := parseSerial(r.URL.Query().Get(paramSerialNumber))
	if !ok {
		writeRejection(w, http.StatusBadRequest, failBadRequest, "invalid "+paramSerialNumber)
		return
	}
	reason, ok := ca.ReasonFromText(r.URL.Query().Get(paramReason))
	if !ok {
		writeRejection(w, http.StatusBadRequest, failBadRequest, "invalid "+paramReason)
		return
	}

	if reason == storage.ReasonRemoveFromCRL {
		if err := requestor.AssertPermitted(ca.PermUnrevokeCert); err != nil {
			a.mapError(w, r, err)
			return
		}
		if err := authority.UnrevokeCertificate(r.Context(), serial, uuid.NewString()); err != nil {
			a.mapError(w, r, err)
			return
		}
		writeAccepted(w)
		return
	}

	if err := requestor.AssertPermitted(ca.PermRevokeCert); err != nil {
		a.mapError(w, r, err)
		return
	}
	var invalidity *time.Time
	if v := r.URL.Query().Get(paramInvalidityTime); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeRejection(w, http.StatusBadRequest, failBadRequest, "invalid "+paramInvalidityTime)
			return
		}
		invalidity = &t
	}
	if err := authority.RevokeCertificate(r.Context(), serial, reason, invalidity, uuid.NewString()); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeAccepted(w)
}

// DeleteCert removes the certificate named by serial-number.
func (a *API) DeleteCert(w http.ResponseWriter, r *http.Request) {
	authority, ok := a.lookup(w, r)
	if !ok {
		return
	}
	requestor, ok := a.requestor(w, r, authority)
	if !ok {
		return
	}
	if err := requestor.AssertPermitted(ca.PermRemoveCert); err != nil {
		a.mapError(w, r, err)
		return
	}
	if !checkCASha1(r, authority) {
		writeRejection(w, http.StatusBadRequest, failBadRequest, "parameter "+paramCASha1+" does not match the addressed CA")
		return
	}
	serial, ok := parseSerial(r.URL.Query().Get(paramSerialNumber))
	if !ok {
		writeRejection(w, http.StatusBadRequest, failBadRequest, "invalid "+paramSerialNumber)
		return
	}
	if err := authority.RemoveCertificate(r.Context(), serial, uuid.NewString()); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeAccepted(w)
}

// GetCRL serves a retained CRL, the latest when crl-number is absent.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	authority, ok := a.lookup(w, r)
	if !ok {
		return
	}
	requestor, ok := a.requestor(w, r, authority)
	if !ok {
		return
	}
	if err := requestor.AssertPermitted(ca.PermGetCRL); err != nil {
		a.mapError(w, r, err)
		return
	}
	var number int64
	if v := r.URL.Query().Get(paramCRLNumber); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			writeRejection(w, http.StatusBadRequest, failBadRequest, "invalid "+paramCRLNumber)
			return
		}
		number = n
	}
	rec, err := authority.GetCRL(r.Context(), number)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeBinary(w, ctPkixCRL, rec.DER)
}

// NewCRL generates a fresh full CRL and serves it.
func (a *API) NewCRL(w http.ResponseWriter, r *http.Request) {
	authority, ok := a.lookup(w, r)
	if !ok {
		return
	}
	requestor, ok := a.requestor(w, r, authority)
	if !ok {
		return
	}
	if err := requestor.AssertPermitted(ca.PermGenCRL); err != nil {
		a.mapError(w, r, err)
		return
	}
	rec, err := authority.GenerateCRLOnDemand(r.Context(), uuid.NewString())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeBinary(w, ctPkixCRL, rec.DER)
}
