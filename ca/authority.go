package ca

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coolhoo/xipki/audit"
	"github.com/coolhoo/xipki/internal/util"
	"github.com/coolhoo/xipki/storage"
)

const (
	// maxSerialAttempts bounds retries on serial collisions during
	// issuance; exhaustion is a SystemFailure.
	maxSerialAttempts = 5

	// maxStatusAttempts bounds optimistic status transitions; a writer that
	// keeps losing surfaces DatabaseFailure.
	maxStatusAttempts = 3

	// randomSerialBits is the width of the random serial space.
	randomSerialBits = 64

	defaultCRLValidity = 7 * 24 * time.Hour
)

// id-ce-subjectAltName. The only raw extension a template may request
// beyond the typed SAN fields.
var oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

// Authority is the certificate lifecycle engine of a single CA. All state
// transitions of issued certificates go through it; it is safe for
// concurrent use.
type Authority struct {
	info   *Info
	signer Signer
	repo   storage.Repository
	sink   audit.Sink
	logger *slog.Logger

	// serial is the sequential allocation counter; unused under the random
	// serial policy.
	serial atomic.Uint64

	crlMu     sync.Mutex
	crlNumber int64
}

// Option configures an Authority.
type Option func(*Authority)

// WithAuditSink sets the audit sink notified once per operation.
func WithAuditSink(sink audit.Sink) Option {
	return func(a *Authority) { a.sink = sink }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authority) { a.logger = logger }
}

// NewAuthority builds the lifecycle engine for one CA. The CRL number
// sequence resumes from the retained CRL history.
func NewAuthority(ctx context.Context, info *Info, signer Signer, repo storage.Repository, opts ...Option) (*Authority, error) {
	if info == nil || signer == nil || repo == nil {
		return nil, errors.New("info, signer and repo must not be nil")
	}
	a := &Authority{
		info:   info,
		signer: signer,
		repo:   repo,
		sink:   audit.NopSink{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "ca", "ca", info.Name)

	if info.CRLValidity == 0 {
		info.CRLValidity = defaultCRLValidity
	}
	if !info.SerialPolicy.Random() {
		a.serial.Store(info.SerialPolicy.NextSerial)
	}

	latest, err := repo.LatestCRL(ctx, info.ID)
	switch {
	case err == nil:
		a.crlNumber = latest.Number
	case errors.Is(err, storage.ErrNotFound):
		// First CRL will be number 1.
	default:
		return nil, err
	}
	return a, nil
}

// Info returns the CA's identity and policy.
func (a *Authority) Info() *Info {
	return a.info
}

// CACertificate returns the CA's own certificate.
func (a *Authority) CACertificate() *x509.Certificate {
	return a.signer.Certificate()
}

// ExpiresSoon reports whether the CA certificate expires within the
// configured expiration warning period as of now.
func (a *Authority) ExpiresSoon(now time.Time) bool {
	if a.info.ExpirationPeriod <= 0 {
		return false
	}
	warnFrom := a.signer.Certificate().NotAfter.AddDate(0, 0, -a.info.ExpirationPeriod)
	return now.After(warnFrom)
}

// checkActive runs before any other operation logic: a CA that is not
// active refuses every operation with SystemUnavailable.
func (a *Authority) checkActive() error {
	if a.info.Status != StatusActive {
		return opErr(KindSystemUnavailable, "CA %s is %s", a.info.Name, a.info.Status)
	}
	return nil
}

// auditOutcome reports the operation outcome exactly once, to be deferred
// at the top of each operation. Internal failure kinds audit the kind only;
// the diagnostic detail stays in the log.
func (a *Authority) auditOutcome(name, requestor, tid string, data map[string]string, errp *error) {
	event := audit.Event{
		Name:      name,
		CA:        a.info.Name,
		Requestor: requestor,
		TID:       tid,
		Status:    audit.StatusSuccessful,
		Level:     slog.LevelInfo,
		Time:      time.Now().UTC(),
		Data:      data,
	}
	if err := *errp; err != nil {
		event.Status = audit.StatusFailed
		kind := KindOf(err)
		switch kind {
		case KindDatabaseFailure, KindSystemFailure:
			event.Level = slog.LevelError
			data["error"] = kind.String()
			a.logger.Error("operation failed", "op", name, "tid", tid, "err", err)
		default:
			event.Level = slog.LevelWarn
			data["error"] = err.Error()
		}
	}
	a.sink.Record(event)
}

// allocateSerial draws the next serial number under the CA's policy.
func (a *Authority) allocateSerial() (*big.Int, error) {
	if a.info.SerialPolicy.Random() {
		return util.RandomSerial(randomSerialBits)
	}
	next := a.serial.Add(1)
	return new(big.Int).SetUint64(next - 1), nil
}

// GenerateCertificate issues a certificate for the template on behalf of
// the requestor. On success the returned record has status valid and a
// serial number unique within the CA; no serial is ever considered issued
// without a persisted record.
func (a *Authority) GenerateCertificate(ctx context.Context, tmpl *CertTemplate, requestor *Requestor, reqType RequestType, tid string) (rec *storage.CertRecord, err error) {
	if tid == "" {
		tid = uuid.NewString()
	}
	data := map[string]string{"req_type": string(reqType), "profile": tmpl.Profile}
	defer a.auditOutcome("enroll_cert", requestor.Name, tid, data, &err)

	if err = a.checkActive(); err != nil {
		return nil, err
	}
	if err = requestor.AssertPermitted(PermEnrollCert); err != nil {
		return nil, err
	}

	profileName := util.CanonicalName(tmpl.Profile)
	if !requestor.ProfilePermitted(profileName) {
		err = opErr(KindNotPermitted, "certificate profile %s is not allowed for requestor %s", profileName, requestor.Name)
		return nil, err
	}
	profile, ok := a.info.Profile(profileName)
	if !ok {
		err = opErr(KindUnknownCertProfile, "unknown certificate profile %s", profileName)
		return nil, err
	}
	if err = validateTemplate(tmpl); err != nil {
		return nil, err
	}

	keyFP, subjectFP, fpErr := templateFingerprints(tmpl)
	if fpErr != nil {
		err = opErr(KindBadCertTemplate, "encoding public key: %v", fpErr)
		return nil, err
	}
	if err = a.checkDuplicates(ctx, keyFP, subjectFP, profileName); err != nil {
		return nil, err
	}

	notBefore, notAfter, valErr := a.validity(tmpl, profile)
	if valErr != nil {
		err = valErr
		return nil, err
	}
	if a.ExpiresSoon(notBefore) {
		a.logger.Warn("issuing within CA expiration warning period",
			"ca_not_after", a.signer.Certificate().NotAfter, "tid", tid)
	}

	for attempt := 0; attempt < maxSerialAttempts; attempt++ {
		var serial *big.Int
		serial, err = a.allocateSerial()
		if err != nil {
			err = opErr(KindSystemFailure, "allocating serial: %v", err)
			return nil, err
		}

		certTpl := &x509.Certificate{
			SerialNumber:          serial,
			Subject:               tmpl.Subject,
			NotBefore:             notBefore,
			NotAfter:              notAfter,
			KeyUsage:              profile.KeyUsage,
			ExtKeyUsage:           profile.ExtKeyUsage,
			BasicConstraintsValid: true,
			DNSNames:              tmpl.DNSNames,
			IPAddresses:           tmpl.IPAddresses,
			EmailAddresses:        tmpl.EmailAddresses,
			ExtraExtensions:       tmpl.ExtraExtensions,
		}
		if certTpl.KeyUsage == 0 {
			certTpl.KeyUsage = x509.KeyUsageDigitalSignature
		}

		der, signErr := a.signer.SignCertificate(certTpl, tmpl.PublicKey)
		if signErr != nil {
			err = opErr(KindSystemFailure, "signing certificate: %v", signErr)
			return nil, err
		}

		candidate := &storage.CertRecord{
			ID:                 uuid.NewString(),
			CAID:               a.info.ID,
			Serial:             serial,
			Subject:            tmpl.Subject.String(),
			Profile:            profileName,
			SubjectFingerprint: subjectFP,
			KeyFingerprint:     keyFP,
			DER:                der,
			Status:             storage.CertStatusValid,
			NotBefore:          notBefore,
			NotAfter:           notAfter,
			CreatedAt:          time.Now().UTC(),
		}
		putErr := a.repo.PutCert(ctx, candidate)
		if errors.Is(putErr, storage.ErrDuplicateSerial) {
			// The serial was never issued; draw a fresh one.
			continue
		}
		if putErr != nil {
			err = opErr(KindDatabaseFailure, "storing certificate: %v", putErr)
			return nil, err
		}
		data["serial"] = serial.String()
		return candidate, nil
	}

	err = opErr(KindSystemFailure, "serial allocation exhausted after %d attempts", maxSerialAttempts)
	return nil, err
}

// checkDuplicates applies the CA's duplicate-key and duplicate-subject
// policy over the existing valid records.
func (a *Authority) checkDuplicates(ctx context.Context, keyFP, subjectFP, profile string) error {
	type check struct {
		mode  DuplicateMode
		query storage.DuplicateQuery
		what  string
	}
	checks := []check{
		{a.info.DuplicateKeyMode, storage.DuplicateQuery{KeyFingerprint: keyFP}, "public key"},
		{a.info.DuplicateSubjectMode, storage.DuplicateQuery{SubjectFingerprint: subjectFP}, "subject"},
	}
	for _, c := range checks {
		switch c.mode {
		case DuplicateAllowed:
			continue
		case DuplicateForbiddenWithinProfile:
			c.query.Profile = profile
		}
		found, err := a.repo.HasValidCert(ctx, a.info.ID, c.query)
		if err != nil {
			return opErr(KindDatabaseFailure, "duplicate check: %v", err)
		}
		if found {
			return opErr(KindAlreadyIssued, "certificate for the given %s already issued", c.what)
		}
	}
	return nil
}

// validity derives the certificate validity window from the template and
// profile, clamped to the CA certificate's own window.
func (a *Authority) validity(tmpl *CertTemplate, profile *Profile) (notBefore, notAfter time.Time, err error) {
	now := time.Now().UTC().Truncate(time.Second)
	notBefore = now
	if !tmpl.NotBefore.IsZero() {
		notBefore = tmpl.NotBefore.UTC()
	}
	notAfter = notBefore.Add(profile.Validity)
	if !tmpl.NotAfter.IsZero() {
		notAfter = tmpl.NotAfter.UTC()
	}
	if !notAfter.After(notBefore) {
		return time.Time{}, time.Time{}, opErr(KindBadCertTemplate, "notAfter %s is not after notBefore %s", notAfter, notBefore)
	}

	caCert := a.signer.Certificate()
	if notBefore.After(caCert.NotAfter) {
		return time.Time{}, time.Time{}, opErr(KindBadCertTemplate, "requested validity starts after CA expiry %s", caCert.NotAfter)
	}
	if notAfter.After(caCert.NotAfter) {
		notAfter = caCert.NotAfter
	}
	return notBefore, notAfter, nil
}

// RevokeCertificate transitions the valid certificate with the given serial
// to revoked. Revocation is not idempotent: re-revoking fails CertRevoked.
// The hold-release reason removeFromCRL is rejected here; it is only
// expressible through UnrevokeCertificate.
func (a *Authority) RevokeCertificate(ctx context.Context, serial *big.Int, reason storage.Reason, invalidityTime *time.Time, tid string) (err error) {
	if tid == "" {
		tid = uuid.NewString()
	}
	data := map[string]string{"serial": serial.String(), "reason": ReasonText(reason)}
	defer a.auditOutcome("revoke_cert", "", tid, data, &err)

	if err = a.checkActive(); err != nil {
		return err
	}
	if reason == storage.ReasonRemoveFromCRL {
		err = opErr(KindBadRequest, "reason removeFromCRL is only valid through unrevocation")
		return err
	}

	now := time.Now().UTC()
	for attempt := 0; attempt < maxStatusAttempts; attempt++ {
		var rec *storage.CertRecord
		rec, err = a.loadCert(ctx, serial)
		if err != nil {
			return err
		}
		if rec.Status == storage.CertStatusRevoked {
			err = opErr(KindCertRevoked, "certificate %s is already revoked", serial)
			return err
		}

		r := reason
		update := storage.CertUpdate{
			Status:         storage.CertStatusRevoked,
			Reason:         &r,
			RevocationTime: &now,
			InvalidityTime: invalidityTime,
		}
		switch upErr := a.repo.UpdateCertStatus(ctx, a.info.ID, serial, storage.CertStatusValid, update); {
		case upErr == nil:
			return nil
		case errors.Is(upErr, storage.ErrCASFailed):
			// Lost the race; re-evaluate the current status.
			continue
		case errors.Is(upErr, storage.ErrNotFound):
			err = opErr(KindUnknownCert, "no certificate with serial %s", serial)
			return err
		default:
			err = opErr(KindDatabaseFailure, "updating certificate status: %v", upErr)
			return err
		}
	}
	err = opErr(KindDatabaseFailure, "status conflict on serial %s after %d attempts", serial, maxStatusAttempts)
	return err
}

// UnrevokeCertificate returns the revoked certificate with the given serial
// to valid, clearing reason, revocation time and invalidity time.
func (a *Authority) UnrevokeCertificate(ctx context.Context, serial *big.Int, tid string) (err error) {
	if tid == "" {
		tid = uuid.NewString()
	}
	data := map[string]string{"serial": serial.String()}
	defer a.auditOutcome("unrevoke_cert", "", tid, data, &err)

	if err = a.checkActive(); err != nil {
		return err
	}

	for attempt := 0; attempt < maxStatusAttempts; attempt++ {
		var rec *storage.CertRecord
		rec, err = a.loadCert(ctx, serial)
		if err != nil {
			return err
		}
		if rec.Status != storage.CertStatusRevoked {
			err = opErr(KindUnknownCert, "no revoked certificate with serial %s", serial)
			return err
		}

		update := storage.CertUpdate{Status: storage.CertStatusValid}
		switch upErr := a.repo.UpdateCertStatus(ctx, a.info.ID, serial, storage.CertStatusRevoked, update); {
		case upErr == nil:
			return nil
		case errors.Is(upErr, storage.ErrCASFailed):
			continue
		case errors.Is(upErr, storage.ErrNotFound):
			err = opErr(KindUnknownCert, "no certificate with serial %s", serial)
			return err
		default:
			err = opErr(KindDatabaseFailure, "updating certificate status: %v", upErr)
			return err
		}
	}
	err = opErr(KindDatabaseFailure, "status conflict on serial %s after %d attempts", serial, maxStatusAttempts)
	return err
}

// RemoveCertificate transitions the certificate with the given serial to
// removed. Removal is terminal: the record is excluded from all further
// lookups by serial.
func (a *Authority) RemoveCertificate(ctx context.Context, serial *big.Int, tid string) (err error) {
	if tid == "" {
		tid = uuid.NewString()
	}
	data := map[string]string{"serial": serial.String()}
	defer a.auditOutcome("remove_cert", "", tid, data, &err)

	if err = a.checkActive(); err != nil {
		return err
	}

	for attempt := 0; attempt < maxStatusAttempts; attempt++ {
		var rec *storage.CertRecord
		rec, err = a.loadCert(ctx, serial)
		if err != nil {
			return err
		}

		update := storage.CertUpdate{
			Status:         storage.CertStatusRemoved,
			Reason:         rec.Reason,
			RevocationTime: rec.RevocationTime,
			InvalidityTime: rec.InvalidityTime,
		}
		switch upErr := a.repo.UpdateCertStatus(ctx, a.info.ID, serial, rec.Status, update); {
		case upErr == nil:
			return nil
		case errors.Is(upErr, storage.ErrCASFailed):
			continue
		case errors.Is(upErr, storage.ErrNotFound):
			err = opErr(KindUnknownCert, "no certificate with serial %s", serial)
			return err
		default:
			err = opErr(KindDatabaseFailure, "updating certificate status: %v", upErr)
			return err
		}
	}
	err = opErr(KindDatabaseFailure, "status conflict on serial %s after %d attempts", serial, maxStatusAttempts)
	return err
}

// loadCert loads a visible (valid or revoked) record by serial, mapping the
// storage errors onto the operation taxonomy.
func (a *Authority) loadCert(ctx context.Context, serial *big.Int) (*storage.CertRecord, error) {
	rec, err := a.repo.GetCert(ctx, a.info.ID, serial)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, opErr(KindUnknownCert, "no certificate with serial %s", serial)
	}
	if err != nil {
		return nil, opErr(KindDatabaseFailure, "loading certificate: %v", err)
	}
	return rec, nil
}

// GetCert returns the visible record with the given serial.
func (a *Authority) GetCert(ctx context.Context, serial *big.Int) (*storage.CertRecord, error) {
	if err := a.checkActive(); err != nil {
		return nil, err
	}
	return a.loadCert(ctx, serial)
}

// GetCRL returns the retained CRL with the given number, or the most
// recently generated one when crlNumber is 0.
func (a *Authority) GetCRL(ctx context.Context, crlNumber int64) (rec *storage.CRLRecord, err error) {
	if err = a.checkActive(); err != nil {
		return nil, err
	}

	var getErr error
	if crlNumber == 0 {
		rec, getErr = a.repo.LatestCRL(ctx, a.info.ID)
	} else {
		rec, getErr = a.repo.GetCRL(ctx, a.info.ID, crlNumber)
	}
	switch {
	case getErr == nil:
		return rec, nil
	case errors.Is(getErr, storage.ErrNotFound):
		if crlNumber == 0 {
			return nil, opErr(KindCRLFailure, "no CRL has been generated")
		}
		return nil, opErr(KindCRLFailure, "CRL %d is not retained", crlNumber)
	default:
		return nil, opErr(KindCRLFailure, "loading CRL: %v", getErr)
	}
}

// GenerateCRLOnDemand builds a fresh full CRL from the current revoked set,
// assigns the next CRL number, persists it and prunes the history to the
// CA's retention count.
func (a *Authority) GenerateCRLOnDemand(ctx context.Context, tid string) (rec *storage.CRLRecord, err error) {
	if tid == "" {
		tid = uuid.NewString()
	}
	data := map[string]string{}
	defer a.auditOutcome("gen_crl", "", tid, data, &err)

	if err = a.checkActive(); err != nil {
		return nil, err
	}

	a.crlMu.Lock()
	defer a.crlMu.Unlock()

	revoked, listErr := a.repo.ListRevoked(ctx, a.info.ID)
	if listErr != nil {
		err = opErr(KindCRLFailure, "loading revoked set: %v", listErr)
		return nil, err
	}

	number := a.crlNumber + 1
	now := time.Now().UTC()
	rec, buildErr := BuildCRL(a.signer, revoked, number, now, now.Add(a.info.CRLValidity), nil)
	if buildErr != nil {
		err = opErr(KindCRLFailure, "building CRL %d: %v", number, buildErr)
		return nil, err
	}
	if putErr := a.repo.PutCRL(ctx, a.info.ID, rec); putErr != nil {
		err = opErr(KindCRLFailure, "storing CRL %d: %v", number, putErr)
		return nil, err
	}
	a.crlNumber = number
	data["crl_number"] = strconv.FormatInt(number, 10)

	if a.info.NumCRLs > 0 {
		if pruneErr := a.repo.PruneCRLs(ctx, a.info.ID, a.info.NumCRLs); pruneErr != nil {
			a.logger.Warn("pruning CRL history failed", "err", pruneErr, "tid", tid)
		}
	}
	return rec, nil
}

// templateFingerprints derives the SHA-256 fingerprints used by the
// duplicate-key and duplicate-subject checks.
func templateFingerprints(tmpl *CertTemplate) (keyFP, subjectFP string, err error) {
	spki, err := x509.MarshalPKIXPublicKey(tmpl.PublicKey)
	if err != nil {
		return "", "", err
	}
	keySum := sha256.Sum256(spki)
	subjectSum := sha256.Sum256([]byte(util.CanonicalName(tmpl.Subject.String())))
	return util.HexEncode(keySum[:]), util.HexEncode(subjectSum[:]), nil
}

// validateTemplate rejects structurally invalid templates and unsupported
// requested extensions.
func validateTemplate(tmpl *CertTemplate) error {
	if tmpl.PublicKey == nil {
		return opErr(KindBadCertTemplate, "template has no public key")
	}
	if tmpl.Subject.String() == "" && len(tmpl.DNSNames) == 0 &&
		len(tmpl.IPAddresses) == 0 && len(tmpl.EmailAddresses) == 0 {
		return opErr(KindBadCertTemplate, "template has neither subject nor subject alternative names")
	}
	if !tmpl.NotBefore.IsZero() && !tmpl.NotAfter.IsZero() && !tmpl.NotAfter.After(tmpl.NotBefore) {
		return opErr(KindBadCertTemplate, "notAfter is not after notBefore")
	}
	for _, ext := range tmpl.ExtraExtensions {
		if !ext.Id.Equal(oidSubjectAltName) {
			return opErr(KindInvalidExtension, "requested extension %s is not supported", ext.Id)
		}
	}
	return nil
}
