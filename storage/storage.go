// Package storage provides the persistence abstraction for certificate and
// CRL records owned by a certification authority. Backends enforce serial
// uniqueness per CA and optimistic status transitions so that the lifecycle
// engine never has to hold cross-process locks.
package storage

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	// ErrNotFound is returned when the requested record does not exist or is
	// no longer visible (removed certificates, evicted CRLs).
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateSerial is returned by PutCert when a record with the same
	// serial number already exists for the CA, in any status.
	ErrDuplicateSerial = errors.New("serial number already in use")

	// ErrCASFailed is returned when a compare-and-swap status check fails.
	ErrCASFailed = errors.New("CAS status mismatch")
)

// CertStatus is the persisted lifecycle status of a certificate record.
type CertStatus string

const (
	CertStatusValid   CertStatus = "valid"
	CertStatusRevoked CertStatus = "revoked"
	CertStatusRemoved CertStatus = "removed"
)

// Reason is an RFC 5280 CRL reason code.
type Reason int

const (
	ReasonUnspecified          Reason = 0
	ReasonKeyCompromise        Reason = 1
	ReasonCACompromise         Reason = 2
	ReasonAffiliationChanged   Reason = 3
	ReasonSuperseded           Reason = 4
	ReasonCessationOfOperation Reason = 5
	ReasonCertificateHold      Reason = 6
	ReasonRemoveFromCRL        Reason = 8
	ReasonPrivilegeWithdrawn   Reason = 9
	ReasonAACompromise         Reason = 10
)

// CertRecord is a certificate issued by a CA together with its lifecycle
// state. The serial number is unique within the issuing CA across all
// statuses, including removed records.
type CertRecord struct {
	ID                 string     `json:"id"`
	CAID               int        `json:"ca_id"`
	Serial             *big.Int   `json:"serial"`
	Subject            string     `json:"subject"`
	Profile            string     `json:"profile"`
	SubjectFingerprint string     `json:"subject_fp"`
	KeyFingerprint     string     `json:"key_fp"`
	DER                []byte     `json:"der"`
	Status             CertStatus `json:"status"`
	Reason             *Reason    `json:"reason,omitempty"`
	RevocationTime     *time.Time `json:"revocation_time,omitempty"`
	InvalidityTime     *time.Time `json:"invalidity_time,omitempty"`
	NotBefore          time.Time  `json:"not_before"`
	NotAfter           time.Time  `json:"not_after"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Clone returns a deep copy of the record.
func (r *CertRecord) Clone() *CertRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Serial != nil {
		out.Serial = new(big.Int).Set(r.Serial)
	}
	out.DER = append([]byte(nil), r.DER...)
	if r.Reason != nil {
		reason := *r.Reason
		out.Reason = &reason
	}
	if r.RevocationTime != nil {
		t := *r.RevocationTime
		out.RevocationTime = &t
	}
	if r.InvalidityTime != nil {
		t := *r.InvalidityTime
		out.InvalidityTime = &t
	}
	return &out
}

// CRLEntry is one revoked certificate inside a CRL snapshot.
type CRLEntry struct {
	Serial         *big.Int   `json:"serial"`
	Reason         Reason     `json:"reason"`
	RevocationTime time.Time  `json:"revocation_time"`
	InvalidityTime *time.Time `json:"invalidity_time,omitempty"`
}

// CRLRecord is a generated CRL snapshot retained in the CA's CRL history.
type CRLRecord struct {
	Number     int64      `json:"number"`
	ThisUpdate time.Time  `json:"this_update"`
	NextUpdate time.Time  `json:"next_update"`
	Entries    []CRLEntry `json:"entries"`
	Delta      bool       `json:"delta"`
	BaseNumber int64      `json:"base_number,omitempty"`
	DER        []byte     `json:"der"`
}

// CertUpdate describes the target state of a status transition applied via
// UpdateCertStatus. Nil pointer fields clear the corresponding columns.
type CertUpdate struct {
	Status         CertStatus
	Reason         *Reason
	RevocationTime *time.Time
	InvalidityTime *time.Time
}

// DuplicateQuery matches existing valid certificates by key or subject
// fingerprint, optionally scoped to a single certificate profile.
type DuplicateQuery struct {
	KeyFingerprint     string
	SubjectFingerprint string
	Profile            string
}

// Repository defines the persistence interface consumed by the lifecycle
// engine. Implementations must make PutCert atomic with respect to the
// serial-uniqueness check and UpdateCertStatus atomic with respect to the
// expected-status check.
type Repository interface {
	// PutCert persists a new certificate record. It returns
	// ErrDuplicateSerial when a record with the same serial already exists
	// for the CA; in that case nothing is written.
	PutCert(ctx context.Context, rec *CertRecord) error

	// GetCert returns the record with the given serial in any status except
	// removed. Removed records are invisible; ErrNotFound is returned.
	GetCert(ctx context.Context, caID int, serial *big.Int) (*CertRecord, error)

	// UpdateCertStatus transitions the record identified by serial from the
	// expected status to the state described by update. It returns
	// ErrCASFailed when the current status differs from expected and
	// ErrNotFound when no record (visible or removed) has the serial.
	UpdateCertStatus(ctx context.Context, caID int, serial *big.Int, expected CertStatus, update CertUpdate) error

	// ListRevoked returns a consistent snapshot of all revoked records of
	// the CA.
	ListRevoked(ctx context.Context, caID int) ([]*CertRecord, error)

	// HasValidCert reports whether any valid record of the CA matches the
	// duplicate query.
	HasValidCert(ctx context.Context, caID int, q DuplicateQuery) (bool, error)

	// PutCRL appends a CRL snapshot to the CA's CRL history.
	PutCRL(ctx context.Context, caID int, rec *CRLRecord) error

	// GetCRL returns the retained CRL with the given number, or ErrNotFound.
	GetCRL(ctx context.Context, caID int, number int64) (*CRLRecord, error)

	// LatestCRL returns the most recently stored CRL, or ErrNotFound when
	// none has been generated yet.
	LatestCRL(ctx context.Context, caID int) (*CRLRecord, error)

	// PruneCRLs discards the oldest retained CRLs until at most keep remain.
	PruneCRLs(ctx context.Context, caID int, keep int) error
}
