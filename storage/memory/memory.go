// Package memory provides a thread-safe in-memory implementation of
// storage.Repository. Suitable for testing, demos, and single-process use.
package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/coolhoo/xipki/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
type Repository struct {
	mu    sync.RWMutex
	certs map[int]map[string]*storage.CertRecord
	crls  map[int][]*storage.CRLRecord
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		certs: make(map[int]map[string]*storage.CertRecord),
		crls:  make(map[int][]*storage.CRLRecord),
	}
}

func serialKey(serial *big.Int) string {
	return serial.String()
}

func cloneCRL(rec *storage.CRLRecord) *storage.CRLRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	out.DER = append([]byte(nil), rec.DER...)
	out.Entries = make([]storage.CRLEntry, len(rec.Entries))
	for i, e := range rec.Entries {
		out.Entries[i] = e
		out.Entries[i].Serial = new(big.Int).Set(e.Serial)
		if e.InvalidityTime != nil {
			t := *e.InvalidityTime
			out.Entries[i].InvalidityTime = &t
		}
	}
	return &out
}

func (r *Repository) PutCert(ctx context.Context, rec *storage.CertRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.certs[rec.CAID]; !ok {
		r.certs[rec.CAID] = make(map[string]*storage.CertRecord)
	}
	k := serialKey(rec.Serial)
	if _, exists := r.certs[rec.CAID][k]; exists {
		return storage.ErrDuplicateSerial
	}
	r.certs[rec.CAID][k] = rec.Clone()
	return nil
}

func (r *Repository) GetCert(ctx context.Context, caID int, serial *big.Int) (*storage.CertRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.certs[caID][serialKey(serial)]
	if !ok || rec.Status == storage.CertStatusRemoved {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Repository) UpdateCertStatus(ctx context.Context, caID int, serial *big.Int, expected storage.CertStatus, update storage.CertUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.certs[caID][serialKey(serial)]
	if !ok {
		return storage.ErrNotFound
	}
	if rec.Status != expected {
		return storage.ErrCASFailed
	}
	rec.Status = update.Status
	rec.Reason = update.Reason
	rec.RevocationTime = update.RevocationTime
	rec.InvalidityTime = update.InvalidityTime
	return nil
}

func (r *Repository) ListRevoked(ctx context.Context, caID int) ([]*storage.CertRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*storage.CertRecord
	for _, rec := range r.certs[caID] {
		if rec.Status == storage.CertStatusRevoked {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Serial.Cmp(out[j].Serial) < 0
	})
	return out, nil
}

func (r *Repository) HasValidCert(ctx context.Context, caID int, q storage.DuplicateQuery) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.certs[caID] {
		if rec.Status != storage.CertStatusValid {
			continue
		}
		if q.Profile != "" && rec.Profile != q.Profile {
			continue
		}
		if q.KeyFingerprint != "" && rec.KeyFingerprint == q.KeyFingerprint {
			return true, nil
		}
		if q.SubjectFingerprint != "" && rec.SubjectFingerprint == q.SubjectFingerprint {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repository) PutCRL(ctx context.Context, caID int, rec *storage.CRLRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crls[caID] = append(r.crls[caID], cloneCRL(rec))
	sort.Slice(r.crls[caID], func(i, j int) bool {
		return r.crls[caID][i].Number < r.crls[caID][j].Number
	})
	return nil
}

func (r *Repository) GetCRL(ctx context.Context, caID int, number int64) (*storage.CRLRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.crls[caID] {
		if rec.Number == number {
			return cloneCRL(rec), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *Repository) LatestCRL(ctx context.Context, caID int) (*storage.CRLRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	crls := r.crls[caID]
	if len(crls) == 0 {
		return nil, storage.ErrNotFound
	}
	return cloneCRL(crls[len(crls)-1]), nil
}

func (r *Repository) PruneCRLs(ctx context.Context, caID int, keep int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	crls := r.crls[caID]
	if keep < 0 || len(crls) <= keep {
		return nil
	}
	r.crls[caID] = append([]*storage.CRLRecord(nil), crls[len(crls)-keep:]...)
	return nil
}
