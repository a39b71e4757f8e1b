// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"go.etcd.io/bbolt"

	"github.com/coolhoo/xipki/storage"
)

const (
	certPrefix = "CERT:"
	crlPrefix  = "CRL:"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns
// a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func caBucketName(caID int) []byte {
	return []byte(fmt.Sprintf("ca:%d", caID))
}

func certKey(serial *big.Int) []byte {
	return []byte(certPrefix + serial.String())
}

// crlKey zero-pads the CRL number so that cursor order equals numeric order.
func crlKey(number int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", crlPrefix, number))
}

func (s *Store) PutCert(ctx context.Context, rec *storage.CertRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(caBucketName(rec.CAID))
		if err != nil {
			return err
		}
		key := certKey(rec.Serial)
		if b.Get(key) != nil {
			return storage.ErrDuplicateSerial
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *Store) GetCert(ctx context.Context, caID int, serial *big.Int) (*storage.CertRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec storage.CertRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(caBucketName(caID))
		if b == nil {
			return storage.ErrNotFound
		}
		data := b.Get(certKey(serial))
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	if rec.Status == storage.CertStatusRemoved {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) UpdateCertStatus(ctx context.Context, caID int, serial *big.Int, expected storage.CertStatus, update storage.CertUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(caBucketName(caID))
		if b == nil {
			return storage.ErrNotFound
		}
		key := certKey(serial)
		data := b.Get(key)
		if data == nil {
			return storage.ErrNotFound
		}
		var rec storage.CertRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.Status != expected {
			return storage.ErrCASFailed
		}
		rec.Status = update.Status
		rec.Reason = update.Reason
		rec.RevocationTime = update.RevocationTime
		rec.InvalidityTime = update.InvalidityTime
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

func (s *Store) ListRevoked(ctx context.Context, caID int) ([]*storage.CertRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*storage.CertRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(caBucketName(caID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		prefix := []byte(certPrefix)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec storage.CertRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status == storage.CertStatusRevoked {
				out = append(out, &rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) HasValidCert(ctx context.Context, caID int, q storage.DuplicateQuery) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(caBucketName(caID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		prefix := []byte(certPrefix)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec storage.CertRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status != storage.CertStatusValid {
				continue
			}
			if q.Profile != "" && rec.Profile != q.Profile {
				continue
			}
			if (q.KeyFingerprint != "" && rec.KeyFingerprint == q.KeyFingerprint) ||
				(q.SubjectFingerprint != "" && rec.SubjectFingerprint == q.SubjectFingerprint) {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (s *Store) PutCRL(ctx context.Context, caID int, rec *storage.CRLRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(caBucketName(caID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(crlKey(rec.Number), data)
	})
}

func (s *Store) GetCRL(ctx context.Context, caID int, number int64) (*storage.CRLRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec storage.CRLRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(caBucketName(caID))
		if b == nil {
			return storage.ErrNotFound
		}
		data := b.Get(crlKey(number))
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) LatestCRL(ctx context.Context, caID int) (*storage.CRLRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec storage.CRLRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(caBucketName(caID))
		if b == nil {
			return storage.ErrNotFound
		}
		c := b.Cursor()
		prefix := []byte(crlPrefix)
		var last []byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			last = v
		}
		if last == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(last, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PruneCRLs(ctx context.Context, caID int, keep int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if keep < 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(caBucketName(caID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		prefix := []byte(crlPrefix)
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for len(keys) > keep {
			if err := b.Delete(keys[0]); err != nil {
				return err
			}
			keys = keys[1:]
		}
		return nil
	})
}
