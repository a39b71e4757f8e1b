// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The ca_cert table uses a composite primary key (ca_id, serial) so that
// serial uniqueness per CA is enforced by the database itself; PutCert maps
// the unique-violation error to storage.ErrDuplicateSerial. Status
// transitions use a conditional UPDATE on the expected status, which gives
// the same optimistic-concurrency semantics as the BBolt and in-memory
// backends without row locks held across calls.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coolhoo/xipki/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the ca_cert and ca_crl tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ca_cert (
			ca_id           INTEGER      NOT NULL,
			serial          TEXT         NOT NULL,
			id              TEXT         NOT NULL,
			subject         TEXT         NOT NULL,
			profile         TEXT         NOT NULL,
			subject_fp      TEXT         NOT NULL,
			key_fp          TEXT         NOT NULL,
			der             BYTEA        NOT NULL,
			status          TEXT         NOT NULL,
			reason          INTEGER,
			revocation_time TIMESTAMPTZ,
			invalidity_time TIMESTAMPTZ,
			not_before      TIMESTAMPTZ  NOT NULL,
			not_after       TIMESTAMPTZ  NOT NULL,
			created_at      TIMESTAMPTZ  NOT NULL,
			PRIMARY KEY (ca_id, serial)
		);
		CREATE INDEX IF NOT EXISTS ca_cert_status_idx ON ca_cert (ca_id, status);
		CREATE INDEX IF NOT EXISTS ca_cert_key_fp_idx ON ca_cert (ca_id, key_fp);
		CREATE INDEX IF NOT EXISTS ca_cert_subject_fp_idx ON ca_cert (ca_id, subject_fp);
		CREATE TABLE IF NOT EXISTS ca_crl (
			ca_id       INTEGER     NOT NULL,
			number      BIGINT      NOT NULL,
			this_update TIMESTAMPTZ NOT NULL,
			next_update TIMESTAMPTZ NOT NULL,
			entries     JSONB       NOT NULL,
			delta       BOOLEAN     NOT NULL,
			base_number BIGINT      NOT NULL,
			der         BYTEA       NOT NULL,
			PRIMARY KEY (ca_id, number)
		);
	`)
	return err
}

func (s *Store) PutCert(ctx context.Context, rec *storage.CertRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ca_cert (ca_id, serial, id, subject, profile, subject_fp, key_fp, der,
		                      status, reason, revocation_time, invalidity_time,
		                      not_before, not_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.CAID, rec.Serial.String(), rec.ID, rec.Subject, rec.Profile,
		rec.SubjectFingerprint, rec.KeyFingerprint, rec.DER,
		string(rec.Status), reasonArg(rec.Reason), rec.RevocationTime, rec.InvalidityTime,
		rec.NotBefore, rec.NotAfter, rec.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return storage.ErrDuplicateSerial
	}
	return err
}

func (s *Store) GetCert(ctx context.Context, caID int, serial *big.Int) (*storage.CertRecord, error) {
	rec, err := s.getCert(ctx, caID, serial)
	if err != nil {
		return nil, err
	}
	if rec.Status == storage.CertStatusRemoved {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) getCert(ctx context.Context, caID int, serial *big.Int) (*storage.CertRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, subject, profile, subject_fp, key_fp, der, status,
		        reason, revocation_time, invalidity_time, not_before, not_after, created_at
		 FROM ca_cert WHERE ca_id = $1 AND serial = $2`,
		caID, serial.String())
	rec, err := scanCert(row, caID, serial)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCert(row rowScanner, caID int, serial *big.Int) (*storage.CertRecord, error) {
	rec := &storage.CertRecord{CAID: caID, Serial: new(big.Int).Set(serial)}
	var (
		status string
		reason *int
	)
	err := row.Scan(&rec.ID, &rec.Subject, &rec.Profile, &rec.SubjectFingerprint,
		&rec.KeyFingerprint, &rec.DER, &status, &reason,
		&rec.RevocationTime, &rec.InvalidityTime,
		&rec.NotBefore, &rec.NotAfter, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = storage.CertStatus(status)
	if reason != nil {
		r := storage.Reason(*reason)
		rec.Reason = &r
	}
	return rec, nil
}

func reasonArg(r *storage.Reason) *int {
	if r == nil {
		return nil
	}
	v := int(*r)
	return &v
}

func (s *Store) UpdateCertStatus(ctx context.Context, caID int, serial *big.Int, expected storage.CertStatus, update storage.CertUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ca_cert
		 SET status = $1, reason = $2, revocation_time = $3, invalidity_time = $4
		 WHERE ca_id = $5 AND serial = $6 AND status = $7`,
		string(update.Status), reasonArg(update.Reason), update.RevocationTime, update.InvalidityTime,
		caID, serial.String(), string(expected))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing record from a status conflict.
		if _, err := s.getCert(ctx, caID, serial); errors.Is(err, storage.ErrNotFound) {
			return storage.ErrNotFound
		}
		return storage.ErrCASFailed
	}
	return nil
}

func (s *Store) ListRevoked(ctx context.Context, caID int) ([]*storage.CertRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT serial, id, subject, profile, subject_fp, key_fp, der, status,
		        reason, revocation_time, invalidity_time, not_before, not_after, created_at
		 FROM ca_cert WHERE ca_id = $1 AND status = $2`,
		caID, string(storage.CertStatusRevoked))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.CertRecord
	for rows.Next() {
		rec := &storage.CertRecord{CAID: caID}
		var (
			serialStr string
			status    string
			reason    *int
		)
		err := rows.Scan(&serialStr, &rec.ID, &rec.Subject, &rec.Profile,
			&rec.SubjectFingerprint, &rec.KeyFingerprint, &rec.DER, &status, &reason,
			&rec.RevocationTime, &rec.InvalidityTime,
			&rec.NotBefore, &rec.NotAfter, &rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		serial, ok := new(big.Int).SetString(serialStr, 10)
		if !ok {
			return nil, fmt.Errorf("invalid stored serial %q", serialStr)
		}
		rec.Serial = serial
		rec.Status = storage.CertStatus(status)
		if reason != nil {
			r := storage.Reason(*reason)
			rec.Reason = &r
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) HasValidCert(ctx context.Context, caID int, q storage.DuplicateQuery) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM ca_cert WHERE ca_id = $1 AND status = $2`
	args := []any{caID, string(storage.CertStatusValid)}
	n := 2
	appendArg := func(clause string, v any) {
		n++
		args = append(args, v)
		query += fmt.Sprintf(" AND %s = $%d", clause, n)
	}
	if q.Profile != "" {
		appendArg("profile", q.Profile)
	}
	switch {
	case q.KeyFingerprint != "" && q.SubjectFingerprint != "":
		args = append(args, q.KeyFingerprint, q.SubjectFingerprint)
		query += fmt.Sprintf(" AND (key_fp = $%d OR subject_fp = $%d)", n+1, n+2)
	case q.KeyFingerprint != "":
		appendArg("key_fp", q.KeyFingerprint)
	case q.SubjectFingerprint != "":
		appendArg("subject_fp", q.SubjectFingerprint)
	default:
		return false, nil
	}
	query += ")"

	var exists bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) PutCRL(ctx context.Context, caID int, rec *storage.CRLRecord) error {
	entries, err := encodeEntries(rec.Entries)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ca_crl (ca_id, number, this_update, next_update, entries, delta, base_number, der)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (ca_id, number)
		 DO UPDATE SET this_update = $3, next_update = $4, entries = $5, delta = $6, base_number = $7, der = $8`,
		caID, rec.Number, rec.ThisUpdate, rec.NextUpdate, entries, rec.Delta, rec.BaseNumber, rec.DER)
	return err
}

func (s *Store) GetCRL(ctx context.Context, caID int, number int64) (*storage.CRLRecord, error) {
	return s.scanCRL(s.pool.QueryRow(ctx,
		`SELECT number, this_update, next_update, entries, delta, base_number, der
		 FROM ca_crl WHERE ca_id = $1 AND number = $2`,
		caID, number))
}

func (s *Store) LatestCRL(ctx context.Context, caID int) (*storage.CRLRecord, error) {
	return s.scanCRL(s.pool.QueryRow(ctx,
		`SELECT number, this_update, next_update, entries, delta, base_number, der
		 FROM ca_crl WHERE ca_id = $1 ORDER BY number DESC LIMIT 1`,
		caID))
}

func (s *Store) scanCRL(row pgx.Row) (*storage.CRLRecord, error) {
	var (
		rec     storage.CRLRecord
		entries []byte
	)
	err := row.Scan(&rec.Number, &rec.ThisUpdate, &rec.NextUpdate, &entries,
		&rec.Delta, &rec.BaseNumber, &rec.DER)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.Entries, err = decodeEntries(entries); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PruneCRLs(ctx context.Context, caID int, keep int) error {
	if keep < 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM ca_crl
		 WHERE ca_id = $1 AND number NOT IN (
		     SELECT number FROM ca_crl WHERE ca_id = $1 ORDER BY number DESC LIMIT $2
		 )`,
		caID, keep)
	return err
}

// jsonEntry is the JSONB shape of one CRL entry. Serials travel as decimal
// strings to avoid JSON number precision limits.
type jsonEntry struct {
	Serial         string     `json:"serial"`
	Reason         int        `json:"reason"`
	RevocationTime time.Time  `json:"revocation_time"`
	InvalidityTime *time.Time `json:"invalidity_time,omitempty"`
}

func encodeEntries(entries []storage.CRLEntry) ([]byte, error) {
	out := make([]jsonEntry, len(entries))
	for i, e := range entries {
		out[i] = jsonEntry{
			Serial:         e.Serial.String(),
			Reason:         int(e.Reason),
			RevocationTime: e.RevocationTime,
			InvalidityTime: e.InvalidityTime,
		}
	}
	return json.Marshal(out)
}

func decodeEntries(data []byte) ([]storage.CRLEntry, error) {
	var in []jsonEntry
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	out := make([]storage.CRLEntry, len(in))
	for i, e := range in {
		serial, ok := new(big.Int).SetString(e.Serial, 10)
		if !ok {
			return nil, fmt.Errorf("invalid stored serial %q", e.Serial)
		}
		out[i] = storage.CRLEntry{
			Serial:         serial,
			Reason:         storage.Reason(e.Reason),
			RevocationTime: e.RevocationTime,
			InvalidityTime: e.InvalidityTime,
		}
	}
	return out, nil
}
