package ca

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/coolhoo/xipki/storage"
)

// id-ce-invalidityDate, RFC 5280 5.3.2.
var oidInvalidityDate = asn1.ObjectIdentifier{2, 5, 29, 24}

// BuildCRL builds a CRL snapshot from the revoked set. Entries are sorted by
// ascending serial number; given the same revoked set and timestamps the
// entry list is reproduced exactly. When base is non-nil a delta CRL is
// built containing only entries revoked after the baseline's thisUpdate.
// Signing or encoding failures are wrapped; the engine maps them to
// CrlFailure.
func BuildCRL(signer Signer, revoked []*storage.CertRecord, number int64, thisUpdate, nextUpdate time.Time, base *storage.CRLRecord) (*storage.CRLRecord, error) {
	entries := make([]storage.CRLEntry, 0, len(revoked))
	for _, rec := range revoked {
		if rec.Status != storage.CertStatusRevoked || rec.RevocationTime == nil {
			continue
		}
		if base != nil && !rec.RevocationTime.After(base.ThisUpdate) {
			continue
		}
		reason := storage.ReasonUnspecified
		if rec.Reason != nil {
			reason = *rec.Reason
		}
		entries = append(entries, storage.CRLEntry{
			Serial:         new(big.Int).Set(rec.Serial),
			Reason:         reason,
			RevocationTime: rec.RevocationTime.UTC(),
			InvalidityTime: rec.InvalidityTime,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Serial.Cmp(entries[j].Serial) < 0
	})

	listEntries := make([]x509.RevocationListEntry, len(entries))
	for i, e := range entries {
		listEntries[i] = x509.RevocationListEntry{
			SerialNumber:   e.Serial,
			RevocationTime: e.RevocationTime,
			ReasonCode:     int(e.Reason),
		}
		if e.InvalidityTime != nil {
			ext, err := invalidityDateExtension(*e.InvalidityTime)
			if err != nil {
				return nil, fmt.Errorf("encoding invalidity date: %w", err)
			}
			listEntries[i].ExtraExtensions = []pkix.Extension{ext}
		}
	}

	template := &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                thisUpdate.UTC(),
		NextUpdate:                nextUpdate.UTC(),
		RevokedCertificateEntries: listEntries,
	}

	der, err := signer.SignCRL(template)
	if err != nil {
		return nil, err
	}

	rec := &storage.CRLRecord{
		Number:     number,
		ThisUpdate: thisUpdate.UTC(),
		NextUpdate: nextUpdate.UTC(),
		Entries:    entries,
		DER:        der,
	}
	if base != nil {
		rec.Delta = true
		rec.BaseNumber = base.Number
	}
	return rec, nil
}

func invalidityDateExtension(t time.Time) (pkix.Extension, error) {
	value, err := asn1.MarshalWithParams(t.UTC(), "generalized")
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidInvalidityDate, Value: value}, nil
}
