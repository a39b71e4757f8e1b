package ca

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an operation failure. Kinds describe what went wrong,
// not where; the protocol adapter maps them to transport status codes.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindAlreadyIssued
	KindBadCertTemplate
	KindBadRequest
	KindCertRevoked
	KindCRLFailure
	KindDatabaseFailure
	KindDuplicateEntry
	KindInvalidExtension
	KindNotPermitted
	KindSystemFailure
	KindSystemUnavailable
	KindUnknownCert
	KindUnknownCertProfile
)

var kindNames = map[ErrorKind]string{
	KindAlreadyIssued:      "already_issued",
	KindBadCertTemplate:    "bad_cert_template",
	KindBadRequest:         "bad_request",
	KindCertRevoked:        "cert_revoked",
	KindCRLFailure:         "crl_failure",
	KindDatabaseFailure:    "database_failure",
	KindDuplicateEntry:     "duplicate_entry",
	KindInvalidExtension:   "invalid_extension",
	KindNotPermitted:       "not_permitted",
	KindSystemFailure:      "system_failure",
	KindSystemUnavailable:  "system_unavailable",
	KindUnknownCert:        "unknown_cert",
	KindUnknownCertProfile: "unknown_cert_profile",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("error_kind(%d)", int(k))
}

// Internal reports whether the kind indicates an internal fault whose detail
// must not cross the trust boundary to the caller.
func (k ErrorKind) Internal() bool {
	switch k {
	case KindCRLFailure, KindDatabaseFailure, KindSystemFailure:
		return true
	}
	return false
}

// OperationError is the typed failure returned by every engine operation.
// The message is an internal diagnostic; whether it may be shown to the
// caller depends on Kind.Internal().
type OperationError struct {
	Kind    ErrorKind
	Message string
}

func (e *OperationError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

func opErr(kind ErrorKind, format string, args ...any) *OperationError {
	return &OperationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind from err, or KindNone when err is not an
// OperationError.
func KindOf(err error) ErrorKind {
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindNone
}
