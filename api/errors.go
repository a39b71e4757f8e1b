package api

import (
	"net/http"

	"github.com/coolhoo/xipki/ca"
)

// failInfo values carried in the X-xipki-fail-info header.
const (
	failBadRequest      = "badRequest"
	failBadCertID       = "badCertId"
	failBadCertTemplate = "badCertTemplate"
	failNotAuthorized   = "notAuthorized"
	failCertRevoked     = "certRevoked"
	failSystemFailure   = "systemFailure"
	failSystemUnavail   = "systemUnavail"
)

func writeRejection(w http.ResponseWriter, status int, failInfo, msg string) {
	w.Header().Set(headerPKIStatus, pkiStatusRejection)
	w.Header().Set(headerFailInfo, failInfo)
	http.Error(w, msg, status)
}

// mapError translates an engine error into the transport status, failInfo
// and message. Internal fault detail never crosses to the caller.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	kind := ca.KindOf(err)
	msg := err.Error()
	if kind.Internal() || kind == ca.KindNone {
		a.logger.Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}

	switch kind {
	case ca.KindNotPermitted:
		writeRejection(w, http.StatusUnauthorized, failNotAuthorized, msg)
	case ca.KindCertRevoked:
		writeRejection(w, http.StatusConflict, failCertRevoked, msg)
	case ca.KindSystemUnavailable:
		writeRejection(w, http.StatusServiceUnavailable, failSystemUnavail, msg)
	case ca.KindUnknownCert:
		writeRejection(w, http.StatusBadRequest, failBadCertID, msg)
	case ca.KindUnknownCertProfile, ca.KindBadCertTemplate, ca.KindInvalidExtension:
		writeRejection(w, http.StatusBadRequest, failBadCertTemplate, msg)
	case ca.KindAlreadyIssued, ca.KindBadRequest, ca.KindDuplicateEntry:
		writeRejection(w, http.StatusBadRequest, failBadRequest, msg)
	default:
		writeRejection(w, http.StatusInternalServerError, failSystemFailure, msg)
	}
}

func writeBinary(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set(headerPKIStatus, pkiStatusAccepted)
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func writeAccepted(w http.ResponseWriter) {
	w.Header().Set(headerPKIStatus, pkiStatusAccepted)
	w.WriteHeader(http.StatusOK)
}
