package ca

import (
	"strconv"
	"strings"

	"github.com/coolhoo/xipki/storage"
)

var reasonNames = map[string]storage.Reason{
	"unspecified":          storage.ReasonUnspecified,
	"keycompromise":        storage.ReasonKeyCompromise,
	"cacompromise":         storage.ReasonCACompromise,
	"affiliationchanged":   storage.ReasonAffiliationChanged,
	"superseded":           storage.ReasonSuperseded,
	"cessationofoperation": storage.ReasonCessationOfOperation,
	"certificatehold":      storage.ReasonCertificateHold,
	"removefromcrl":        storage.ReasonRemoveFromCRL,
	"privilegewithdrawn":   storage.ReasonPrivilegeWithdrawn,
	"aacompromise":         storage.ReasonAACompromise,
}

// ReasonFromText parses an RFC 5280 revocation reason from its name or its
// decimal code. The empty string maps to unspecified.
func ReasonFromText(text string) (storage.Reason, bool) {
	t := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(text), "_", ""))
	if t == "" {
		return storage.ReasonUnspecified, true
	}
	if r, ok := reasonNames[t]; ok {
		return r, true
	}
	if code, err := strconv.Atoi(t); err == nil {
		for _, r := range reasonNames {
			if int(r) == code {
				return r, true
			}
		}
	}
	return storage.ReasonUnspecified, false
}

// ReasonText returns the conventional name of a reason code.
func ReasonText(r storage.Reason) string {
	for name, v := range reasonNames {
		if v == r {
			return name
		}
	}
	return strconv.Itoa(int(r))
}
