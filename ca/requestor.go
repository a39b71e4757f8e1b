package ca

import (
	"fmt"
	"strings"

	"github.com/coolhoo/xipki/internal/util"
)

// Permission is a capability bitmask held by a requestor.
type Permission uint32

const (
	PermEnrollCert Permission = 1 << iota
	PermRevokeCert
	PermUnrevokeCert
	PermRemoveCert
	PermGenCRL
	PermGetCRL
	PermGetCert

	PermAll Permission = PermEnrollCert | PermRevokeCert | PermUnrevokeCert |
		PermRemoveCert | PermGenCRL | PermGetCRL | PermGetCert
)

var permissionNames = map[string]Permission{
	"enroll_cert":   PermEnrollCert,
	"revoke_cert":   PermRevokeCert,
	"unrevoke_cert": PermUnrevokeCert,
	"remove_cert":   PermRemoveCert,
	"gen_crl":       PermGenCRL,
	"get_crl":       PermGetCRL,
	"get_cert":      PermGetCert,
	"all":           PermAll,
}

// PermissionFromNames folds a set of permission names into a bitmask.
func PermissionFromNames(names []string) (Permission, error) {
	var p Permission
	for _, name := range names {
		bit, ok := permissionNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown permission %q", name)
		}
		p |= bit
	}
	return p, nil
}

// profileWildcard permits every certificate profile.
const profileWildcard = "ALL"

// Requestor is an authenticated principal permitted to invoke CA operations.
// Its permission bitmask and profile allow-set form the permission gate; the
// checks are pure and never mutate requestor or engine state.
type Requestor struct {
	NameID
	Permissions Permission

	profiles map[string]struct{}
}

// NewRequestor builds a requestor with the given permission bitmask and
// permitted profile names. Profile names are canonicalized; the name "all"
// permits every profile.
func NewRequestor(ident NameID, permissions Permission, profiles []string) *Requestor {
	r := &Requestor{
		NameID:      ident,
		Permissions: permissions,
		profiles:    make(map[string]struct{}, len(profiles)),
	}
	for _, p := range profiles {
		r.profiles[util.CanonicalName(p)] = struct{}{}
	}
	return r
}

// AssertPermitted fails with NotPermitted when the capability bit is absent
// from the requestor's bitmask.
func (r *Requestor) AssertPermitted(p Permission) error {
	if r.Permissions&p != p {
		return opErr(KindNotPermitted, "requestor %s lacks permission %#x", r.Name, uint32(p))
	}
	return nil
}

// ProfilePermitted reports whether the canonicalized profile name is in the
// requestor's allow-set.
func (r *Requestor) ProfilePermitted(profile string) bool {
	if _, ok := r.profiles[profileWildcard]; ok {
		return true
	}
	_, ok := r.profiles[util.CanonicalName(profile)]
	return ok
}
