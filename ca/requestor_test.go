package ca_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coolhoo/xipki/ca"
)

func TestPermissionFromNames(t *testing.T) {
	p, err := ca.PermissionFromNames([]string{"enroll_cert", "revoke_cert"})
	require.NoError(t, err)
	assert.Equal(t, ca.PermEnrollCert|ca.PermRevokeCert, p)

	p, err = ca.PermissionFromNames([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, ca.PermAll, p)

	_, err = ca.PermissionFromNames([]string{"launch_missiles"})
	require.Error(t, err)
}

func TestAssertPermitted(t *testing.T) {
	requestor := ca.NewRequestor(ca.NameID{Name: "ra", ID: 1},
		ca.PermEnrollCert|ca.PermGetCRL, nil)

	require.NoError(t, requestor.AssertPermitted(ca.PermEnrollCert))
	require.NoError(t, requestor.AssertPermitted(ca.PermGetCRL))

	err := requestor.AssertPermitted(ca.PermRevokeCert)
	assert.Equal(t, ca.KindNotPermitted, ca.KindOf(err))

	// A combined mask requires every bit.
	err = requestor.AssertPermitted(ca.PermEnrollCert | ca.PermRevokeCert)
	assert.Equal(t, ca.KindNotPermitted, ca.KindOf(err))
}

func TestProfilePermitted(t *testing.T) {
	requestor := ca.NewRequestor(ca.NameID{Name: "ra", ID: 1},
		ca.PermAll, []string{"web-tls"})

	// Profile names match case-insensitively through canonicalization.
	assert.True(t, requestor.ProfilePermitted("WEB-TLS"))
	assert.True(t, requestor.ProfilePermitted("web-tls"))
	assert.False(t, requestor.ProfilePermitted("CODE-SIGN"))

	wildcard := ca.NewRequestor(ca.NameID{Name: "admin", ID: 2},
		ca.PermAll, []string{"all"})
	assert.True(t, wildcard.ProfilePermitted("CODE-SIGN"))
	assert.True(t, wildcard.ProfilePermitted("anything"))
}
