package ca_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coolhoo/xipki/ca"
	"github.com/coolhoo/xipki/storage/memory"
)

// newNamedAuthority builds an engine with the given identity for registry
// tests.
func newNamedAuthority(t *testing.T, name string, id int) *ca.Authority {
	t.Helper()
	info := defaultInfo()
	info.NameID = ca.NameID{Name: name, ID: id}
	caCert, caKey := newRootCA(t, time.Now().AddDate(10, 0, 0))
	signer, err := ca.NewSoftwareSigner(caCert, caKey)
	require.NoError(t, err)
	authority, err := ca.NewAuthority(t.Context(), info, signer, memory.NewRepository())
	require.NoError(t, err)
	return authority
}

func TestRegistry(t *testing.T) {
	registry := ca.NewRegistry()
	root := newNamedAuthority(t, "Root-CA", 1)
	sub := newNamedAuthority(t, "SUB-CA", 2)

	require.NoError(t, registry.Register(root, "root"))
	require.NoError(t, registry.Register(sub))

	// Lookup is by canonical name, case-insensitively.
	got, ok := registry.Get("root-ca")
	require.True(t, ok)
	assert.Same(t, root, got)

	// Aliases resolve to the canonical name; unknown aliases fall back to
	// their own canonical form.
	assert.Equal(t, "ROOT-CA", registry.ResolveAlias("Root"))
	assert.Equal(t, "SUB-CA", registry.ResolveAlias("sub-ca"))

	name, ok := registry.NameByID(2)
	require.True(t, ok)
	assert.Equal(t, "SUB-CA", name)

	assert.Equal(t, []string{"ROOT-CA", "SUB-CA"}, registry.Names())
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	registry := ca.NewRegistry()
	require.NoError(t, registry.Register(newNamedAuthority(t, "ROOT-CA", 1), "root"))

	// Same name.
	err := registry.Register(newNamedAuthority(t, "root-ca", 9))
	assert.Equal(t, ca.KindDuplicateEntry, ca.KindOf(err))

	// Same numeric id.
	err = registry.Register(newNamedAuthority(t, "OTHER-CA", 1))
	assert.Equal(t, ca.KindDuplicateEntry, ca.KindOf(err))

	// Same alias.
	err = registry.Register(newNamedAuthority(t, "THIRD-CA", 3), "ROOT")
	assert.Equal(t, ca.KindDuplicateEntry, ca.KindOf(err))
}

func TestRegistry_Reconfigure(t *testing.T) {
	registry := ca.NewRegistry()
	original := newNamedAuthority(t, "ROOT-CA", 1)
	require.NoError(t, registry.Register(original, "root"))

	replacement := newNamedAuthority(t, "ROOT-CA", 1)
	require.NoError(t, registry.Reconfigure(replacement))

	got, ok := registry.Get("ROOT-CA")
	require.True(t, ok)
	assert.Same(t, replacement, got)

	// Aliases survive reconfiguration.
	assert.Equal(t, "ROOT-CA", registry.ResolveAlias("root"))

	// Reconfiguring an unregistered identity fails.
	err := registry.Reconfigure(newNamedAuthority(t, "GHOST-CA", 7))
	assert.Equal(t, ca.KindBadRequest, ca.KindOf(err))
	err = registry.Reconfigure(newNamedAuthority(t, "ROOT-CA", 8))
	assert.Equal(t, ca.KindBadRequest, ca.KindOf(err))
}
