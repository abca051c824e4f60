package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/bpstream/errs"
)

func TestRegistryFirstUseOrder(t *testing.T) {
	r := New()

	for i, name := range []string{"pressure", "temperature", "mesh/x"} {
		id, created, err := r.Lookup(name)
		require.NoError(t, err)
		require.True(t, created)
		require.Equal(t, uint32(i), id) //nolint: gosec
	}

	id, created, err := r.Lookup("temperature")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, uint32(1), id)

	require.Equal(t, []string{"pressure", "temperature", "mesh/x"}, r.Names())
	require.Equal(t, 3, r.Count())

	got, ok := r.ID("pressure")
	require.True(t, ok)
	require.Equal(t, uint32(0), got)

	_, ok = r.ID("missing")
	require.False(t, ok)
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	r := New()

	_, _, err := r.Lookup("")
	require.ErrorIs(t, err, errs.ErrProtocolMisuse)
	require.Equal(t, 0, r.Count())
}
