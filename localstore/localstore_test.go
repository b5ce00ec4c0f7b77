package localstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_GetSet(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set("k", "v1"))
	value, ok, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", value)

	// Set replaces.
	require.NoError(t, store.Set("k", "v2"))
	value, _, err = store.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v2", value)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Set("engage.visit_state", `{"schema_version":1}`))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	value, ok, err := reopened.Get("engage.visit_state")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"schema_version":1}`, value)
}

func TestSessionStore_ClearedOnClose(t *testing.T) {
	session := NewSessionStore()
	require.NoError(t, session.Set("engage.session_id", "s-1"))

	value, ok, err := session.Get("engage.session_id")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "s-1", value)

	require.NoError(t, session.Close())
	_, ok, err = session.Get("engage.session_id")
	require.NoError(t, err)
	require.False(t, ok)
}
