package accounts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "nested", "accounts.toml"))
	require.NoError(t, err)
	return r
}

func TestMissingFileIsEmpty(t *testing.T) {
	r := newRegistry(t)
	list, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = r.Get(context.Background(), "main")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestSaveListGet(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Save(ctx, Account{ID: "main", Login: "alice", CredentialRef: "env://KWORK_MAIN"}))
	require.NoError(t, r.Save(ctx, Account{ID: "second", Name: "Bob", Login: "bob", CredentialRef: "keyring://kworkgate/bob"}))
	require.NoError(t, r.Save(ctx, Account{ID: "main", Login: "alice2", CredentialRef: "env://KWORK_MAIN"}))

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "main", list[0].ID)
	assert.Equal(t, "alice2", list[0].Login, "save replaces by id")

	got, err := r.Get(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, Account{ID: "second", Name: "Bob", Login: "bob", CredentialRef: "keyring://kworkgate/bob"}, got)

	info, err := os.Stat(r.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSaveValidates(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	for _, a := range []Account{
		{Login: "x", CredentialRef: "env://X"},
		{ID: "a", CredentialRef: "env://X"},
		{ID: "a", Login: "x", CredentialRef: "plain-password"},
	} {
		assert.ErrorIs(t, r.Save(ctx, a), ErrInvalidAccount)
	}
}

func TestDefaultAccount(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	assert.ErrorIs(t, r.SetDefault(ctx, "main"), ErrAccountNotFound)
	require.NoError(t, r.Save(ctx, Account{ID: "main", Login: "alice", CredentialRef: "env://A"}))
	require.NoError(t, r.SetDefault(ctx, "main"))

	id, err := r.Default(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", id)

	require.NoError(t, r.Delete(ctx, "main"))
	id, err = r.Default(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.ErrorIs(t, r.Delete(ctx, "main"), ErrAccountNotFound)
}

func TestReadHandWrittenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.toml")
	content := `version = 1
default = "seller"

[[accounts]]
id = "seller"
login = "seller@example.com"
credential_ref = "env://SELLER_PASSWORD"

[[accounts]]
id = "old"
login = "old@example.com"
credential_ref = "env://OLD"
disabled = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	r, err := Open(path)
	require.NoError(t, err)

	list, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].Disabled)
	assert.True(t, list[1].Disabled)
}

func TestRejectsFutureVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = 9\n"), 0o600))
	r, err := Open(path)
	require.NoError(t, err)

	_, err = r.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported accounts schema version 9")
}

func TestCancelledContext(t *testing.T) {
	r := newRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Save(ctx, Account{ID: "a", Login: "x", CredentialRef: "env://X"}), context.Canceled)
}
