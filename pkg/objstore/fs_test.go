package objstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/vmp/pkg/api"
)

func newTestFSStore(t *testing.T) *FSStore {
	t.Helper()
	signer, err := NewURLSigner("test-secret", "http://localhost:8080")
	require.NoError(t, err)
	store, err := NewFSStore(t.TempDir(), signer)
	require.NoError(t, err)
	return store
}

func TestFSStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestFSStore(t)

	key := "case-1/invoice/2026-08-25/v1_inv.pdf"
	require.NoError(t, store.Put(ctx, key, []byte("%PDF-1.4"), "application/pdf"))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), got)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.True(t, errors.Is(err, api.ErrNotFound))

	// Deleting a missing key is a no-op.
	assert.NoError(t, store.Delete(ctx, key))
}

func TestFSStorePutIsCreateOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestFSStore(t)

	key := "case-1/invoice/2026-08-25/v1_inv.pdf"
	require.NoError(t, store.Put(ctx, key, []byte("first"), "application/pdf"))

	err := store.Put(ctx, key, []byte("second"), "application/pdf")
	require.True(t, errors.Is(err, api.ErrConflict))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got, "original blob must survive the rejected overwrite")
}

func TestValidateKeyRejectsTraversal(t *testing.T) {
	bad := []string{
		"",
		"/etc/passwd",
		"../escape",
		"case-1/../../etc/passwd",
		"case-1//double",
		"case-1/./dot",
		`case-1\windows`,
	}
	for _, key := range bad {
		err := ValidateKey(key)
		assert.Truef(t, errors.Is(err, api.ErrValidation), "key %q should be rejected", key)
	}
	assert.NoError(t, ValidateKey("case-1/soa/2026-08-25/v2_statement.csv"))
}

func TestURLSignerRoundTrip(t *testing.T) {
	signer, err := NewURLSigner("test-secret", "https://vmp.example.com/")
	require.NoError(t, err)

	key := "case-1/invoice/2026-08-25/v1_inv.pdf"
	u, err := signer.Sign(key, time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "https://vmp.example.com/blob/case-1/"), u)

	_, tokenPart, found := strings.Cut(u, "?token=")
	require.True(t, found)

	assert.NoError(t, signer.Verify(tokenPart, key))
	assert.Error(t, signer.Verify(tokenPart, "case-2/invoice/2026-08-25/v1_inv.pdf"))
	assert.Error(t, signer.Verify("not-a-token", key))
}

func TestURLSignerRejectsExpiredToken(t *testing.T) {
	signer, err := NewURLSigner("test-secret", "http://localhost:8080")
	require.NoError(t, err)

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return base }

	key := "case-1/invoice/2026-08-25/v1_inv.pdf"
	u, err := signer.Sign(key, time.Minute)
	require.NoError(t, err)
	_, token, _ := strings.Cut(u, "?token=")

	assert.NoError(t, signer.Verify(token, key))

	signer.now = func() time.Time { return base.Add(2 * time.Minute) }
	err = signer.Verify(token, key)
	require.True(t, errors.Is(err, api.ErrForbidden))
}

func TestURLSignerRejectsForeignSecret(t *testing.T) {
	mint, err := NewURLSigner("secret-a", "http://localhost:8080")
	require.NoError(t, err)
	check, err := NewURLSigner("secret-b", "http://localhost:8080")
	require.NoError(t, err)

	key := "case-1/invoice/2026-08-25/v1_inv.pdf"
	u, err := mint.Sign(key, time.Hour)
	require.NoError(t, err)
	_, token, _ := strings.Cut(u, "?token=")

	assert.Error(t, check.Verify(token, key))
}

func TestMemoryStoreCreateOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "a/b/c/v1_x.png", []byte{1}, "image/png"))
	err := store.Put(ctx, "a/b/c/v1_x.png", []byte{2}, "image/png")
	assert.True(t, errors.Is(err, api.ErrConflict))
	assert.Equal(t, 1, store.Len())

	u, err := store.SignedURL(ctx, "a/b/c/v1_x.png", 30*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u, "memory://a/b/c/v1_x.png")
}

func TestFactorySelectsBackend(t *testing.T) {
	ctx := context.Background()

	mem, err := New(ctx, Options{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, mem)

	fs, err := New(ctx, Options{Type: "fs", DataDir: t.TempDir(), SigningKey: "k", BaseURL: "http://localhost"})
	require.NoError(t, err)
	assert.IsType(t, &FSStore{}, fs)

	_, err = New(ctx, Options{Type: "fs", DataDir: t.TempDir()})
	assert.Error(t, err, "fs store requires a signing key")

	_, err = New(ctx, Options{Type: "tape"})
	assert.Error(t, err)
}
