package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/payguard/internal/storage"
)

func TestDigest_Deterministic(t *testing.T) {
	a := Digest([]byte("hello"))
	b := Digest([]byte("hello"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex SHA-256

	c := Digest([]byte("hello!"))
	assert.NotEqual(t, a, c)
}

func TestProtectUnprotect_RoundTrip(t *testing.T) {
	h := NewHelper(storage.NewMemoryStore())
	ctx := context.Background()

	sealed, err := h.Protect(ctx, []byte("card number"))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "card number")

	plain, err := h.Unprotect(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("card number"), plain)
}

func TestProtect_FreshNoncePerCall(t *testing.T) {
	h := NewHelper(storage.NewMemoryStore())
	ctx := context.Background()

	a, err := h.Protect(ctx, []byte("same input"))
	require.NoError(t, err)
	b, err := h.Protect(ctx, []byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestUnprotect_Tampered(t *testing.T) {
	h := NewHelper(storage.NewMemoryStore())
	ctx := context.Background()

	sealed, err := h.Protect(ctx, []byte("data"))
	require.NoError(t, err)

	// Flip a character inside the blob.
	tampered := []byte(sealed)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}

	_, err = h.Unprotect(ctx, string(tampered))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestUnprotect_Garbage(t *testing.T) {
	h := NewHelper(storage.NewMemoryStore())
	ctx := context.Background()

	for _, blob := range []string{"", "not base64 !!!", "QQ=="} {
		_, err := h.Unprotect(ctx, blob)
		assert.ErrorIs(t, err, ErrInvalidCiphertext, "blob %q", blob)
	}
}

func TestKeyStability_AcrossHelpers(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	sealed, err := NewHelper(store).Protect(ctx, []byte("data"))
	require.NoError(t, err)

	// A new helper over the same store loads the same persisted key.
	plain, err := NewHelper(store).Unprotect(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), plain)
}

func TestDeleteKey_MakesOldBlobsUnrecoverable(t *testing.T) {
	store := storage.NewMemoryStore()
	h := NewHelper(store)
	ctx := context.Background()

	sealed, err := h.Protect(ctx, []byte("data"))
	require.NoError(t, err)

	require.NoError(t, h.DeleteKey(ctx))

	// A fresh key is generated on next use; the old blob no longer opens.
	_, err = h.Unprotect(ctx, sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestForget_DropsCacheOnly(t *testing.T) {
	store := storage.NewMemoryStore()
	h := NewHelper(store)
	ctx := context.Background()

	sealed, err := h.Protect(ctx, []byte("data"))
	require.NoError(t, err)

	// Forget clears the in-memory copy but the persisted key remains.
	h.Forget()

	plain, err := h.Unprotect(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), plain)
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
