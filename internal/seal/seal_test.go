package seal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/stretchr/testify/require"

	"github.com/and161185/doc-attest/internal/blob"
	"github.com/and161185/doc-attest/internal/crypto"
	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/seal/sealtest"
)

func put(t *testing.T, s blob.Store, p string, b []byte) {
	t.Helper()
	w, err := s.Create(context.Background(), p)
	require.NoError(t, err)
	_, err = w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestStampedPath(t *testing.T) {
	t.Parallel()
	require.Equal(t, "apps/7/doc_stamped.pdf", StampedPath("apps/7/doc.pdf"))
	require.Equal(t, "apps/7/doc_stamped.pdf", StampedPath("apps/7/doc"))

	require.Equal(t, "apps/7/doc_stamped_5.pdf", ReissuePath("apps/7/doc.pdf", "apps/7/doc_stamped.pdf", 5))
	require.Equal(t, "apps/7/doc_stamped_6.pdf", ReissuePath("apps/7/doc.pdf", "apps/7/doc_stamped_5.pdf", 5))
}

func TestRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := blob.NewLocal(t.TempDir())
	s := New(store, nil)

	put(t, store, "apps/1/doc_stamped.pdf", []byte("%PDF"))
	require.NoError(t, s.Remove(ctx, "apps/1/doc_stamped.pdf"))
	_, err := s.ComputeHash(ctx, "apps/1/doc_stamped.pdf")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, s.Remove(ctx, "apps/1/doc_stamped.pdf"))
}

func TestComputeHash(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := blob.NewLocal(t.TempDir())
	s := New(store, nil)

	doc := sealtest.OnePagePDF("Degree")
	put(t, store, "a.pdf", doc)

	h, err := s.ComputeHash(ctx, "a.pdf")
	require.NoError(t, err)
	require.Equal(t, crypto.SHA256Hex(doc), h)

	// one changed byte changes the digest
	doc[len(doc)-10] ^= 0x01
	put(t, store, "b.pdf", doc)
	h2, err := s.ComputeHash(ctx, "b.pdf")
	require.NoError(t, err)
	require.NotEqual(t, h, h2)

	_, err = s.ComputeHash(ctx, "missing.pdf")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root := t.TempDir()
	store := blob.NewLocal(root)
	s := New(store, nil)
	s.tmpDir = t.TempDir()

	orig := sealtest.OnePagePDF("Degree Certificate")
	put(t, store, "apps/1/doc.pdf", orig)
	mark, err := qrcode.Encode("https://attest.example/verify?app=APP-1", qrcode.High, 200)
	require.NoError(t, err)

	hash, err := s.Stamp(ctx, "apps/1/doc.pdf", mark, StampedPath("apps/1/doc.pdf"))
	require.NoError(t, err)

	sealed, err := os.ReadFile(filepath.Join(root, "apps", "1", "doc_stamped.pdf"))
	require.NoError(t, err)
	require.Equal(t, crypto.SHA256Hex(sealed), hash)
	require.NotEqual(t, crypto.SHA256Hex(orig), hash)

	// original untouched
	again, err := s.ComputeHash(ctx, "apps/1/doc.pdf")
	require.NoError(t, err)
	require.Equal(t, crypto.SHA256Hex(orig), again)

	_, err = s.Stamp(ctx, "apps/1/doc.pdf", []byte("not a png"), "x.pdf")
	require.Error(t, err)
}
