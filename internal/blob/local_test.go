package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/doc-attest/internal/errs"
)

func TestCleanPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "docs/a.pdf", want: "docs/a.pdf"},
		{in: "/docs//a.pdf", want: "docs/a.pdf"},
		{in: `docs\a.pdf`, want: "docs/a.pdf"},
		{in: "../etc/passwd", wantErr: true},
		{in: "docs/../../x", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := CleanPath(tt.in)
		if tt.wantErr {
			require.ErrorIs(t, err, errs.ErrInvalidInput, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}
}

func TestLocal_CreateOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	s := NewLocal(root)

	w, err := s.Create(ctx, "apps/1/original.pdf")
	require.NoError(t, err)
	_, err = io.WriteString(w, "%PDF-1.4")
	require.NoError(t, err)

	// not visible before Close
	_, err = os.Stat(filepath.Join(root, "apps", "1", "original.pdf"))
	require.True(t, os.IsNotExist(err))
	require.NoError(t, w.Close())

	b, err := ReadAll(ctx, s, "apps/1/original.pdf", 1024)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.4", string(b))

	_, err = ReadAll(ctx, s, "apps/1/original.pdf", 3)
	require.Error(t, err)

	_, err = s.Open(ctx, "apps/1/missing.pdf")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDownload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewLocal(t.TempDir())
	w, err := s.Create(ctx, "a.bin")
	require.NoError(t, err)
	_, _ = w.Write([]byte{1, 2, 3})
	require.NoError(t, w.Close())

	dst := filepath.Join(t.TempDir(), "copy.bin")
	require.NoError(t, Download(ctx, s, "a.bin", dst))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, b)

	require.ErrorIs(t, Download(ctx, s, "nope.bin", dst), errs.ErrNotFound)
}

func TestLocal_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewLocal(t.TempDir())
	w, err := s.Create(ctx, "apps/1/doc_stamped.pdf")
	require.NoError(t, err)
	_, _ = w.Write([]byte("%PDF"))
	require.NoError(t, w.Close())

	require.NoError(t, s.Delete(ctx, "apps/1/doc_stamped.pdf"))
	_, err = s.Open(ctx, "apps/1/doc_stamped.pdf")
	require.ErrorIs(t, err, errs.ErrNotFound)

	// already gone
	require.NoError(t, s.Delete(ctx, "apps/1/doc_stamped.pdf"))
	require.ErrorIs(t, s.Delete(ctx, "../x"), errs.ErrInvalidInput)
}
