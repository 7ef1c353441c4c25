package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/and161185/doc-attest/internal/errs"
)

// Local stores objects as files below Root.
type Local struct {
	Root string
}

// NewLocal returns a file-system store rooted at root.
func NewLocal(root string) *Local { return &Local{Root: root} }

func (l *Local) resolve(p string) (string, error) {
	c, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.Root, filepath.FromSlash(c)), nil
}

// Open opens the file for p.
func (l *Local) Open(_ context.Context, p string) (io.ReadCloser, error) {
	full, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", p, errs.ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

// Create writes to a temporary sibling that replaces p on Close.
func (l *Local) Create(_ context.Context, p string) (io.WriteCloser, error) {
	full, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".blob-*")
	if err != nil {
		return nil, err
	}
	return &atomicFile{File: tmp, final: full}, nil
}

// Delete removes the file for p.
func (l *Local) Delete(_ context.Context, p string) error {
	full, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

type atomicFile struct {
	*os.File
	final string
}

func (a *atomicFile) Close() error {
	if err := a.File.Close(); err != nil {
		_ = os.Remove(a.Name())
		return err
	}
	return os.Rename(a.Name(), a.final)
}
