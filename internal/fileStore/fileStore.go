// Package fileStore keeps file payloads as individual blobs in a directory.
package fileStore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotFound = errors.New("fileStore: blob not found")

type FileBlobStore struct{ dir string }

func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &FileBlobStore{dir: dir}, nil
}

// Location returns the handle recorded in file metadata for id.
func Location(id string) string {
	return id + ".blob"
}

func (f *FileBlobStore) path(location string) (string, error) {
	if location == "" || strings.ContainsAny(location, `/\`) || location == "." || location == ".." {
		return "", fmt.Errorf("fileStore: invalid location %q", location)
	}
	return filepath.Join(f.dir, location), nil
}

// Open returns a reader over the blob at location.
func (f *FileBlobStore) Open(_ context.Context, location string) (io.ReadCloser, error) {
	p, err := f.path(location)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return file, err
}

func (f *FileBlobStore) Delete(_ context.Context, location string) error {
	p, err := f.path(location)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// BlobWriter writes into a temporary file that only replaces the blob on
// Commit.
type BlobWriter struct {
	tmp    *os.File
	target string
	done   bool
}

// Create starts writing the blob at location.
func (f *FileBlobStore) Create(_ context.Context, location string) (*BlobWriter, error) {
	p, err := f.path(location)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(f.dir, location+".*.tmp")
	if err != nil {
		return nil, err
	}
	return &BlobWriter{tmp: tmp, target: p}, nil
}

func (w *BlobWriter) Write(p []byte) (int, error) {
	return w.tmp.Write(p)
}

func (w *BlobWriter) Commit() error {
	if w.done {
		return errors.New("fileStore: writer already finished")
	}
	w.done = true
	if err := w.tmp.Sync(); err != nil {
		w.discard()
		return err
	}
	if err := w.tmp.Close(); err != nil {
		_ = os.Remove(w.tmp.Name())
		return err
	}
	if err := os.Chmod(w.tmp.Name(), 0o600); err != nil {
		_ = os.Remove(w.tmp.Name())
		return err
	}
	if err := os.Rename(w.tmp.Name(), w.target); err != nil {
		_ = os.Remove(w.tmp.Name())
		return err
	}
	return nil
}

// Abort drops everything written so far. It is a no-op after Commit.
func (w *BlobWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.discard()
}

func (w *BlobWriter) discard() {
	_ = w.tmp.Close()
	_ = os.Remove(w.tmp.Name())
}
