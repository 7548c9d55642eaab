// Package filestore keeps message attachment blobs on disk, one file per
// message id. Blobs arrive already encrypted, so the store never inspects
// content.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("file not found")

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create file store root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(messageID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(messageID, 10))
}

// Save streams r into the blob for messageID. It writes to a temp file and
// renames so a crashed upload never leaves a readable partial blob.
func (s *Store) Save(messageID int64, r io.Reader) (int64, error) {
	tmp := filepath.Join(s.root, "tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, s.path(messageID)); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

// Open returns the blob for reading. The caller closes it.
func (s *Store) Open(messageID int64) (*os.File, error) {
	f, err := os.Open(s.path(messageID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete removes the blob. Deleting an absent blob is not an error, so
// retries after partial failures stay safe.
func (s *Store) Delete(messageID int64) error {
	err := os.Remove(s.path(messageID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Exists reports whether a blob is stored for messageID.
func (s *Store) Exists(messageID int64) bool {
	_, err := os.Stat(s.path(messageID))
	return err == nil
}
