// Package blob provides opaque byte storage for attachment payloads, keyed
// by a blob ref. The rest of the system never interprets the bytes.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store is the opaque blob collaborator consumed by the attachment and
// import/export services.
type Store interface {
	Get(ref string) ([]byte, error)
	Put(ref string, data []byte) error
	Delete(ref string) error
}

// FSStore keeps blobs as flat files under a root directory.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.ContainsAny(ref, "/\\") || strings.Contains(ref, "..") {
		return "", fmt.Errorf("invalid blob ref %q", ref)
	}
	return filepath.Join(s.root, ref), nil
}

func (s *FSStore) Get(ref string) ([]byte, error) {
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return b, nil
}

func (s *FSStore) Put(ref string, data []byte) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write blob %s: %w", ref, err)
	}
	return nil
}

func (s *FSStore) Delete(ref string) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", ref, err)
	}
	return nil
}
