// Package artifacts provides the content-addressed blob store facade.
//
// Every blob is keyed by its SHA-256: "artifacts/<sha256[:4]>/<sha256>".
// Put is idempotent under content hash; a storage_ref returned by Put
// always resolves to bytes whose SHA-256 equals the embedded digest.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Ref is a parsed storage reference: "<scheme>://<root>/<key>".
type Ref struct {
	Scheme string
	Root   string // bucket name or base directory
	Key    string
}

// String renders the canonical reference form.
func (r Ref) String() string {
	return r.Scheme + "://" + r.Root + "/" + r.Key
}

// SHA256 extracts the content digest embedded in the key, without prefix.
func (r Ref) SHA256() string {
	i := strings.LastIndexByte(r.Key, '/')
	if i < 0 {
		return ""
	}
	return r.Key[i+1:]
}

// ParseRef parses "<scheme>://<root>/<key>".
func ParseRef(s string) (Ref, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || scheme == "" {
		return Ref{}, fmt.Errorf("artifacts: malformed storage ref %q", s)
	}
	root, key, ok := strings.Cut(rest, "/")
	if !ok || root == "" || key == "" {
		return Ref{}, fmt.Errorf("artifacts: malformed storage ref %q", s)
	}
	return Ref{Scheme: scheme, Root: root, Key: key}, nil
}

// Key derives the content-addressed object key for a digest.
func Key(sha256Hex string) string {
	return "artifacts/" + sha256Hex[:4] + "/" + sha256Hex
}

// Digest computes the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store is the facade over a backing object store. Implementations are
// stateless; the backing store may be anything with put/get/head/delete.
type Store interface {
	// Put persists data and returns its storage reference. Idempotent
	// under content hash.
	Put(ctx context.Context, data []byte, mime string) (Ref, error)
	// Get retrieves the bytes a reference resolves to.
	Get(ctx context.Context, ref Ref) ([]byte, error)
	// Exists reports whether the reference resolves.
	Exists(ctx context.Context, ref Ref) (bool, error)
	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, ref Ref) error
}

// FileStore is the filesystem-backed implementation, used in development
// and in the offline fixture suite.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: failed to ensure base dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) ref(key string) Ref {
	return Ref{Scheme: "file", Root: s.baseDir, Key: key}
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

// Put writes the blob atomically: temp file then rename.
func (s *FileStore) Put(ctx context.Context, data []byte, mime string) (Ref, error) {
	_ = mime // filesystem store has nowhere to record content type
	key := Key(Digest(data))
	path := s.path(key)

	if _, err := os.Stat(path); err == nil {
		return s.ref(key), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Ref{}, fmt.Errorf("artifacts: failed to ensure shard dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Ref{}, fmt.Errorf("artifacts: failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Ref{}, fmt.Errorf("artifacts: failed to commit blob: %w", err)
	}
	return s.ref(key), nil
}

func (s *FileStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	data, err := os.ReadFile(s.path(ref.Key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifacts: blob %s not found", ref.Key)
		}
		return nil, fmt.Errorf("artifacts: read failed: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	_, err := os.Stat(s.path(ref.Key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: stat failed: %w", err)
}

func (s *FileStore) Delete(ctx context.Context, ref Ref) error {
	err := os.Remove(s.path(ref.Key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: delete failed: %w", err)
	}
	return nil
}
