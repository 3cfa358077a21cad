// Package archive is content-addressed storage for drained traces. Trace
// documents are keyed by the SHA-256 of their canonical JSON, so archiving
// the same trace twice is a no-op. Signed commitments are persisted by
// package store, not here.
package archive

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openibank/openibank-sub002/pkg/canonicalize"
	"github.com/openibank/openibank-sub002/pkg/trace"
)

var ErrNotFound = errors.New("archive: object not found")

const digestPrefix = "sha256:"

// Archive stores immutable blobs under their content digest.
type Archive interface {
	// Put stores data and returns its digest ("sha256:<hex>").
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
}

// Digest returns the content address of data.
func Digest(data []byte) string {
	return digestPrefix + canonicalize.HashBytes(data)
}

// objectName validates digest and returns the blob name for it.
func objectName(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok {
		return "", fmt.Errorf("invalid digest format: %s", digest)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != 32 {
		return "", fmt.Errorf("invalid digest hex: %s", digest)
	}
	return raw + ".json", nil
}

// PutTrace archives a trace document as canonical JSON.
func PutTrace(ctx context.Context, a Archive, doc trace.Document) (string, error) {
	b, err := canonicalize.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("archive trace: %w", err)
	}
	return a.Put(ctx, b)
}

// GetTrace fetches a trace document and checks it against its digest.
func GetTrace(ctx context.Context, a Archive, digest string) (trace.Document, error) {
	var doc trace.Document
	b, err := a.Get(ctx, digest)
	if err != nil {
		return doc, err
	}
	if got := Digest(b); got != digest {
		return doc, fmt.Errorf("archive: digest mismatch: want %s, got %s", digest, got)
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("archive: decode trace: %w", err)
	}
	return doc, nil
}

// FileArchive is a filesystem-backed Archive.
type FileArchive struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileArchive creates an archive rooted at baseDir.
func NewFileArchive(baseDir string) (*FileArchive, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileArchive{baseDir: baseDir}, nil
}

func (s *FileArchive) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest := Digest(data)
	name, _ := objectName(digest)
	path := filepath.Join(s.baseDir, name)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	// write to temp, then rename
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return digest, nil
}

func (s *FileArchive) Get(_ context.Context, digest string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name, err := objectName(digest)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(s.baseDir, name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", digest, ErrNotFound)
	}
	return b, err
}

func (s *FileArchive) Exists(_ context.Context, digest string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name, err := objectName(digest)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.baseDir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
