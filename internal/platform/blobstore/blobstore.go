// Package blobstore holds write-once archive objects. Objects can be created
// and read but never replaced or deleted, so an archive written for a
// compliance export stays exactly as it was produced.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrObjectNotFound = errors.New("archive object not found")
	ErrObjectExists   = errors.New("archive object already exists")
	ErrInvalidKey     = errors.New("archive object key is invalid")
)

// MaxObjectSize bounds a single archive object (1 GiB).
const MaxObjectSize = 1 << 30

// Object describes a stored archive object.
type Object struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	SHA256      string            `json:"sha256"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PutInput is one object to store.
type PutInput struct {
	Key         string
	ContentType string
	Body        io.Reader
	Metadata    map[string]string
}

// Store is the contract for archive backends.
type Store interface {
	Put(ctx context.Context, in PutInput) (*Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Head(ctx context.Context, key string) (*Object, error)
	List(ctx context.Context, prefix string) ([]*Object, error)
}

// ValidateKey rejects keys that are empty, absolute, or escape their prefix.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// readBody reads at most MaxObjectSize bytes and returns them with their hex
// SHA-256.
func readBody(r io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxObjectSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read archive body: %w", err)
	}
	if len(data) > MaxObjectSize {
		return nil, "", fmt.Errorf("archive body exceeds %d bytes", MaxObjectSize)
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type storedObject struct {
	meta    Object
	content []byte
}

// MemoryStore is a thread-safe in-memory Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]*storedObject),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Put stores the object. A key that is already taken yields ErrObjectExists.
func (s *MemoryStore) Put(_ context.Context, in PutInput) (*Object, error) {
	if err := ValidateKey(in.Key); err != nil {
		return nil, err
	}
	data, sum, err := readBody(in.Body)
	if err != nil {
		return nil, err
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[in.Key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectExists, in.Key)
	}
	obj := &storedObject{
		meta: Object{
			Key:         in.Key,
			ContentType: contentType,
			Size:        int64(len(data)),
			SHA256:      sum,
			CreatedAt:   s.now(),
			Metadata:    copyMetadata(in.Metadata),
		},
		content: data,
	}
	s.objects[in.Key] = obj

	out := obj.meta
	out.Metadata = copyMetadata(obj.meta.Metadata)
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	meta := obj.meta
	meta.Metadata = copyMetadata(obj.meta.Metadata)
	return io.NopCloser(bytes.NewReader(obj.content)), &meta, nil
}

func (s *MemoryStore) Head(_ context.Context, key string) (*Object, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	meta := obj.meta
	meta.Metadata = copyMetadata(obj.meta.Metadata)
	return &meta, nil
}

// List returns the objects under prefix ordered by key.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Object
	for key, obj := range s.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		meta := obj.meta
		meta.Metadata = copyMetadata(obj.meta.Metadata)
		out = append(out, &meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
