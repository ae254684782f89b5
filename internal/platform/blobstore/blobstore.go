// Package blobstore stores uploaded document files. File contents are opaque
// to the record store: it only keeps the returned URL, key, size and type.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// MaxFileSize is the default upper bound for one file (50 MiB).
const MaxFileSize int64 = 50 << 20

// AllowedContentTypes lists the MIME types accepted for clinical documents.
var AllowedContentTypes = map[string]bool{
	"application/pdf":   true,
	"application/dicom": true,
	"image/dicom":       true,
	"image/png":         true,
	"image/jpeg":        true,
	"image/heic":        true,
	"image/webp":        true,
	"text/plain":        true,
}

// Object describes a stored file.
type Object struct {
	Key         string `json:"public_id"`
	URL         string `json:"file_url"`
	FileName    string `json:"file_name"`
	ContentType string `json:"mime_type"`
	Size        int64  `json:"file_size"`
	SHA256      string `json:"sha256,omitempty"`
}

// PutInput is one upload. Size may be -1 when unknown.
type PutInput struct {
	Prefix      string
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Store is the blob storage backend.
type Store interface {
	Put(ctx context.Context, in PutInput) (*Object, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// validate normalises the content type and enforces the size and type rules
// shared by every backend.
func validate(in *PutInput, maxSize int64) error {
	if strings.TrimSpace(in.FileName) == "" {
		return ErrMissingFileName
	}
	if in.Size > maxSize {
		return ErrFileTooLarge
	}
	ct := in.ContentType
	if ct == "" || ct == "application/octet-stream" {
		ct = mime.TypeByExtension(strings.ToLower(path.Ext(in.FileName)))
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if !AllowedContentTypes[ct] {
		return fmt.Errorf("%w: %q", ErrInvalidContentType, ct)
	}
	in.ContentType = ct
	return nil
}

// objectKey builds "<prefix>/<uuid><ext>" so original file names never reach
// the storage namespace.
func objectKey(prefix, fileName string) string {
	name := uuid.NewString() + strings.ToLower(path.Ext(fileName))
	if prefix == "" {
		return name
	}
	return strings.Trim(prefix, "/") + "/" + name
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type memoryObject struct {
	meta    Object
	content []byte
}

// MemoryStore is a thread-safe Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject
	maxSize int64
	baseURL string
}

func NewMemoryStore(baseURL string) *MemoryStore {
	if baseURL == "" {
		baseURL = "memory://documents"
	}
	return &MemoryStore{objects: make(map[string]*memoryObject), maxSize: MaxFileSize, baseURL: baseURL}
}

func (s *MemoryStore) Put(_ context.Context, in PutInput) (*Object, error) {
	if err := validate(&in, s.maxSize); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(in.Body, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, ErrFileTooLarge
	}

	sum := sha256.Sum256(data)
	key := objectKey(in.Prefix, in.FileName)
	obj := Object{
		Key:         key,
		URL:         s.baseURL + "/" + key,
		FileName:    in.FileName,
		ContentType: in.ContentType,
		Size:        int64(len(data)),
		SHA256:      hex.EncodeToString(sum[:]),
	}

	s.mu.Lock()
	s.objects[key] = &memoryObject{meta: obj, content: data}
	s.mu.Unlock()

	out := obj
	return &out, nil
}

// Open returns the stored bytes; used by tests.
func (s *MemoryStore) Open(key string) (io.Reader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return bytes.NewReader(o.content), nil
}

// Len reports how many objects are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func (s *MemoryStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	o, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return "", ErrObjectNotFound
	}
	return fmt.Sprintf("%s?expires=%d", o.meta.URL, time.Now().Add(ttl).Unix()), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return ErrObjectNotFound
	}
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
