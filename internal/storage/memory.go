package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in process memory. Signed URLs it returns are
// opaque memory:// links and are only useful for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]memoryObject
	now     func() time.Time
}

func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{
		bucket:  bucket,
		objects: make(map[string]memoryObject),
		now:     time.Now,
	}
}

func (s *MemoryStore) EnsureBucket(context.Context) error {
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, objectKey string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied := make([]byte, len(data))
	copy(copied, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey] = memoryObject{data: copied, contentType: contentType}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, objectKey string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("get object %s: %w", objectKey, ErrObjectNotFound)
	}
	copied := make([]byte, len(obj.data))
	copy(copied, obj.data)
	return copied, nil
}

func (s *MemoryStore) Delete(_ context.Context, objectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectKey)
	return nil
}

func (s *MemoryStore) SignedURL(_ context.Context, objectKey string, expiry time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.objects[objectKey]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("sign object %s: %w", objectKey, ErrObjectNotFound)
	}

	expires := s.now().Add(expiry).UTC().Unix()
	u := url.URL{
		Scheme:   "memory",
		Host:     s.bucket,
		Path:     "/" + objectKey,
		RawQuery: url.Values{"expires": []string{strconv.FormatInt(expires, 10)}}.Encode(),
	}
	return u.String(), nil
}

// ContentType returns the stored content type of an object.
func (s *MemoryStore) ContentType(objectKey string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[objectKey]
	return obj.contentType, ok
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
