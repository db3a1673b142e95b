package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// Memory is an in-process object store. It is safe for concurrent use and
// intended for tests and single-instance development.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	fail    func(op, key string) error
}

// NewMemory constructs an empty in-memory object store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject)}
}

// FailWith installs a hook consulted before every operation; a non-nil result is returned as the error.
// op is one of "put", "get", "delete", "list", "download", "sign".
func (m *Memory) FailWith(fn func(op, key string) error) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

func (m *Memory) check(op, key string) error {
	m.mu.RLock()
	fn := m.fail
	m.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op, key)
}

// Put stores body under key.
func (m *Memory) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	if err := m.check("put", key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	m.mu.Unlock()
	return nil
}

// PutFile stores the contents of localPath under key.
func (m *Memory) PutFile(ctx context.Context, key, localPath, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	return m.Put(ctx, key, f, 0, contentType)
}

// Get returns a reader over the object at key.
func (m *Memory) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if err := m.check("get", key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	if err := m.check("delete", key); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// List returns the sorted keys under prefix.
func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	if err := m.check("list", prefix); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// DownloadToFile writes the object at key to localPath.
func (m *Memory) DownloadToFile(ctx context.Context, key, localPath string) error {
	if err := m.check("download", key); err != nil {
		return err
	}
	rc, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0750); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0640)
}

// SignedURL returns a fake URL embedding key and ttl.
func (m *Memory) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	if err := m.check("sign", key); err != nil {
		return "", err
	}
	return fmt.Sprintf("memory://%s?expires=%d", key, int(ttl.Seconds())), nil
}

// Object returns the stored bytes for key.
func (m *Memory) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.data, ok
}

// ContentType returns the content type recorded for key.
func (m *Memory) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key].contentType
}
