package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const urlScheme = "blob:"

// ErrUnknownURL is returned for URLs the registry did not create or already revoked.
var ErrUnknownURL = errors.New("audio: unknown object url")

// URLRegistry hands out revocable object URLs backed by temp files, so an
// uploaded file outlives the request that carried it until it is revoked.
type URLRegistry struct {
	dir string

	mu   sync.Mutex
	urls map[string]string // url -> backing file
}

// NewURLRegistry stores blobs under dir (os.TempDir when empty).
func NewURLRegistry(dir string) *URLRegistry {
	if dir == "" {
		dir = os.TempDir()
	}
	return &URLRegistry{dir: dir, urls: make(map[string]string)}
}

// Create writes data to a new blob and returns its URL.
func (r *URLRegistry) Create(data []byte) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	id := uuid.NewString()
	path := filepath.Join(r.dir, "tempobreath-"+id+".blob")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}

	url := urlScheme + id
	r.mu.Lock()
	r.urls[url] = path
	r.mu.Unlock()
	return url, nil
}

// Path returns the backing file of a live URL.
func (r *URLRegistry) Path(url string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.urls[url]
	return p, ok
}

// Revoke releases a URL and deletes its blob.
func (r *URLRegistry) Revoke(url string) error {
	if !strings.HasPrefix(url, urlScheme) {
		return ErrUnknownURL
	}
	r.mu.Lock()
	path, ok := r.urls[url]
	delete(r.urls, url)
	r.mu.Unlock()
	if !ok {
		return ErrUnknownURL
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

// Live returns the number of unrevoked URLs.
func (r *URLRegistry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.urls)
}

// RevokeAll releases every live URL.
func (r *URLRegistry) RevokeAll() error {
	r.mu.Lock()
	urls := make([]string, 0, len(r.urls))
	for u := range r.urls {
		urls = append(urls, u)
	}
	r.mu.Unlock()

	var errs []error
	for _, u := range urls {
		if err := r.Revoke(u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
