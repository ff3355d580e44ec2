package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// FileStore keeps raw downloads under tempDir and finished images under
// finalDir. Both directories are created on construction.
type FileStore struct {
	tempDir  string
	finalDir string
	client   *http.Client
}

func NewFileStore(tempDir, finalDir string) (*FileStore, error) {
	for _, dir := range []string{tempDir, finalDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return &FileStore{
		tempDir:  tempDir,
		finalDir: finalDir,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Download fetches url into the temp directory, named after the mapping id.
func (s *FileStore) Download(ctx context.Context, url, mappingID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", mappingID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: http %d", mappingID, resp.StatusCode)
	}

	path := filepath.Join(s.tempDir, mappingID+".png")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// WriteTemp stores provider-delivered inline bytes the same way a download
// would land, so the rest of the pipeline sees one shape.
func (s *FileStore) WriteTemp(mappingID string, data []byte) (string, error) {
	path := filepath.Join(s.tempDir, mappingID+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write temp %s: %w", path, err)
	}
	return path, nil
}

func (s *FileStore) ReadTemp(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFinal persists processed bytes under the final directory and returns
// the resulting path.
func (s *FileStore) WriteFinal(mappingID, ext string, data []byte) (string, error) {
	path := filepath.Join(s.finalDir, mappingID+"."+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write final %s: %w", path, err)
	}
	return path, nil
}

// RemoveFinal deletes a previously written final image; used when a retry
// overwrites an older successful pass with a different output format.
func (s *FileStore) RemoveFinal(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
