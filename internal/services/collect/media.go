package collect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

// StoredMedia describes one downloaded file.
type StoredMedia struct {
	SourceURL   string
	LocalPath   string // absolute path on disk
	ContentType string
	Size        int64
	Hash        string
}

// MediaStore downloads images and keyframes into the media filesystem.
// Files are named by content hash so a redownload of the same bytes
// lands on the same path, and a per-run hash cache skips duplicate
// downloads within a job.
type MediaStore struct {
	baseDir   string
	maxBytes  int64
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	logger    arbor.ILogger

	hashCacheMu sync.RWMutex
	hashCache   map[string]string // hash -> absolute path
}

// NewMediaStore creates a store rooted at baseDir. The limiter is shared
// with the collector's page fetcher so the whole run stays inside one
// request budget; pass nil to download unthrottled.
func NewMediaStore(baseDir string, maxBytes int64, userAgent string, timeout time.Duration, limiter *rate.Limiter, logger arbor.ILogger) (*MediaStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}

	return &MediaStore{
		baseDir:   baseDir,
		maxBytes:  maxBytes,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		limiter:   limiter,
		logger:    logger,
		hashCache: make(map[string]string),
	}, nil
}

// Download fetches one media URL and stores it under baseDir/subDir.
// The referer header is set when non-empty; catalog CDNs often require
// it.
func (s *MediaStore) Download(ctx context.Context, rawURL string, subDir string, referer string) (*StoredMedia, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned HTTP %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return nil, fmt.Errorf("not an image: %s", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("media exceeds %d bytes", s.maxBytes)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	s.hashCacheMu.RLock()
	existing, cached := s.hashCache[hash]
	s.hashCacheMu.RUnlock()
	if cached {
		s.logger.Debug().Str("url", rawURL).Str("path", existing).Msg("Media already stored, reusing")
		return &StoredMedia{
			SourceURL:   rawURL,
			LocalPath:   existing,
			ContentType: contentType,
			Size:        int64(len(data)),
			Hash:        hash,
		}, nil
	}

	ext := extensionFor(contentType, rawURL)
	fullPath := filepath.Join(s.baseDir, subDir, hash+ext)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create media subdirectory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write media file: %w", err)
	}

	s.hashCacheMu.Lock()
	s.hashCache[hash] = fullPath
	s.hashCacheMu.Unlock()

	s.logger.Debug().
		Str("url", rawURL).
		Str("path", fullPath).
		Int("size", len(data)).
		Msg("Media downloaded")

	return &StoredMedia{
		SourceURL:   rawURL,
		LocalPath:   fullPath,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hash,
	}, nil
}

func extensionFor(contentType string, rawURL string) string {
	switch strings.Split(strings.ToLower(contentType), ";")[0] {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}

	if parsed, err := url.Parse(rawURL); err == nil {
		switch ext := strings.ToLower(filepath.Ext(parsed.Path)); ext {
		case ".jpg", ".jpeg", ".png", ".gif", ".webp":
			return ext
		}
	}
	return ".bin"
}
