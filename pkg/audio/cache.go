package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// maxTrackBytes caps the size of a downloaded background track container.
const maxTrackBytes = 5 << 20

// Cache is a process-wide store of decoded background tracks keyed by
// (source, target sample rate). The decoded bytes are shared across
// sessions; each NewTrack call hands out an independent cursor.
type Cache struct {
	client *http.Client

	mu     sync.Mutex
	tracks map[cacheKey][]byte
}

type cacheKey struct {
	source string
	rate   int
}

// NewCache creates an empty track cache. A nil client falls back to a
// default HTTP client with a 30s timeout for URL sources.
func NewCache(client *http.Client) *Cache {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Cache{client: client, tracks: make(map[cacheKey][]byte)}
}

// Track returns a fresh Track over the decoded audio for source at
// targetRate, fetching and decoding on first use. Source is either an
// http(s) URL or a local file path; the container must be PCM WAV.
// Concurrent callers for the same key decode once.
func (c *Cache) Track(ctx context.Context, source string, targetRate int) (*Track, error) {
	key := cacheKey{source: source, rate: targetRate}

	c.mu.Lock()
	defer c.mu.Unlock()
	if pcm, ok := c.tracks[key]; ok {
		return NewTrack(pcm), nil
	}

	raw, err := c.fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	pcm, err := DecodeWAVToMono16(bytes.NewReader(raw), source, targetRate)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, &FormatError{Source: source, Reason: "decoded track is empty"}
	}

	c.tracks[key] = pcm
	return NewTrack(pcm), nil
}

func (c *Cache) fetch(ctx context.Context, source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, fmt.Errorf("track cache: build request: %w", err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("track cache: fetch %q: %w", source, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("track cache: fetch %q: status %d", source, resp.StatusCode)
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTrackBytes+1))
		if err != nil {
			return nil, fmt.Errorf("track cache: read %q: %w", source, err)
		}
		if len(raw) > maxTrackBytes {
			return nil, &FormatError{Source: source, Reason: fmt.Sprintf("track exceeds %d byte limit", maxTrackBytes)}
		}
		return raw, nil
	}

	raw, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("track cache: read file %q: %w", source, err)
	}
	return raw, nil
}
