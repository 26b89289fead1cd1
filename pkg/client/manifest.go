package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/theapemachine/asap-go/pkg/envelope"
	"github.com/theapemachine/asap-go/pkg/errors"
)

// ManifestCacheTTL bounds how long a fetched manifest is trusted before the
// next call re-fetches it.
const ManifestCacheTTL = 5 * time.Minute

type cachedManifest struct {
	manifest  *envelope.Manifest
	fetchedAt time.Time
}

// manifestCache is per-client, keyed by manifest URL.
type manifestCache struct {
	mu      sync.Mutex
	entries map[string]cachedManifest
	now     func() time.Time
}

func newManifestCache() *manifestCache {
	return &manifestCache{
		entries: make(map[string]cachedManifest),
		now:     time.Now,
	}
}

func (mc *manifestCache) get(url string) (*envelope.Manifest, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	entry, ok := mc.entries[url]
	if !ok || mc.now().Sub(entry.fetchedAt) >= ManifestCacheTTL {
		return nil, false
	}
	return entry.manifest, true
}

func (mc *manifestCache) put(url string, manifest *envelope.Manifest) {
	mc.mu.Lock()
	mc.entries[url] = cachedManifest{manifest: manifest, fetchedAt: mc.now()}
	mc.mu.Unlock()
}

func (mc *manifestCache) invalidate(url string) {
	mc.mu.Lock()
	delete(mc.entries, url)
	mc.mu.Unlock()
}

// GetManifest fetches the remote agent's manifest from the well-known path,
// serving from the per-client cache while the entry is fresh.
func (c *Client) GetManifest(ctx context.Context) (*envelope.Manifest, error) {
	return c.GetManifestFrom(ctx, c.baseURL+envelope.WellKnownManifestPath)
}

/*
GetManifestFrom fetches a manifest from an explicit URL. Any failure, HTTP,
parse or validation, drops the cache entry before returning so a broken
manifest is never served from cache afterwards.
*/
func (c *Client) GetManifestFrom(ctx context.Context, manifestURL string) (*envelope.Manifest, error) {
	if cached, ok := c.manifests.get(manifestURL); ok {
		return cached, nil
	}

	sanitized := errors.SanitizeURL(manifestURL)
	log.Debug("fetching manifest", "url", sanitized)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		c.manifests.invalidate(manifestURL)
		return nil, &errors.ConnectionError{URL: sanitized, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.manifests.invalidate(manifestURL)
		if isTimeout(err) {
			return nil, &errors.TimeoutError{URL: sanitized, Err: err}
		}
		return nil, &errors.ConnectionError{URL: sanitized, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.manifests.invalidate(manifestURL)
		return nil, &errors.ConnectionError{
			URL: sanitized,
			Err: fmt.Errorf("manifest fetch returned %d: verify the agent exposes %s", resp.StatusCode, envelope.WellKnownManifestPath),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseSize))
	if err != nil {
		c.manifests.invalidate(manifestURL)
		return nil, &errors.ConnectionError{URL: sanitized, Err: err}
	}

	var manifest envelope.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		c.manifests.invalidate(manifestURL)
		return nil, fmt.Errorf("invalid manifest from %s: %w", sanitized, err)
	}
	if err := manifest.Validate(); err != nil {
		c.manifests.invalidate(manifestURL)
		return nil, fmt.Errorf("manifest from %s failed validation: %w", sanitized, err)
	}

	c.manifests.put(manifestURL, &manifest)
	return &manifest, nil
}
