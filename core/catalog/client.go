package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/updraft-io/updraft/core/infra/config"
)

// Cache keys, one per catalog file.
const (
	KeyMods     = "mods"
	KeyModsBeta = "mods_beta"
	KeyPacks    = "packs"
	KeyPerms    = "perms"
)

const fetchTimeout = 30 * time.Second

// Client reads the published catalog files through the cache. All reads go
// against the raw-content base of the repository profile.
type Client struct {
	profile *config.Profile
	cache   Cache
	http    *http.Client
}

// NewClient builds a catalog client for the given repository profile.
func NewClient(profile *config.Profile, cache Cache) *Client {
	if cache == nil {
		cache = NoopCache{}
	}
	return &Client{
		profile: profile,
		cache:   cache,
		http:    &http.Client{Timeout: fetchTimeout},
	}
}

// Mods returns the primary mod catalog.
func (c *Client) Mods(ctx context.Context) (RawList, error) {
	return c.contentList(ctx, KeyMods, c.profile.Catalogs.Mods)
}

// BetaMods returns the beta mod catalog.
func (c *Client) BetaMods(ctx context.Context) (RawList, error) {
	return c.contentList(ctx, KeyModsBeta, c.profile.Catalogs.ModsBeta)
}

// Packs returns the pack catalog.
func (c *Client) Packs(ctx context.Context) (RawList, error) {
	return c.contentList(ctx, KeyPacks, c.profile.Catalogs.Packs)
}

// List returns the catalog for a content type, honoring the beta flag for
// mods. Packs have no beta channel.
func (c *Client) List(ctx context.Context, contentType ContentType, beta bool) (RawList, error) {
	switch contentType {
	case TypeMod:
		if beta {
			return c.BetaMods(ctx)
		}
		return c.Mods(ctx)
	case TypePack:
		return c.Packs(ctx)
	default:
		return nil, fmt.Errorf("unknown content type %q", contentType)
	}
}

// Permissions returns the update permission catalog.
func (c *Client) Permissions(ctx context.Context) (Permissions, error) {
	data, err := c.cache.GetOrFetch(ctx, KeyPerms, c.profile.CacheTTL(), func(ctx context.Context) ([]byte, error) {
		body, err := c.fetch(ctx, c.profile.Catalogs.Perms)
		if err != nil {
			return nil, err
		}
		if err := validatePerms(body); err != nil {
			return nil, err
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return ParsePermissions(data)
}

// InvalidateAll drops every cached catalog. Called after a publish so the
// next read observes the pushed state.
func (c *Client) InvalidateAll(ctx context.Context) error {
	return c.cache.Invalidate(ctx, KeyMods, KeyModsBeta, KeyPacks, KeyPerms)
}

func (c *Client) contentList(ctx context.Context, key, path string) (RawList, error) {
	data, err := c.cache.GetOrFetch(ctx, key, c.profile.CacheTTL(), func(ctx context.Context) ([]byte, error) {
		body, err := c.fetch(ctx, path)
		if err != nil {
			return nil, err
		}
		if err := validateContent(key, body); err != nil {
			return nil, err
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return ParseList(data)
}

func (c *Client) fetch(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("catalog path is empty")
	}
	url := c.profile.RawURL(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("User-Agent", c.profile.Repo.UserAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch catalog %s: status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return body, nil
}
