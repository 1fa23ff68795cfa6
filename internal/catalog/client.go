package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammed-shakir/oceanview/internal/core/observability"
)

var ErrStatus = errors.New("unexpected catalog status")

const maxDocBytes = 16 << 20

type Client struct {
	base *url.URL
	http *http.Client
	log  *slog.Logger
}

func NewClient(base string, hc *http.Client, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("catalog base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("catalog base url %q must be absolute", base)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{base: u, http: hc, log: log}, nil
}

// Load fetches metadata.json and regions.json. A missing regions.json is
// tolerated; a failed metadata.json is not.
func (c *Client) Load(ctx context.Context) (*Catalog, error) {
	meta, err := c.get(ctx, "metadata.json")
	if err != nil {
		return nil, err
	}
	regions, err := c.get(ctx, "regions.json")
	if err != nil {
		c.log.Warn("regions.json unavailable; using metadata only", "err", err)
		regions = nil
	}
	cat, err := Parse(meta, regions, c.base, c.log)
	if err != nil {
		return nil, err
	}
	c.log.Info("catalog loaded", "regions", len(cat.Regions), "last_updated", cat.LastUpdated)
	return cat, nil
}

func (c *Client) get(ctx context.Context, name string) ([]byte, error) {
	u := c.base.ResolveReference(&url.URL{Path: name}).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog request %s: %w", name, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.ObserveUpstreamLatency("catalog", time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("catalog fetch %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("catalog fetch %s: %w: %d", name, ErrStatus, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxDocBytes))
	if err != nil {
		return nil, fmt.Errorf("catalog read %s: %w", name, err)
	}
	return b, nil
}
