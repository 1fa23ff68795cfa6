// Package layerfetch downloads the vector resources of one date entry and
// assembles them into a cacheable payload.
package layerfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/oceanview/internal/cache/layercache"
	"github.com/mohammed-shakir/oceanview/internal/core/model"
	"github.com/mohammed-shakir/oceanview/internal/core/observability"
)

var (
	ErrStatus      = errors.New("unexpected layer status")
	ErrNoLayerData = errors.New("no layer data available")
)

const maxBodyBytes = 64 << 20

type Fetcher struct {
	http *http.Client
	log  *slog.Logger
	now  func() time.Time
}

func New(hc *http.Client, log *slog.Logger) *Fetcher {
	if hc == nil {
		hc = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{http: hc, log: log, now: time.Now}
}

// For binds a dataset entry to a cache fetcher.
func (f *Fetcher) For(datasetID string, entry model.DateEntry) layercache.Fetcher {
	return func(ctx context.Context) (*layercache.Payload, error) {
		return f.Fetch(ctx, datasetID, entry)
	}
}

type part struct {
	fc   *geojson.FeatureCollection
	body []byte
	err  error
}

// Fetch retrieves the data and contour layers concurrently. A failed
// sub-fetch leaves its field nil; only when nothing usable remains, image
// included, is an error returned.
func (f *Fetcher) Fetch(ctx context.Context, datasetID string, entry model.DateEntry) (*layercache.Payload, error) {
	dataURL := entry.Layers[model.LayerData]
	contourURL := entry.Layers[model.LayerContours]
	imageURL := entry.Layers[model.LayerImage]

	// sub-fetch failures are kept per part, never cancel the sibling
	var data, contours part
	var wg sync.WaitGroup
	if dataURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data = f.fetchCollection(ctx, dataURL)
		}()
	}
	if contourURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			contours = f.fetchCollection(ctx, contourURL)
		}()
	}
	wg.Wait()

	p := &layercache.Payload{
		DatasetID: datasetID,
		Date:      entry.Date,
		Data:      data.fc,
		Contours:  contours.fc,
		ImageURL:  imageURL,
		FetchedAt: f.now(),
	}

	failed := 0
	for _, sub := range []struct {
		kind string
		url  string
		p    part
	}{{"data", dataURL, data}, {"contours", contourURL, contours}} {
		if sub.url != "" && sub.p.err != nil {
			failed++
			f.log.Warn("layer sub-fetch failed",
				"dataset", datasetID, "date", entry.Date, "kind", sub.kind, "err", sub.p.err)
		}
	}

	if p.Empty() {
		observability.ObserveLayerFetch("error")
		if err := errors.Join(data.err, contours.err); err != nil {
			return nil, fmt.Errorf("%s %s: %w: %w", datasetID, entry.Date, ErrNoLayerData, err)
		}
		return nil, fmt.Errorf("%s %s: %w", datasetID, entry.Date, ErrNoLayerData)
	}

	d := xxhash.New()
	_, _ = d.Write(data.body)
	_, _ = d.Write(contours.body)
	_, _ = d.WriteString(imageURL)
	p.Checksum = d.Sum64()

	if failed > 0 {
		observability.ObserveLayerFetch("partial")
	} else {
		observability.ObserveLayerFetch("ok")
	}
	return p, nil
}

func (f *Fetcher) fetchCollection(ctx context.Context, u string) part {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return part{err: fmt.Errorf("layer request: %w", err)}
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	start := time.Now()
	resp, err := f.http.Do(req)
	observability.ObserveUpstreamLatency("layer", time.Since(start).Seconds())
	if err != nil {
		return part{err: fmt.Errorf("layer fetch %s: %w", u, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return part{err: fmt.Errorf("layer fetch %s: %w: %d", u, ErrStatus, resp.StatusCode)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return part{err: fmt.Errorf("layer read %s: %w", u, err)}
	}
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return part{err: fmt.Errorf("layer decode %s: %w", u, err)}
	}
	return part{fc: fc, body: body}
}
