package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/oceanview/internal/core/config"
	"github.com/mohammed-shakir/oceanview/internal/invalidation"
)

const metadata = `{
  "lastUpdated": "2024-01-16T06:00:00Z",
  "regions": [{
    "id": "gom",
    "name": "Gulf of Maine",
    "bounds": [-71, 41, -66, 45],
    "datasets": [{
      "id": "sst",
      "category": "temperature",
      "unit": "°C",
      "dates": [
        {"date": "20240101", "layers": {"data": "gom/sst/20240101.geojson"}},
        {"date": "20240102", "layers": {"data": "gom/sst/20240102.geojson"}}
      ]
    }]
  }]
}`

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func upstream(t *testing.T, layerHits *int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, metadata)
	})
	mux.HandleFunc("/gom/sst/", func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(layerHits, 1)
		_, _ = io.WriteString(w, `{"type":"FeatureCollection","features":[]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(catalogURL string) config.Config {
	return config.Config{
		CatalogURL:     catalogURL,
		LayerCacheMax:  10,
		FetchTimeout:   5 * time.Second,
		DefaultDataset: "sst",
		ViewportWidth:  800,
		ViewportHeight: 600,
		ViewportZoom:   5,
	}
}

func TestBuild_InvalidationReloadsShownLayer(t *testing.T) {
	var hits int64
	srv := upstream(t, &hits)
	ctx := context.Background()

	a, err := Build(ctx, testConfig(srv.URL), quiet(), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()

	if err := a.Selection.Navigate(ctx, "/gom/sst/20240102"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	a.Selection.Wait()
	if _, ok := a.Cache.Lookup("sst", "20240102"); !ok || atomic.LoadInt64(&hits) != 1 {
		t.Fatalf("layer not loaded, hits=%d", atomic.LoadInt64(&hits))
	}

	a.Cache.Remove("sst", "20240102")
	a.reloadIfShown(invalidation.Event{Version: 1, Op: invalidation.OpLayer, DatasetID: "sst", Date: "20240102"})
	a.Selection.Wait()
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Fatalf("hits=%d want 2 after reload", got)
	}

	a.reloadIfShown(invalidation.Event{Version: 2, Op: invalidation.OpLayer, DatasetID: "sst", Date: "20240101"})
	a.Selection.Wait()
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Fatalf("hits=%d; a date not on screen must not reload", got)
	}
}

func TestBuild_InvalidationDuringFetchServesFreshLayer(t *testing.T) {
	var hits int64
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, metadata)
	})
	mux.HandleFunc("/gom/sst/", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
			_, _ = io.WriteString(w, `{"type":"FeatureCollection","features":[]}`)
			return
		}
		_, _ = io.WriteString(w, `{"type":"FeatureCollection","features":[
			{"type":"Feature","geometry":{"type":"Point","coordinates":[-70,42]},"properties":{"temperature":9}}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	ctx := context.Background()

	a, err := Build(ctx, testConfig(srv.URL), quiet(), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()

	if err := a.Selection.Navigate(ctx, "/gom/sst/20240102"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&hits) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	a.Cache.Remove("sst", "20240102")
	a.reloadIfShown(invalidation.Event{Version: 1, Op: invalidation.OpLayer, DatasetID: "sst", Date: "20240102"})
	for a.Selection.Snapshot().Loading && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	a.Selection.Wait()

	p, ok := a.Cache.Lookup("sst", "20240102")
	if !ok || p.Data == nil || len(p.Data.Features) != 1 {
		t.Fatalf("cache holds the pre-invalidation payload: %+v", p)
	}
	if shown := a.Selection.Snapshot().LayerData; shown != p {
		t.Fatalf("shown layer is not the reloaded payload")
	}
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Fatalf("hits=%d want 2", got)
	}
}

func TestBuild_CatalogFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := Build(context.Background(), testConfig(srv.URL), quiet(), Options{}); err == nil {
		t.Fatalf("expected error for missing metadata.json")
	}
}

func TestHandler_ServesStateAndReadiness(t *testing.T) {
	var hits int64
	srv := upstream(t, &hits)
	a, err := Build(context.Background(), testConfig(srv.URL), quiet(), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()
	h := a.Handler(nil)

	for _, path := range []string{"/api/state", "/api/regions", "/readyz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status=%d body=%s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestAffects(t *testing.T) {
	cases := []struct {
		ev   invalidation.Event
		want bool
	}{
		{invalidation.Event{Op: invalidation.OpAll}, true},
		{invalidation.Event{Op: invalidation.OpDataset, DatasetID: "sst"}, true},
		{invalidation.Event{Op: invalidation.OpDataset, DatasetID: "chl"}, false},
		{invalidation.Event{Op: invalidation.OpLayer, DatasetID: "sst", Date: "20240101"}, true},
		{invalidation.Event{Op: invalidation.OpLayer, DatasetID: "sst", Date: "20240102"}, false},
		{invalidation.Event{Op: "bogus"}, false},
	}
	for _, c := range cases {
		if got := affects(c.ev, "sst", "20240101"); got != c.want {
			t.Fatalf("affects(%+v)=%v want %v", c.ev, got, c.want)
		}
	}
}
