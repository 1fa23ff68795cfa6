package cmd

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const metadata = `{"regions": [{
  "id": "gom",
  "bounds": [-71, 41, -66, 45],
  "datasets": [
    {"id": "sst", "category": "temperature", "dates": [
      {"date": "20240101", "layers": {"data": "gom/sst/20240101.geojson"}},
      {"date": "20240102", "layers": {"data": "gom/sst/20240102.geojson"}}
    ]},
    {"id": "chl", "category": "chlorophyll", "dates": [
      {"date": "20240101", "layers": {"data": "gom/chl/missing.geojson"}}
    ]}
  ]
}]}`

func catalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, metadata)
	})
	mux.HandleFunc("/gom/sst/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"type":"FeatureCollection","features":[]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPrefetch_ReportsPerRegion(t *testing.T) {
	srv := catalogServer(t)
	t.Setenv("LOG_LEVEL", "error")

	out, err := execute(t, "prefetch", "--catalog-url", srv.URL, "--region", "gom", "--dataset", "sst", "--delay", "0s")
	if err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	if !strings.Contains(out, "items=2 fetched=2 failed=0") {
		t.Fatalf("out=%q", out)
	}

	_, err = execute(t, "prefetch", "--catalog-url", srv.URL, "--region", "gom", "--dataset", "chl", "--delay", "0s")
	if err == nil || !strings.Contains(err.Error(), "1 of 1 layers failed") {
		t.Fatalf("err=%v want failure count", err)
	}

	if _, err := execute(t, "prefetch", "--catalog-url", srv.URL, "--region", "nowhere", "--dataset", ""); err == nil {
		t.Fatalf("unknown region must fail")
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Fatalf("out=%q want %q", out, version)
	}
}
