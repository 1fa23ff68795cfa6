package config

import (
	"reflect"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("LAYER_CACHE_MAX", "")
	t.Setenv("PREFETCH_BATCH", "")
	t.Setenv("CONDITIONS_TTL", "")

	cfg := FromEnv()
	if cfg.LayerCacheMax != 500 {
		t.Fatalf("LayerCacheMax=%d want 500", cfg.LayerCacheMax)
	}
	if cfg.PrefetchBatch != 5 || cfg.PrefetchDelay != time.Second {
		t.Fatalf("prefetch batch=%d delay=%s", cfg.PrefetchBatch, cfg.PrefetchDelay)
	}
	if cfg.ConditionsTTL != 2*time.Hour {
		t.Fatalf("ConditionsTTL=%s want 2h", cfg.ConditionsTTL)
	}
	if cfg.LayerCachePolicy != "fifo" {
		t.Fatalf("policy=%q want fifo", cfg.LayerCachePolicy)
	}
}

func TestFromEnv_OverridesAndClamps(t *testing.T) {
	t.Setenv("LAYER_CACHE_MAX", "-3")
	t.Setenv("LAYER_CACHE_POLICY", "LRU")
	t.Setenv("CATALOG_URL", "http://example.test/data/")
	t.Setenv("CONDITIONS_H3_RES", "22")
	t.Setenv("PREFETCH_ENABLED", "yes")

	cfg := FromEnv()
	if cfg.LayerCacheMax != 500 {
		t.Fatalf("negative cache max must fall back to 500, got %d", cfg.LayerCacheMax)
	}
	if cfg.LayerCachePolicy != "lru" {
		t.Fatalf("policy=%q want lru", cfg.LayerCachePolicy)
	}
	if cfg.CatalogURL != "http://example.test/data" {
		t.Fatalf("catalog url not trimmed: %q", cfg.CatalogURL)
	}
	if cfg.ConditionsH3Res != 5 {
		t.Fatalf("out-of-range res must fall back to 5, got %d", cfg.ConditionsH3Res)
	}
	if !cfg.PrefetchEnabled {
		t.Fatalf("expected prefetch enabled")
	}
}

func TestBrokers_Split(t *testing.T) {
	got := Brokers(" a:9092, ,b:9092 ")
	want := []string{"a:9092", "b:9092"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Brokers=%v want %v", got, want)
	}
}
