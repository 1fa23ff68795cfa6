package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Driver  string
	Topic   string
	Brokers string
	GroupID string
}

type Config struct {
	Addr          string
	LogLevel      string
	CatalogURL    string
	ConditionsURL string
	RedisAddr     string
	KafkaBrokers  string

	LayerCacheMax    int
	LayerCachePolicy string
	PrefetchEnabled  bool
	PrefetchBatch    int
	PrefetchDelay    time.Duration
	FetchTimeout     time.Duration

	DefaultDataset string
	PrefsDSN       string

	SampleRadiusPx  float64
	TooltipRadiusPx float64
	SampleInterval  time.Duration
	HysteresisDeg   float64

	ViewportWidth  int
	ViewportHeight int
	ViewportZoom   float64

	ConditionsTTL   time.Duration
	ConditionsH3Res int
	CacheOpTimeout  time.Duration

	SelectionEventsTopic string
	Invalidation         InvalidationCfg
}

func FromEnv() Config {
	cacheMax := getint("LAYER_CACHE_MAX", 500)
	if cacheMax <= 0 {
		cacheMax = 500
	}
	batch := getint("PREFETCH_BATCH", 5)
	if batch <= 0 {
		batch = 5
	}
	h3res := getint("CONDITIONS_H3_RES", 5)
	if h3res < 0 || h3res > 15 {
		h3res = 5
	}

	return Config{
		Addr:          getenv("ADDR", ":8090"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		CatalogURL:    strings.TrimRight(getenv("CATALOG_URL", "http://localhost:8080/data"), "/"),
		ConditionsURL: strings.TrimRight(getenv("CONDITIONS_URL", ""), "/"),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:  getenv("KAFKA_BROKERS", "localhost:9092"),

		LayerCacheMax:    cacheMax,
		LayerCachePolicy: strings.ToLower(getenv("LAYER_CACHE_POLICY", "fifo")),
		PrefetchEnabled:  getbool("PREFETCH_ENABLED", false),
		PrefetchBatch:    batch,
		PrefetchDelay:    getduration("PREFETCH_DELAY", time.Second),
		FetchTimeout:     getduration("FETCH_TIMEOUT", 30*time.Second),

		DefaultDataset: getenv("DEFAULT_DATASET", "sst"),
		PrefsDSN:       getenv("PREFS_DSN", ""),

		SampleRadiusPx:  getfloat("SAMPLE_RADIUS_PX", 10),
		TooltipRadiusPx: getfloat("TOOLTIP_RADIUS_PX", 32),
		SampleInterval:  getduration("SAMPLE_INTERVAL", 16*time.Millisecond),
		HysteresisDeg:   getfloat("HYSTERESIS_DEG", 0.01),

		ViewportWidth:  getint("VIEWPORT_WIDTH", 1024),
		ViewportHeight: getint("VIEWPORT_HEIGHT", 768),
		ViewportZoom:   getfloat("VIEWPORT_ZOOM", 6),

		ConditionsTTL:   getduration("CONDITIONS_TTL", 2*time.Hour),
		ConditionsH3Res: h3res,
		CacheOpTimeout:  getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),

		SelectionEventsTopic: getenv("SELECTION_EVENTS_TOPIC", ""),
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Driver:  getenv("INVALIDATION_DRIVER", "none"),
			Topic:   getenv("KAFKA_TOPIC", "layer-invalidation"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "oceanview-invalidator"),
		},
	}
}

// Brokers splits a comma-separated broker list.
func Brokers(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
