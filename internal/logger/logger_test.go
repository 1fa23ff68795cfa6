package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestSlogBridge_WritesContextFields(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "debug", Service: "oceanview", Component: "test"}, &buf)
	l := NewSlog(&zl)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithSelection(ctx, "gulf", "sst")
	l.InfoContext(ctx, "layer fetched", "entries", 3, "err", errors.New("boom"))

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	for k, want := range map[string]any{
		"msg":        "layer fetched",
		"service":    "oceanview",
		"request_id": "req-1",
		"region":     "gulf",
		"dataset":    "sst",
		"err":        "boom",
		"level":      "info",
	} {
		if rec[k] != want {
			t.Fatalf("%s=%v want %v (line=%s)", k, rec[k], want, buf.String())
		}
	}
	if rec["entries"] != float64(3) {
		t.Fatalf("entries=%v want 3", rec["entries"])
	}
}

func TestSlogBridge_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "warn"}, &buf)
	l := NewSlog(&zl)

	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info must be filtered at warn level, got %q", buf.String())
	}
	l.Warn("kept")
	if !bytes.Contains(buf.Bytes(), []byte(`"kept"`)) {
		t.Fatalf("warn line missing: %q", buf.String())
	}
	Build(Config{Level: "info"}, &buf)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zerolog.Level{
		"debug":  zerolog.DebugLevel,
		" WARN ": zerolog.WarnLevel,
		"error":  zerolog.ErrorLevel,
		"":       zerolog.InfoLevel,
		"trace":  zerolog.InfoLevel,
		"loud":   zerolog.InfoLevel,
	} {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
