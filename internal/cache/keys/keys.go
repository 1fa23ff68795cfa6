// Package keys builds the cache keys used by the layer and conditions caches.
package keys

import (
	"errors"
	"strings"
)

const conditionsPrefix = "conditions:"

// LayerKey composes the layer cache key for (datasetID, date) as
// "<dataset>:<date>". ':' and '%' in the dataset id are percent-escaped so
// the first ':' always separates the two parts. Ids and dates are used
// verbatim; the catalog normalizes them at load.
func LayerKey(datasetID, date string) string {
	return DatasetPrefix(datasetID) + date
}

// DatasetPrefix is the prefix shared by every LayerKey of datasetID.
func DatasetPrefix(datasetID string) string {
	return escapeID(datasetID) + ":"
}

// SplitLayerKey reverses LayerKey.
func SplitLayerKey(key string) (datasetID, date string, err error) {
	i := strings.IndexByte(key, ':')
	if i < 0 {
		return "", "", errors.New("layer key has no separator")
	}
	id, err := unescapeID(key[:i])
	if err != nil {
		return "", "", err
	}
	return id, key[i+1:], nil
}

// ConditionsKey is the Redis key for the station conditions of one H3 cell.
func ConditionsKey(cell string) string {
	return conditionsPrefix + sanitizeForKey(strings.ToLower(strings.TrimSpace(cell)))
}

func escapeID(s string) string {
	if !strings.ContainsAny(s, "%:") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%':
			b.WriteString("%25")
		case ':':
			b.WriteString("%3A")
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func unescapeID(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", errors.New("truncated escape in layer key")
		}
		switch s[i+1 : i+3] {
		case "25":
			b.WriteByte('%')
		case "3A":
			b.WriteByte(':')
		default:
			return "", errors.New("invalid escape in layer key")
		}
		i += 2
	}
	return b.String(), nil
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case isAlphaNum(r) || r == '_' || r == '-':
			out = r
		default:
			out = '-'
		}
		if out == '-' && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
