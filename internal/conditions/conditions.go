// Package conditions serves point observations from nearby stations and
// buoys, cached in Redis per H3 cell for a short TTL.
package conditions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/oceanview/internal/cache"
	"github.com/mohammed-shakir/oceanview/internal/cache/keys"
	"github.com/mohammed-shakir/oceanview/internal/core/observability"
	"github.com/mohammed-shakir/oceanview/internal/mapper"
)

const (
	DefaultTTL = 2 * time.Hour
	DefaultRes = 5
)

var (
	ErrNotConfigured = errors.New("conditions upstream not configured")
	ErrNoObservation = errors.New("no observation near point")
	ErrStatus        = errors.New("unexpected upstream status")
)

// Observation is one station report. Values maps variable name to reading.
type Observation struct {
	Station    string             `json:"station"`
	Name       string             `json:"name,omitempty"`
	Lon        float64            `json:"lon"`
	Lat        float64            `json:"lat"`
	ObservedAt time.Time          `json:"observed_at"`
	Values     map[string]float64 `json:"values"`
	Cell       string             `json:"cell,omitempty"`
}

type Config struct {
	BaseURL   string
	TTL       time.Duration
	Res       int
	OpTimeout time.Duration
	HTTP      *http.Client
	Store     cache.Interface
	Mapper    mapper.Interface
	Logger    *slog.Logger
}

type Service struct {
	base      string
	ttl       time.Duration
	res       int
	opTimeout time.Duration
	http      *http.Client
	store     cache.Interface
	mapper    mapper.Interface
	log       *slog.Logger
}

func New(cfg Config) (*Service, error) {
	if cfg.Mapper == nil {
		return nil, errors.New("conditions: mapper is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Res < 0 || cfg.Res > 15 {
		cfg.Res = DefaultRes
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 250 * time.Millisecond
	}
	if cfg.HTTP == nil {
		cfg.HTTP = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		base:      cfg.BaseURL,
		ttl:       cfg.TTL,
		res:       cfg.Res,
		opTimeout: cfg.OpTimeout,
		http:      cfg.HTTP,
		store:     cfg.Store,
		mapper:    cfg.Mapper,
		log:       cfg.Logger,
	}, nil
}

// Lookup returns the observation for the cell containing p. A Redis failure
// degrades to an upstream fetch; it is never returned to the caller.
func (s *Service) Lookup(ctx context.Context, p orb.Point) (*Observation, error) {
	if s.base == "" {
		return nil, ErrNotConfigured
	}
	cell, err := s.mapper.CellForPoint(p, s.res)
	if err != nil {
		return nil, fmt.Errorf("conditions cell: %w", err)
	}
	key := keys.ConditionsKey(cell)

	if obs, ok := s.cached(ctx, key); ok {
		observability.ObserveConditions("hit")
		return obs, nil
	}

	obs, err := s.fetch(ctx, p)
	if err != nil {
		observability.ObserveConditions("error")
		return nil, err
	}
	obs.Cell = cell
	observability.ObserveConditions("miss")
	s.put(ctx, key, obs)
	return obs, nil
}

// ForgetBound drops cached observations for every cell covering b.
func (s *Service) ForgetBound(ctx context.Context, b orb.Bound) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	cells, err := s.mapper.CellsForBound(b, s.res)
	if err != nil {
		return 0, fmt.Errorf("conditions cover: %w", err)
	}
	ks := make([]string, 0, len(cells))
	for _, c := range cells {
		ks = append(ks, keys.ConditionsKey(c))
	}
	if err := s.store.Del(ctx, ks...); err != nil {
		return 0, fmt.Errorf("conditions forget: %w", err)
	}
	return len(ks), nil
}

func (s *Service) cached(ctx context.Context, key string) (*Observation, bool) {
	if s.store == nil {
		return nil, false
	}
	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	b, ok, err := s.store.Get(cctx, key)
	if err != nil {
		s.log.Warn("conditions cache read failed", "key", key, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var obs Observation
	if err := json.Unmarshal(b, &obs); err != nil {
		s.log.Warn("conditions cache entry corrupt", "key", key, "err", err)
		return nil, false
	}
	return &obs, true
}

func (s *Service) put(ctx context.Context, key string, obs *Observation) {
	if s.store == nil {
		return
	}
	b, err := json.Marshal(obs)
	if err != nil {
		s.log.Warn("conditions encode failed", "key", key, "err", err)
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
	defer cancel()
	if err := s.store.Set(cctx, key, b, s.ttl); err != nil {
		s.log.Warn("conditions cache write failed", "key", key, "err", err)
	}
}

func (s *Service) fetch(ctx context.Context, p orb.Point) (*Observation, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(p.Lat(), 'f', 5, 64))
	q.Set("lon", strconv.FormatFloat(p.Lon(), 'f', 5, 64))
	u := s.base + "/conditions?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("conditions request: %w", err)
	}
	start := time.Now()
	resp, err := s.http.Do(req)
	observability.ObserveUpstreamLatency("conditions", time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("conditions fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoObservation
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("conditions fetch: %w: %d", ErrStatus, resp.StatusCode)
	}

	var obs Observation
	if err := json.NewDecoder(resp.Body).Decode(&obs); err != nil {
		return nil, fmt.Errorf("conditions decode: %w", err)
	}
	if obs.Station == "" {
		return nil, ErrNoObservation
	}
	return &obs, nil
}
