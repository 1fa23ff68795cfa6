package sampler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/oceanview/internal/core/observability"
)

const (
	DefaultInterval      = 16 * time.Millisecond
	DefaultMinDeltaDeg   = 0.00001
	DefaultHysteresisDeg = 0.01
)

type StreamConfig struct {
	Interval time.Duration
	MinDelta float64
	// Hysteresis keeps the last valid value while the cursor stays within
	// this many degrees of where it was read. Zero disables it.
	Hysteresis float64
}

// Reading is the outcome of one cursor move.
type Reading struct {
	Value      float64
	OK         bool
	Held       bool
	Cursor     orb.Point
	Generation uint64
}

// Stream samples a sequence of cursor moves. Moves are throttled by time
// and distance; a sample that finishes after a newer move started is
// dropped.
type Stream struct {
	s   *Sampler
	cfg StreamConfig
	now func() time.Time

	mu        sync.Mutex
	req       Request
	gen       uint64
	cancel    context.CancelFunc
	lastAt    time.Time
	lastPos   orb.Point
	moved     bool
	current   Reading
	lastValid *Reading
}

func (s *Sampler) NewStream(req Request, cfg StreamConfig) *Stream {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MinDelta <= 0 {
		cfg.MinDelta = DefaultMinDeltaDeg
	}
	return &Stream{s: s, cfg: cfg, req: req, now: time.Now}
}

// SetRequest swaps the sampled layers and value keys, e.g. after a dataset
// change, and forgets any held value.
func (st *Stream) SetRequest(req Request) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.req = req
	st.gen++
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.moved = false
	st.lastValid = nil
	st.current = Reading{Generation: st.gen}
}

// Current returns the latest applied reading.
func (st *Stream) Current() Reading {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

// Move samples at cursor. It reports false when the move was throttled or
// its result went stale; Current then still holds the previous reading.
func (st *Stream) Move(ctx context.Context, cursor orb.Point) (Reading, bool) {
	st.mu.Lock()
	now := st.now()
	if st.moved {
		if now.Sub(st.lastAt) < st.cfg.Interval || !st.farEnough(cursor) {
			r := st.current
			st.mu.Unlock()
			return r, false
		}
	}
	st.gen++
	gen := st.gen
	if st.cancel != nil {
		st.cancel()
	}
	sctx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	st.lastAt, st.lastPos, st.moved = now, cursor, true
	req := st.req
	st.mu.Unlock()

	req.Cursor = cursor
	v, ok := st.s.Sample(sctx, req)

	st.mu.Lock()
	defer st.mu.Unlock()
	cancel()
	if gen != st.gen {
		observability.IncStaleCompletion("sample")
		return st.current, false
	}
	st.cancel = nil

	r := Reading{Value: v, OK: ok, Cursor: cursor, Generation: gen}
	switch {
	case ok:
		lv := r
		st.lastValid = &lv
	case st.lastValid != nil && st.cfg.Hysteresis > 0 && degDistance(st.lastValid.Cursor, cursor) <= st.cfg.Hysteresis:
		r.Value, r.OK, r.Held = st.lastValid.Value, true, true
	}
	st.current = r
	return r, true
}

func (st *Stream) farEnough(cursor orb.Point) bool {
	return math.Abs(cursor.Lon()-st.lastPos.Lon()) > st.cfg.MinDelta ||
		math.Abs(cursor.Lat()-st.lastPos.Lat()) > st.cfg.MinDelta
}

func degDistance(a, b orb.Point) float64 {
	return math.Hypot(a.Lon()-b.Lon(), a.Lat()-b.Lat())
}
