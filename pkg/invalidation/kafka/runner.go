// Package kafka consumes layer invalidation events and evicts the matching
// layer cache entries.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/oceanview/internal/core/observability"
	"github.com/mohammed-shakir/oceanview/internal/invalidation"
)

// LayerCache is the subset of the layer cache the runner evicts from.
type LayerCache interface {
	Remove(datasetID, date string) bool
	RemoveDataset(datasetID string) int
	InvalidateAll()
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	cache    LayerCache
	ms       *metricSet
	ver      *versionDedupe
	onApply  func(invalidation.Event)
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	// OnApply runs after an event changed the cache.
	OnApply func(invalidation.Event)
}

func New(cfg InvalidationConfig, c LayerCache, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:     opts.Logger,
		cfg:     cfg,
		cache:   c,
		ms:      newMetricSet(opts.Register),
		ver:     newVersionDedupe(8192),
		onApply: opts.OnApply,
		assign:  map[int32]struct{}{},
	}
}

// Enabled reports whether Start will connect to Kafka.
func (r *Runner) Enabled() bool {
	return r.cfg.Enabled && r.cfg.Driver == DriverKafka
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.Enabled() {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.cache == nil {
		return errors.New("kafka runner: layer cache is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "oceanview"
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
		log:     r.log,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("layer invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("layer invalidation runner stopped")
}

// Readiness reports whether partitions are assigned. A disabled runner is
// always ready.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.Enabled() {
		return true, nil
	}
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

func (r *Runner) handleMessage(_ context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
		return fmt.Errorf("decode: %w", err)
	}
	if err := ev.Validate(); err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
		return fmt.Errorf("validate: %w", err)
	}

	ts := ev.TS
	if ts.IsZero() {
		ts = msg.Timestamp
	}
	if !ts.IsZero() {
		observability.SetInvalidationLagSeconds(time.Since(ts).Seconds())
	}

	r.apply(ev)
	r.ms.msgs.WithLabelValues("ok").Inc()
	r.ms.proc.WithLabelValues(string(ev.Op)).Observe(time.Since(start).Seconds())
	return nil
}

func (r *Runner) apply(ev invalidation.Event) {
	if !r.ver.shouldApply(ev.Scope(), ev.Version) {
		r.ms.apply.WithLabelValues("skip_version").Inc()
		return
	}

	label := ev.DatasetID
	switch ev.Op {
	case invalidation.OpLayer:
		if !r.cache.Remove(ev.DatasetID, ev.Date) {
			r.ms.apply.WithLabelValues("absent").Inc()
			return
		}
		r.ms.apply.WithLabelValues("remove").Inc()
	case invalidation.OpDataset:
		n := r.cache.RemoveDataset(ev.DatasetID)
		r.ms.apply.WithLabelValues("remove").Add(float64(n))
	case invalidation.OpAll:
		r.cache.InvalidateAll()
		r.ms.apply.WithLabelValues("purge").Inc()
		label = "*"
	}

	if !ev.TS.IsZero() {
		observability.SetDatasetInvalidatedAt(label, ev.TS)
	}
	r.log.Debug("layer invalidation applied",
		"op", string(ev.Op), "dataset", ev.DatasetID, "date", ev.Date, "version", ev.Version)
	if r.onApply != nil {
		r.onApply(ev)
	}
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
	log     *slog.Logger
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

// ConsumeClaim marks malformed messages as consumed after logging them so a
// poison message cannot stall the partition.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			h.log.Warn("skipping invalidation message",
				"partition", msg.Partition, "offset", msg.Offset, "err", err)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
