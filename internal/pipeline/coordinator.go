// Package pipeline orchestrates ingestion: validate, persist, evaluate
// alert rules, publish. Readings are hash-partitioned by parcel_id onto
// shard workers; each shard is the single writer for its parcels' window
// state, so same-parcel readings apply in arrival order while different
// parcels proceed fully in parallel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"greendelivery/ingestion/internal/config"
	"greendelivery/ingestion/internal/domain"
	"greendelivery/ingestion/internal/metrics"
	"greendelivery/ingestion/internal/rules"
	"greendelivery/ingestion/internal/validate"
)

// Store is the durable write path. All writes must be idempotent under
// retry; see store.PostgresStore.
type Store interface {
	InsertTelemetry(ctx context.Context, readings []*domain.TelemetryReading) error
	ApplyAlertTransition(ctx context.Context, tr *domain.AlertTransition) error
	InsertRejection(ctx context.Context, raw *domain.RawReading, reason *domain.RejectionReason) error
}

// StatePublisher feeds the live views: parcel state, the operator alert
// channel, and the dead-letter sink. Best effort next to the Store.
type StatePublisher interface {
	UpdateParcelState(ctx context.Context, r *domain.TelemetryReading) error
	PublishAlert(ctx context.Context, tr *domain.AlertTransition) error
	PushDeadLetter(ctx context.Context, payload []byte) error
}

// AlertSink receives alert transitions for in-process consumers (the
// websocket hub). Notify must not block.
type AlertSink interface {
	Notify(tr *domain.AlertTransition)
}

const rejectionAuditTimeout = 2 * time.Second

type job struct {
	reading *domain.TelemetryReading
	raw     *domain.RawReading
	reply   chan domain.IngestOutcome

	// sweepAt marks a connectivity-gap sweep instead of a reading.
	sweepAt time.Time
}

type shard struct {
	jobs    chan job
	windows map[string]*rules.ParcelWindow

	// pending holds alert transitions whose persistence failed; they are
	// retried, in order, before any newer transition for the same parcel.
	pending map[string][]*domain.AlertTransition
}

type Coordinator struct {
	cfg    *config.Config
	store  Store
	state  StatePublisher
	engine *rules.Engine
	sink   AlertSink
	log    *slog.Logger

	shards  []*shard
	stateCh chan *domain.TelemetryReading

	runCtx context.Context
	wg     sync.WaitGroup
}

func NewCoordinator(cfg *config.Config, st Store, sp StatePublisher, engine *rules.Engine, sink AlertSink, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	n := cfg.Shards
	if n < 1 {
		n = 1
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{
			jobs:    make(chan job, cfg.ShardQueueSize),
			windows: make(map[string]*rules.ParcelWindow),
			pending: make(map[string][]*domain.AlertTransition),
		}
	}
	return &Coordinator{
		cfg:     cfg,
		store:   st,
		state:   sp,
		engine:  engine,
		sink:    sink,
		log:     log,
		shards:  shards,
		stateCh: make(chan *domain.TelemetryReading, cfg.StateChannelSize),
	}
}

// Start launches shard workers, the live-state writer and the gap sweeper.
// Everything winds down when ctx is cancelled; Wait blocks until then.
func (c *Coordinator) Start(ctx context.Context) {
	c.runCtx = ctx

	for _, sh := range c.shards {
		c.wg.Add(1)
		go func(sh *shard) {
			defer c.wg.Done()
			c.runShard(ctx, sh)
		}(sh)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runStateWriter(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runSweeper(ctx)
	}()
}

// Wait blocks until all pipeline goroutines have exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Ingest validates one raw record and routes it to its parcel's shard.
// Blocks until the shard has processed it, ctx is cancelled, or the
// pipeline is shutting down. Safe for concurrent use.
func (c *Coordinator) Ingest(ctx context.Context, raw *domain.RawReading) domain.IngestOutcome {
	metrics.MessagesReceived.Add(1)

	if c.runCtx == nil {
		return domain.Errored(errors.New("pipeline not started"))
	}

	reading, rej := validate.Validate(*raw, time.Now().UTC(), c.cfg.FutureSkewTolerance())
	if rej != nil {
		metrics.Rejected.Add(1)
		auditCtx, cancel := context.WithTimeout(context.Background(), rejectionAuditTimeout)
		defer cancel()
		if err := c.store.InsertRejection(auditCtx, raw, rej); err != nil {
			c.log.Warn("rejection audit write failed",
				"parcel_id", raw.ParcelID, "field", rej.Field, "err", err)
		}
		return domain.Rejected(rej)
	}

	sh := c.shards[shardFor(reading.ParcelID, len(c.shards))]
	j := job{reading: reading, raw: raw, reply: make(chan domain.IngestOutcome, 1)}

	select {
	case sh.jobs <- j:
	case <-ctx.Done():
		metrics.TransientErrors.Add(1)
		return domain.Errored(ctx.Err())
	case <-c.runCtx.Done():
		return domain.Errored(errors.New("pipeline shutting down"))
	}

	// reply is buffered: if the caller gives up the worker still completes
	// the job and the send does not leak.
	select {
	case out := <-j.reply:
		return out
	case <-ctx.Done():
		metrics.TransientErrors.Add(1)
		return domain.Errored(ctx.Err())
	}
}

// SweepNow posts one gap-detection sweep to every shard. Called by the
// internal ticker; exported so tests and operators can trigger it directly.
func (c *Coordinator) SweepNow(now time.Time) {
	for _, sh := range c.shards {
		select {
		case sh.jobs <- job{sweepAt: now}:
		default:
			// Shard saturated with readings; gap detection can wait a
			// tick rather than add to the backlog.
		}
	}
}

func (c *Coordinator) runSweeper(ctx context.Context) {
	interval := c.cfg.Gap() / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			c.SweepNow(now.UTC())
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) runShard(ctx context.Context, sh *shard) {
	for {
		select {
		case j := <-sh.jobs:
			if !j.sweepAt.IsZero() {
				c.sweep(ctx, sh, j.sweepAt)
				continue
			}
			j.reply <- c.process(ctx, sh, j)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) process(ctx context.Context, sh *shard, j job) domain.IngestOutcome {
	r := j.reading
	w := c.window(sh, r.ParcelID)
	r.Late = w.IsLate(r.Timestamp)

	// Telemetry durability comes first: bounded retries, then dead-letter.
	if err := c.retry(ctx, func() error {
		return c.store.InsertTelemetry(ctx, []*domain.TelemetryReading{r})
	}); err != nil {
		metrics.DBWriteFailures.Add(1)
		metrics.TransientErrors.Add(1)
		c.deadLetter(ctx, j.raw.Payload, r)
		c.log.Error("telemetry write failed after retries",
			"parcel_id", r.ParcelID, "ts", r.Timestamp, "err", err)
		return domain.Errored(fmt.Errorf("%w: %w", domain.ErrTransientStorage, err))
	}
	metrics.DBWriteSuccess.Add(1)

	// Alert-path failures never un-accept a persisted reading; failed
	// transitions stay pending on the shard and retry on later traffic.
	transitions := c.engine.Evaluate(w, r)
	c.applyAlerts(ctx, sh, r.ParcelID, transitions)

	select {
	case c.stateCh <- r:
	default:
		metrics.StateChannelDrops.Add(1)
	}

	metrics.Accepted.Add(1)
	return domain.Accepted()
}

func (c *Coordinator) sweep(ctx context.Context, sh *shard, now time.Time) {
	for id, w := range sh.windows {
		transitions := c.engine.Sweep(w, now)
		if len(transitions) > 0 || len(sh.pending[id]) > 0 {
			c.applyAlerts(ctx, sh, id, transitions)
		}
	}
}

// applyAlerts persists pending plus new transitions for one parcel, in
// order, stopping at the first transient failure so ordering is preserved.
func (c *Coordinator) applyAlerts(ctx context.Context, sh *shard, parcelID string, transitions []domain.AlertTransition) {
	queue := sh.pending[parcelID]
	for i := range transitions {
		queue = append(queue, &transitions[i])
	}

	applied := 0
	for _, tr := range queue {
		err := c.retry(ctx, func() error {
			return c.store.ApplyAlertTransition(ctx, tr)
		})
		if err != nil {
			if errors.Is(err, domain.ErrInvariantViolation) {
				// Programmer error: report loudly, never retry.
				c.log.Error("alert invariant violation",
					"parcel_id", parcelID, "kind", tr.Alert.Kind, "type", tr.Type, "err", err)
				applied++
				continue
			}
			metrics.AlertPathDegraded.Add(1)
			c.log.Warn("alert persistence degraded, will retry",
				"parcel_id", parcelID, "kind", tr.Alert.Kind, "type", tr.Type,
				"queued", len(queue)-applied, "err", err)
			break
		}
		applied++

		switch tr.Type {
		case domain.TransitionOpened:
			metrics.AlertsOpened.Add(1)
		case domain.TransitionClosed:
			metrics.AlertsClosed.Add(1)
		}
		if err := c.state.PublishAlert(ctx, tr); err != nil {
			c.log.Warn("alert publish failed", "parcel_id", parcelID, "err", err)
		}
		if c.sink != nil {
			c.sink.Notify(tr)
		}
	}

	queue = queue[applied:]
	if limit := c.cfg.PendingAlertCap; limit > 0 && len(queue) > limit {
		for _, tr := range queue[:len(queue)-limit] {
			c.deadLetterTransition(ctx, tr)
		}
		queue = queue[len(queue)-limit:]
	}
	if len(queue) == 0 {
		delete(sh.pending, parcelID)
	} else {
		sh.pending[parcelID] = queue
	}
}

func (c *Coordinator) window(sh *shard, parcelID string) *rules.ParcelWindow {
	w, ok := sh.windows[parcelID]
	if !ok {
		w = rules.NewParcelWindow(parcelID, c.cfg.WindowSpan(), c.cfg.WindowMaxReadings)
		sh.windows[parcelID] = w
	}
	return w
}

// retry runs op with bounded exponential backoff. Invariant violations are
// permanent and returned immediately.
func (c *Coordinator) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.WriteRetryInitial()
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, domain.ErrInvariantViolation) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.WriteRetryAttempts)), ctx))
}

func (c *Coordinator) deadLetter(ctx context.Context, payload []byte, r *domain.TelemetryReading) {
	if len(payload) == 0 {
		payload = r.RawPayload
	}
	if len(payload) == 0 {
		payload = []byte(`{"parcel_id":"` + r.ParcelID + `","ts":"` + r.Timestamp.Format(time.RFC3339) + `"}`)
	}
	if err := c.state.PushDeadLetter(ctx, payload); err != nil {
		c.log.Error("dead-letter push failed", "parcel_id", r.ParcelID, "err", err)
		return
	}
	metrics.DeadLettered.Add(1)
}

func (c *Coordinator) deadLetterTransition(ctx context.Context, tr *domain.AlertTransition) {
	payload := []byte(`{"type":"` + string(tr.Type) + `","parcel_id":"` + tr.Alert.ParcelID +
		`","kind":"` + string(tr.Alert.Kind) + `","opened_at":"` + tr.Alert.OpenedAt.Format(time.RFC3339) + `"}`)
	if err := c.state.PushDeadLetter(ctx, payload); err != nil {
		c.log.Error("dead-letter push failed", "parcel_id", tr.Alert.ParcelID, "err", err)
		return
	}
	metrics.DeadLettered.Add(1)
}

func shardFor(parcelID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(parcelID))
	return int(h.Sum32()) % n
}
