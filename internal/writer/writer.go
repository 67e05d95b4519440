// Package writer implements the bounded queue, batch dispatch,
// health-check gating, and file-backed backlog every sink (InfluxDB,
// Pushover, Redis) shares, plus the concrete sinks themselves.
package writer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/tomvit/yamc-go/internal/component"
	"github.com/tomvit/yamc-go/internal/errs"
	"github.com/tomvit/yamc-go/internal/logging"
	"github.com/tomvit/yamc-go/internal/telemetry"
)

// Envelope is one data point queued for a writer, carrying the
// already-evaluated per-collector writer-config overlay alongside it.
type Envelope struct {
	CollectorID  string
	Data         map[string]any
	WriterConfig map[string]any
}

// Sink is implemented by each concrete writer kind (InfluxDB, Pushover,
// Redis). DoWrite should return a *errs.HealthCheckError for transient
// failures (the batch goes to the backlog, the writer is marked
// unhealthy) and a plain error for permanent ones (the batch is
// dropped and logged, health is untouched).
type Sink interface {
	Healthcheck(ctx context.Context) error
	DoWrite(ctx context.Context, batch []Envelope) error
}

// Writer is the public interface collectors hold to deliver data.
type Writer interface {
	component.Worker
	Write(env Envelope)
}

// Config bundles the writer tunables. WriteInterval 0 is meaningful —
// flush on enqueue, floored to a 10ms wait so the loop never spins —
// so its 10s default is applied by the config layer, not here.
type Config struct {
	WriteInterval       time.Duration // 0 = flush on enqueue
	HealthcheckInterval time.Duration // default 20s
	BatchSize           int           // default 100
	QueueCapacity       int           // bounded channel size, default 10000
	DataDir             string        // backlog root; "<DataDir>/backlog/<id>"
	Test                bool          // disables backlog file I/O
}

func (c *Config) applyDefaults() {
	if c.HealthcheckInterval == 0 {
		c.HealthcheckInterval = 20 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 10000
	}
}

// BaseWriter implements the delivery pipeline every sink shares: a
// bounded in-memory queue, batched dispatch gated on cached health, and
// a file-backed backlog for data a currently-unhealthy sink can't take.
type BaseWriter struct {
	id      string
	enabled bool
	log     logging.Logger
	sink    Sink
	cfg     Config
	backlog *Backlog

	queue chan Envelope

	healthMu       sync.Mutex
	healthy        bool
	lastHealthTime time.Time

	notify chan struct{}
	done   chan struct{}
}

// New constructs a BaseWriter wrapping sink.
func New(id string, enabled bool, log logging.Logger, sink Sink, cfg Config) *BaseWriter {
	cfg.applyDefaults()
	return &BaseWriter{
		id:      id,
		enabled: enabled,
		log:     log,
		sink:    sink,
		cfg:     cfg,
		backlog: NewBacklog(cfg.DataDir, id, cfg.Test),
		queue:   make(chan Envelope, cfg.QueueCapacity),
		done:    make(chan struct{}),
		healthy: true,
		notify:  make(chan struct{}, 1),
	}
}

func (w *BaseWriter) ID() string    { return w.id }
func (w *BaseWriter) Enabled() bool { return w.enabled }

// Write enqueues env if the writer is healthy, or spills it straight
// to the backlog when it is not — never blocking the caller.
func (w *BaseWriter) Write(env Envelope) {
	if !w.IsHealthy(context.Background()) {
		w.backlog.Put([]Envelope{env})
		return
	}
	select {
	case w.queue <- env:
	default:
		w.log.Warn("writer queue full, spilling to backlog", "writer", w.id)
		w.backlog.Put([]Envelope{env})
	}
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// IsHealthy returns the cached health state, re-running the sink's
// Healthcheck once HealthcheckInterval has elapsed since the last
// check.
func (w *BaseWriter) IsHealthy(ctx context.Context) bool {
	w.healthMu.Lock()
	defer w.healthMu.Unlock()
	if time.Since(w.lastHealthTime) < w.cfg.HealthcheckInterval && !w.lastHealthTime.IsZero() {
		return w.healthy
	}
	err := w.sink.Healthcheck(ctx)
	w.lastHealthTime = time.Now()
	w.healthy = err == nil
	telemetry.HealthcheckTotal.WithLabelValues(w.id, strconv.FormatBool(w.healthy)).Inc()
	if err != nil {
		w.log.Warn("writer healthcheck failed", "writer", w.id, "error", err)
	}
	return w.healthy
}

func (w *BaseWriter) markUnhealthy() {
	w.healthMu.Lock()
	defer w.healthMu.Unlock()
	w.healthy = false
	w.lastHealthTime = time.Now()
}

// Start runs the writer's worker loop: drain the queue in
// BatchSize-bounded chunks, then — if healthy — attempt to drain the
// backlog, then wait up to WriteInterval (or until Write wakes it, or
// the exit signal fires) before repeating. On shutdown it performs one
// final drain and spills whatever remains in the queue to the backlog.
func (w *BaseWriter) Start(exit *component.ExitSignal) {
	go func() {
		defer close(w.done)
		wait := w.cfg.WriteInterval
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		for {
			w.tick(context.Background())
			if w.waitTick(exit, wait) {
				break
			}
		}
		if w.IsHealthy(context.Background()) {
			w.drainOneBatch(context.Background())
		}
		w.spillRemaining()
	}()
}

// tick is one pass of the worker loop: one health check gates the
// single in-memory batch this tick sends, and a second IsHealthy read
// after drainOneBatch gates whether the backlog is given a chance to
// catch up. The second read matters: if do_write fails in this tick
// (marking the writer unhealthy), the writer does not attempt another
// do_write call in the same tick while unhealthy.
func (w *BaseWriter) tick(ctx context.Context) {
	if !w.IsHealthy(ctx) {
		return
	}
	w.drainOneBatch(ctx)
	if w.IsHealthy(ctx) {
		w.backlog.Process(ctx, w.cfg.BatchSize, w.deliver)
	}
}

func (w *BaseWriter) waitTick(exit *component.ExitSignal, wait time.Duration) bool {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-exit.Done():
		return true
	case <-t.C:
		return false
	case <-w.notify:
		return false
	}
}

// Join blocks until Start's goroutine has returned: its final queue
// drain and backlog spill are complete. Must only be called after
// Start.
func (w *BaseWriter) Join() {
	<-w.done
}

// Close releases the underlying sink's resources, for sinks that hold
// a connection pool or client (InfluxDB, Redis).
func (w *BaseWriter) Close() error {
	switch c := w.sink.(type) {
	case interface{ Close() error }:
		return c.Close()
	case interface{ Close() }:
		c.Close()
	}
	return nil
}

// drainOneBatch pulls up to BatchSize envelopes already sitting in the
// queue (never blocking for more to arrive) and hands them to do_write
// as a single batch, enforcing the batch-bound invariant: no call to
// do_write ever carries more than BatchSize envelopes.
func (w *BaseWriter) drainOneBatch(ctx context.Context) {
	var batch []Envelope
drain:
	for len(batch) < w.cfg.BatchSize {
		select {
		case env := <-w.queue:
			batch = append(batch, env)
		default:
			break drain
		}
	}
	if len(batch) > 0 {
		w.flush(ctx, batch)
	}
}

func (w *BaseWriter) flush(ctx context.Context, batch []Envelope) {
	telemetry.BatchSize.WithLabelValues(w.id).Observe(float64(len(batch)))
	ctx, span := telemetry.Tracer("yamc/writer").Start(ctx, "writer.do_write")
	err := w.sink.DoWrite(ctx, batch)
	span.End()
	if err != nil {
		if errs.IsHealthCheck(err) {
			w.log.Warn("write failed, marking writer unhealthy", "writer", w.id, "error", err)
			w.markUnhealthy()
			w.backlog.Put(batch)
			telemetry.WritesTotal.WithLabelValues(w.id, "deferred").Inc()
		} else {
			w.log.Error("write failed permanently, dropping batch", "writer", w.id, "error", err, "batch_size", len(batch))
			telemetry.WritesTotal.WithLabelValues(w.id, "dropped").Inc()
		}
		return
	}
	telemetry.WritesTotal.WithLabelValues(w.id, "delivered").Inc()
}

// deliver is the do_write callback Backlog.Process redelivers through.
// A HealthCheck error marks the writer unhealthy and is returned so
// Process stops (the entry stays backlogged for the next tick); an
// Other error is logged and dropped (nil return) so Process removes
// the offending entry and keeps catching up on the rest — a malformed
// batch must not wedge replay of everything behind it forever.
func (w *BaseWriter) deliver(ctx context.Context, batch []Envelope) error {
	ctx, span := telemetry.Tracer("yamc/writer").Start(ctx, "writer.do_write")
	defer span.End()
	err := w.sink.DoWrite(ctx, batch)
	if err != nil {
		if errs.IsHealthCheck(err) {
			w.log.Warn("backlog redelivery failed, marking writer unhealthy", "writer", w.id, "error", err)
			w.markUnhealthy()
			return err
		}
		w.log.Error("backlog redelivery failed permanently, dropping batch", "writer", w.id, "error", err, "batch_size", len(batch))
		telemetry.WritesTotal.WithLabelValues(w.id, "dropped").Inc()
		return nil
	}
	telemetry.WritesTotal.WithLabelValues(w.id, "delivered_from_backlog").Inc()
	return nil
}

func (w *BaseWriter) spillRemaining() {
	var rest []Envelope
	for {
		select {
		case env := <-w.queue:
			rest = append(rest, env)
		default:
			if len(rest) > 0 {
				w.backlog.Put(rest)
			}
			return
		}
	}
}
