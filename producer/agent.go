// Package producer implements the metering side: the load model of a
// meter, the bounded queue between its reading generator and its
// batcher, the transmitter to the ingestion server, and the fleet that
// runs many agents over one shared encryption engine.
//
// An Agent runs two loops. The generator emits one reading per interval
// into the queue; the batcher drains the queue, flushes a batch when it
// is full or when its oldest reading has waited long enough, encrypts it
// and sends it as one packet. When the batcher falls behind, the queue
// policy decides: drop the oldest readings (counted) or block the
// generator.
package producer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tuneinsight/hemeter"
	"github.com/tuneinsight/hemeter/codec"
	"github.com/tuneinsight/hemeter/engine"
	"github.com/tuneinsight/hemeter/telemetry"
	"github.com/tuneinsight/hemeter/wire"
)

// Config parameterizes an Agent.
type Config struct {
	// Interval is the period of the reading generator.
	Interval time.Duration
	// BatchSize is the number of readings that triggers a flush.
	BatchSize int
	// MaxWait is the longest a reading waits in a partial batch.
	MaxWait time.Duration
	// QueueSize is the capacity of the queue between the two loops.
	QueueSize int
	// Policy is applied when the queue is full.
	Policy Policy
	// Timeout bounds each transmission attempt.
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// Backoff is the wait before the first retry. It doubles with every
	// retry up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Grace bounds the time a send in flight at shutdown may still take,
	// then the time spent flushing what is left.
	Grace time.Duration
	// Compression is applied to the ciphertext payloads.
	Compression codec.Compression
	// Model is the load curve of the meter.
	Model ModelConfig
}

// DefaultConfig reads every 5 seconds and sends batches of 5.
var DefaultConfig = Config{
	Interval:    5 * time.Second,
	BatchSize:   5,
	MaxWait:     30 * time.Second,
	QueueSize:   100,
	Policy:      DropOldest,
	Timeout:     10 * time.Second,
	MaxRetries:  3,
	Backoff:     500 * time.Millisecond,
	MaxBackoff:  10 * time.Second,
	Grace:       5 * time.Second,
	Compression: codec.CompressionZstd,
	Model:       DefaultModel,
}

// Validate checks the configuration.
func (cfg Config) Validate() error {
	switch {
	case cfg.Interval <= 0:
		return fmt.Errorf("invalid producer config: interval %s must be positive", cfg.Interval)
	case cfg.BatchSize <= 0:
		return fmt.Errorf("invalid producer config: batch size %d must be positive", cfg.BatchSize)
	case cfg.MaxWait <= 0:
		return fmt.Errorf("invalid producer config: max wait %s must be positive", cfg.MaxWait)
	case cfg.QueueSize < cfg.BatchSize:
		return fmt.Errorf("invalid producer config: queue size %d is smaller than batch size %d", cfg.QueueSize, cfg.BatchSize)
	case cfg.Policy != DropOldest && cfg.Policy != Block:
		return fmt.Errorf("invalid producer config: unknown policy %s", cfg.Policy)
	case cfg.Timeout <= 0:
		return fmt.Errorf("invalid producer config: timeout %s must be positive", cfg.Timeout)
	case cfg.MaxRetries < 0:
		return fmt.Errorf("invalid producer config: max retries %d is negative", cfg.MaxRetries)
	case cfg.Backoff <= 0 || cfg.MaxBackoff < cfg.Backoff:
		return fmt.Errorf("invalid producer config: backoff %s must be positive and at most %s", cfg.Backoff, cfg.MaxBackoff)
	case cfg.Grace < 0:
		return fmt.Errorf("invalid producer config: grace %s is negative", cfg.Grace)
	}
	if _, err := codec.ParseCompression(cfg.Compression.String()); err != nil {
		return fmt.Errorf("invalid producer config: %w", err)
	}
	return cfg.Model.Validate()
}

// AgentStats are the counters of an Agent. Once the agent has stopped,
// Generated = Sent + Dropped + Lost.
type AgentStats struct {
	Source      string `json:"source"`
	Generated   int64  `json:"generated"`
	Dropped     int64  `json:"dropped"`
	Sent        int64  `json:"sent"`
	Lost        int64  `json:"lost"`
	Batches     int64  `json:"batches"`
	BatchesLost int64  `json:"batches_lost"`
	Retries     int64  `json:"retries"`
	Bytes       int64  `json:"bytes"`
	Queued      int    `json:"queued"`
}

func (s *AgentStats) add(o AgentStats) {
	s.Generated += o.Generated
	s.Dropped += o.Dropped
	s.Sent += o.Sent
	s.Lost += o.Lost
	s.Batches += o.Batches
	s.BatchesLost += o.BatchesLost
	s.Retries += o.Retries
	s.Bytes += o.Bytes
	s.Queued += o.Queued
}

// Agent is the producer of one source.
type Agent struct {
	id     string
	cfg    Config
	engine *engine.Engine
	tx     Transmitter
	model  *LoadModel
	queue  *Queue
	rec    telemetry.Recorder
	logger *slog.Logger

	// seq is only used by the batcher.
	seq uint64

	generated, dropped, sent, lost atomic.Int64
	batches, batchesLost, retries  atomic.Int64
	bytes                          atomic.Int64
}

// NewAgent returns the agent of the meter with the given index. The
// agent owns tx and closes it when Run returns. A nil recorder or logger
// discards events.
func NewAgent(id string, index int, seed []byte, eng *engine.Engine, tx Transmitter, cfg Config, rec telemetry.Recorder, logger *slog.Logger) (*Agent, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Model.Max >= eng.Context().Capacity(eng.Context().Scale().Float64()) {
		return nil, hemeter.Errorf(hemeter.RangeError, "create agent", "readings up to %g do not fit in the context", cfg.Model.Max)
	}

	model, err := NewLoadModel(cfg.Model, seed, id, index)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		rec = telemetry.Nop{}
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Agent{
		id:     id,
		cfg:    cfg,
		engine: eng,
		tx:     tx,
		model:  model,
		queue:  NewQueue(cfg.QueueSize, cfg.Policy),
		rec:    rec,
		logger: logger.With("source", id),
	}, nil
}

// ID returns the source id of the agent.
func (a *Agent) ID() string {
	return a.id
}

// Queue returns the queue between the two loops.
func (a *Agent) Queue() *Queue {
	return a.queue
}

// Stats returns a snapshot of the counters.
func (a *Agent) Stats() AgentStats {
	return AgentStats{
		Source:      a.id,
		Generated:   a.generated.Load(),
		Dropped:     a.dropped.Load(),
		Sent:        a.sent.Load(),
		Lost:        a.lost.Load(),
		Batches:     a.batches.Load(),
		BatchesLost: a.batchesLost.Load(),
		Retries:     a.retries.Load(),
		Bytes:       a.bytes.Load(),
		Queued:      a.queue.Len(),
	}
}

// Run runs the generator and the batcher until ctx is done, then flushes
// what is left within the grace period. It returns nil on cancellation.
func (a *Agent) Run(ctx context.Context) error {

	defer a.tx.Close()

	a.logger.Info("agent started", "interval", a.cfg.Interval, "batch", a.cfg.BatchSize, "policy", a.cfg.Policy)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.generate(gctx) })
	g.Go(func() error { return a.batch(gctx) })

	err := g.Wait()

	a.logger.Info("agent stopped", "generated", a.generated.Load(), "sent", a.sent.Load(), "dropped", a.dropped.Load(), "lost", a.lost.Load())

	return err
}

// Push enqueues a reading as the generator does.
func (a *Agent) Push(ctx context.Context, r Reading) error {

	dropped, err := a.queue.Push(ctx, r)
	if err != nil {
		return err
	}

	a.generated.Add(1)
	a.rec.Add(a.id, telemetry.ReadingsGenerated, 1)

	if dropped > 0 {
		a.dropped.Add(int64(dropped))
		a.rec.Add(a.id, telemetry.ReadingsDropped, int64(dropped))
	}

	return nil
}

func (a *Agent) generate(ctx context.Context) error {

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r := Reading{SourceID: a.id, Time: now, Value: a.model.Next(now)}
			if err := a.Push(ctx, r); err != nil {
				// Only a blocked push fails, on cancellation.
				return nil
			}
		}
	}
}

func (a *Agent) batch(ctx context.Context) error {

	var (
		pending []Reading
		timer   *time.Timer
		expire  <-chan time.Time
	)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, expire = nil, nil
		}
	}

	for {
		expired := false

		select {
		case <-ctx.Done():
			stopTimer()
			a.drain(pending)
			return nil
		case <-a.queue.Ready():
		case <-expire:
			timer, expire = nil, nil
			expired = true
		}

		pending = append(pending, a.queue.PopN(a.cfg.BatchSize-len(pending))...)

		switch {
		case len(pending) >= a.cfg.BatchSize || (expired && len(pending) > 0):
			stopTimer()
			fctx, cancel := a.graceful(ctx)
			a.flush(fctx, pending)
			cancel()
			pending = nil
		case len(pending) > 0 && expire == nil:
			timer = time.NewTimer(a.cfg.MaxWait)
			expire = timer.C
		}
	}
}

// graceful returns a context that is cancelled a grace period after ctx,
// so that a batch in flight at shutdown can still be acknowledged.
func (a *Agent) graceful(ctx context.Context) (context.Context, context.CancelFunc) {

	gctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}

		timer := time.NewTimer(a.cfg.Grace)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			cancel()
		}
	}()

	return gctx, func() {
		close(done)
		cancel()
	}
}

// drain flushes the pending readings and the queue within the grace
// period. What cannot be sent in time is counted as lost.
func (a *Agent) drain(pending []Reading) {

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Grace)
	defer cancel()

	for {
		pending = append(pending, a.queue.PopN(a.cfg.BatchSize-len(pending))...)
		if len(pending) == 0 {
			return
		}

		if ctx.Err() != nil {
			n := len(pending) + len(a.queue.PopN(a.queue.Cap()))
			a.lose(n, 0)
			a.logger.Warn("grace period elapsed, abandoning readings", "readings", n)
			return
		}

		a.flush(ctx, pending)
		pending = nil
	}
}

// flush encrypts and sends one batch. The sequence numbers are consumed
// whether or not the batch is delivered.
func (a *Agent) flush(ctx context.Context, batch []Reading) {

	values := make([]float64, len(batch))
	for i, r := range batch {
		values[i] = r.Value
	}

	seq := a.seq

	start := time.Now()
	cts, err := a.engine.EncryptBatch(a.id, seq, values)
	if err != nil {
		a.seq++
		a.lose(len(values), 1)
		a.logger.Error("cannot encrypt batch", "seq", seq, "error", err)
		return
	}
	a.seq += uint64(len(cts))
	a.rec.Observe(a.id, telemetry.Encryption, time.Since(start))

	p, err := wire.NewPacket(a.id, cts, a.cfg.Compression)
	if err != nil {
		a.lose(len(values), 1)
		a.logger.Error("cannot build packet", "seq", seq, "error", err)
		return
	}

	if err = a.deliver(ctx, p); err != nil {
		a.lose(len(values), 1)
		a.logger.Warn("batch lost", "seq", seq, "readings", len(values), "kind", hemeter.KindOf(err), "error", err)
		return
	}

	a.sent.Add(int64(len(values)))
	a.batches.Add(1)
	a.bytes.Add(int64(p.Bytes()))
	a.rec.Add(a.id, telemetry.ReadingsSent, int64(len(values)))
	a.rec.Add(a.id, telemetry.BatchesSent, 1)
	a.rec.Add(a.id, telemetry.BytesSent, int64(p.Bytes()))
}

func (a *Agent) lose(readings, batches int) {
	a.lost.Add(int64(readings))
	a.batchesLost.Add(int64(batches))
	a.rec.Add(a.id, telemetry.ReadingsLost, int64(readings))
	a.rec.Add(a.id, telemetry.BatchesLost, int64(batches))
}

// deliver sends p, retrying transient failures with exponential backoff.
// Rejections are not retried.
func (a *Agent) deliver(ctx context.Context, p *wire.Packet) error {

	backoff := a.cfg.Backoff

	for attempt := 0; ; attempt++ {

		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		start := time.Now()
		ack, err := a.tx.Send(callCtx, p)
		cancel()

		if err == nil {
			a.rec.Observe(a.id, telemetry.Communication, time.Since(start))
			if ack.Status == wire.AckDuplicate {
				a.logger.Debug("batch partially stored before", "seq", p.Items[0].Seq, "stored", ack.Stored)
			}
			return nil
		}

		if !hemeter.IsTransient(err) || attempt >= a.cfg.MaxRetries || ctx.Err() != nil {
			return err
		}

		a.retries.Add(1)
		a.rec.Add(a.id, telemetry.Retries, 1)
		a.logger.Warn("send failed, will retry", "seq", p.Items[0].Seq, "attempt", attempt+1, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return err
		}

		backoff = min(2*backoff, a.cfg.MaxBackoff)
	}
}
