// Package server implements the ingestion server: it accepts framed
// packets from the producers over TCP, validates them against its
// Context, appends their ciphertexts to the per-source Store and runs
// aggregations over consistent snapshots of it. The server never holds
// the secret key.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tuneinsight/hemeter"
	"github.com/tuneinsight/hemeter/aggregator"
	"github.com/tuneinsight/hemeter/engine"
	"github.com/tuneinsight/hemeter/telemetry"
	"github.com/tuneinsight/hemeter/wire"
)

// Config parameterizes a Server.
type Config struct {
	// Addr is the TCP address of the ingestion listener.
	Addr string
	// MaxConnections bounds the number of connections served at once.
	// Further connections wait in the listen backlog.
	MaxConnections int
	// IdleTimeout closes a connection that sends no frame for that long.
	IdleTimeout time.Duration
	// WriteTimeout bounds the write of an ack.
	WriteTimeout time.Duration
	// MaxFrameSize bounds the body of a frame.
	MaxFrameSize int
}

// DefaultConfig listens on port 5000 for at most 20 connections.
var DefaultConfig = Config{
	Addr:           ":5000",
	MaxConnections: 20,
	IdleTimeout:    60 * time.Second,
	WriteTimeout:   10 * time.Second,
	MaxFrameSize:   wire.DefaultMaxFrameSize,
}

// Validate checks the configuration.
func (cfg Config) Validate() error {
	switch {
	case cfg.MaxConnections <= 0:
		return fmt.Errorf("invalid server config: max connections %d must be positive", cfg.MaxConnections)
	case cfg.IdleTimeout <= 0:
		return fmt.Errorf("invalid server config: idle timeout %s must be positive", cfg.IdleTimeout)
	case cfg.WriteTimeout <= 0:
		return fmt.Errorf("invalid server config: write timeout %s must be positive", cfg.WriteTimeout)
	case cfg.MaxFrameSize < wire.HeaderSize:
		return fmt.Errorf("invalid server config: max frame size %d is too small", cfg.MaxFrameSize)
	}
	return nil
}

// Sink receives the results of the aggregations.
type Sink interface {
	Save(ctx context.Context, res *aggregator.Result) error
}

// Options are the optional collaborators of a Server.
type Options struct {
	// Sink, if not nil, receives every result.
	Sink Sink
	// Recorder, if not nil, receives the server events.
	Recorder telemetry.Recorder
	Logger   *slog.Logger
}

// ConnState is the state of an ingestion connection.
type ConnState uint8

const (
	// Connecting until the first frame is received.
	Connecting ConnState = iota
	// Streaming while frames are received and stored.
	Streaming
	// Closed on EOF, malformed input, idle timeout or shutdown.
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// recorderSource is the source under which the server records the
// events that belong to no producer.
const recorderSource = "server"

// Server is the ingestion server.
type Server struct {
	ctx    *engine.Context
	agg    *aggregator.Aggregator
	store  *Store
	cfg    Config
	sink   Sink
	rec    telemetry.Recorder
	memory *telemetry.Memory
	logger *slog.Logger

	sem chan struct{}

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool

	accepted   atomic.Int64
	frames     atomic.Int64
	rejected   atomic.Int64
	duplicates atomic.Int64
	results    atomic.Int64
}

// New returns a Server that stores ciphertexts of the Context of agg and
// aggregates them with agg.
func New(agg *aggregator.Aggregator, cfg Config, opts Options) (*Server, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		ctx:    agg.Context(),
		agg:    agg,
		store:  NewStore(),
		cfg:    cfg,
		sink:   opts.Sink,
		memory: telemetry.NewMemory(),
		logger: logger,
		sem:    make(chan struct{}, cfg.MaxConnections),
		conns:  map[net.Conn]struct{}{},
	}

	s.rec = s.memory
	if opts.Recorder != nil {
		s.rec = telemetry.Tee(s.memory, opts.Recorder)
	}

	return s, nil
}

// Context returns the Context the server accepts ciphertexts of.
func (s *Server) Context() *engine.Context {
	return s.ctx
}

// Store returns the store of the server.
func (s *Server) Store() *Store {
	return s.store
}

// ListenAndServe listens on the configured address and serves until ctx
// is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// every connection and waits for their handlers to return. It returns
// nil after a cancellation.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {

	s.logger.Info("server listening", "addr", ln.Addr().String(), "fingerprint", s.ctx.Fingerprint().Short(), "max_connections", s.cfg.MaxConnections)

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.closeConns()
	})
	defer stop()

	var g errgroup.Group
	var err error

loop:
	for {

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}

		conn, aerr := ln.Accept()
		if aerr != nil {
			<-s.sem
			if ctx.Err() == nil {
				err = fmt.Errorf("cannot accept: %w", aerr)
			}
			break loop
		}

		if !s.track(conn) {
			conn.Close()
			<-s.sem
			break loop
		}

		s.accepted.Add(1)

		g.Go(func() error {
			defer func() { <-s.sem }()
			defer s.untrack(conn)
			s.handle(ctx, conn)
			return nil
		})
	}

	ln.Close()
	s.closeConns()
	g.Wait()

	s.logger.Info("server stopped", "sources", s.store.Len(), "frames", s.frames.Load(), "rejected", s.rejected.Load())

	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for conn := range s.conns {
		conn.Close()
	}
}

// handle runs the receive loop of one connection.
func (s *Server) handle(ctx context.Context, conn net.Conn) {

	defer conn.Close()

	logger := s.logger.With("remote", conn.RemoteAddr().String())

	state := Connecting
	logger.Debug("connection state", "state", state)

	defer func() {
		logger.Debug("connection state", "state", Closed)
	}()

	for {

		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		p, err := wire.ReadPacket(conn, s.cfg.MaxFrameSize)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
			case ctx.Err() != nil:
			case hemeter.KindOf(err) == hemeter.MalformedPacket:
				s.reject(conn, logger, err)
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.Info("connection idle, closing", "idle_timeout", s.cfg.IdleTimeout)
			default:
				logger.Warn("cannot read frame", "error", err)
			}
			return
		}

		if state == Connecting {
			state = Streaming
			logger.Debug("connection state", "state", state, "source", p.SourceID)
		}

		ack, err := s.ingest(p)
		if err != nil {
			s.reject(conn, logger.With("source", p.SourceID), err)
			return
		}

		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err = wire.WriteAck(conn, ack); err != nil {
			logger.Warn("cannot write ack", "source", p.SourceID, "error", err)
			return
		}
	}
}

// reject acknowledges a packet that failed with err. The caller closes
// the connection.
func (s *Server) reject(conn net.Conn, logger *slog.Logger, err error) {

	s.rejected.Add(1)
	s.rec.Add(recorderSource, telemetry.FramesRejected, 1)

	logger.Warn("packet rejected", "kind", hemeter.KindOf(err), "error", err)

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if werr := wire.WriteAck(conn, wire.Reject(err)); werr != nil {
		logger.Debug("cannot write rejection", "error", werr)
	}
}

// ingest validates, decodes and stores a packet. The decoding happens
// before the store is touched.
func (s *Server) ingest(p *wire.Packet) (*wire.Ack, error) {

	if err := p.Validate(s.ctx.MaxPayloadSize()); err != nil {
		return nil, err
	}

	cts, err := p.Ciphertexts(s.ctx)
	if err != nil {
		return nil, err
	}

	stored, duplicates, err := s.store.Append(p.SourceID, cts, p.Bytes())
	if err != nil {
		return nil, hemeter.Wrap(hemeter.MalformedPacket, "store packet", err)
	}

	s.frames.Add(1)

	ack := &wire.Ack{Status: wire.AckOK, Stored: stored}

	readings := 0
	for _, ct := range cts[duplicates:] {
		readings += ct.Count
	}

	s.rec.Add(p.SourceID, telemetry.ReadingsStored, int64(readings))

	if duplicates > 0 {
		ack.Status = wire.AckDuplicate
		s.duplicates.Add(int64(duplicates))
		s.rec.Add(p.SourceID, telemetry.DuplicateItems, int64(duplicates))
		s.logger.Info("duplicate items skipped", "source", p.SourceID, "seq", p.Items[0].Seq, "duplicates", duplicates, "stored", stored)
	}

	if transit := time.Since(time.Unix(0, p.SentAt)); transit >= 0 {
		s.rec.Observe(p.SourceID, telemetry.Transit, transit)
	}

	s.logger.Debug("batch stored", "source", p.SourceID, "seq", p.Items[0].Seq, "items", stored, "readings", readings)

	return ack, nil
}

// Aggregate computes op over a snapshot of the given sources, or of
// every source if none is given, and hands the result to the sink.
// The result is returned even when the sink fails.
func (s *Server) Aggregate(ctx context.Context, op aggregator.Operation, sources ...string) (*aggregator.Result, error) {

	snap := s.store.Snapshot(sources...)

	res, err := s.agg.Compute(ctx, op, Flatten(snap))
	if err != nil {
		return nil, err
	}

	s.results.Add(1)
	s.rec.Add(recorderSource, telemetry.ResultsComputed, 1)
	s.rec.Observe(recorderSource, telemetry.Aggregation, res.Duration)

	s.logger.Info("aggregate computed", "op", op, "id", res.ID, "readings", res.InputCount, "sources", res.Sources, "duration", res.Duration)

	if s.sink != nil {
		if err = s.sink.Save(ctx, res); err != nil {
			return res, fmt.Errorf("cannot save result %s: %w", res.ID, err)
		}
	}

	return res, nil
}

// Stats are the counters of a Server.
type Stats struct {
	Fingerprint string `json:"fingerprint"`
	Sources     int    `json:"active_sources"`
	Ciphertexts int    `json:"ciphertexts"`
	Readings    int    `json:"total_readings"`
	Bytes       int    `json:"total_bytes"`
	Frames      int64  `json:"frames_accepted"`
	Rejected    int64  `json:"frames_rejected"`
	Duplicates  int64  `json:"duplicate_items"`
	Accepted    int64  `json:"connections_accepted"`
	Connections int    `json:"connections_open"`
	Results     int64  `json:"results_computed"`

	Aggregation telemetry.Summary `json:"aggregation"`
	Transit     telemetry.Summary `json:"transit"`
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {

	st := Stats{
		Fingerprint: s.ctx.Fingerprint().String(),
		Frames:      s.frames.Load(),
		Rejected:    s.rejected.Load(),
		Duplicates:  s.duplicates.Load(),
		Accepted:    s.accepted.Load(),
		Results:     s.results.Load(),
		Aggregation: s.memory.Overall(telemetry.Aggregation),
		Transit:     s.memory.Overall(telemetry.Transit),
	}

	for _, info := range s.store.Sources() {
		st.Sources++
		st.Ciphertexts += info.Ciphertexts
		st.Readings += info.Readings
		st.Bytes += info.Bytes
	}

	s.mu.Lock()
	st.Connections = len(s.conns)
	s.mu.Unlock()

	return st
}
