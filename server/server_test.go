package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuneinsight/hemeter"
	"github.com/tuneinsight/hemeter/aggregator"
	"github.com/tuneinsight/hemeter/codec"
	"github.com/tuneinsight/hemeter/engine"
	"github.com/tuneinsight/hemeter/producer"
	"github.com/tuneinsight/hemeter/wire"
)

func fakeBatch(source string, seqs ...uint64) []*engine.Ciphertext {
	cts := make([]*engine.Ciphertext, len(seqs))
	for i, seq := range seqs {
		cts[i] = &engine.Ciphertext{SourceID: source, Seq: seq, Count: 1}
	}
	return cts
}

func seqsOf(cts []*engine.Ciphertext) []uint64 {
	seqs := make([]uint64, len(cts))
	for i, ct := range cts {
		seqs[i] = ct.Seq
	}
	return seqs
}

func TestStore(t *testing.T) {

	t.Run("Duplicates", func(t *testing.T) {
		s := NewStore()

		stored, dup, err := s.Append("meter-a", fakeBatch("meter-a", 0, 1), 10)
		require.NoError(t, err)
		require.Equal(t, 2, stored)
		require.Zero(t, dup)

		stored, dup, err = s.Append("meter-a", fakeBatch("meter-a", 1, 2), 10)
		require.NoError(t, err)
		require.Equal(t, 1, stored)
		require.Equal(t, 1, dup)

		stored, dup, err = s.Append("meter-a", fakeBatch("meter-a", 0, 1, 2), 10)
		require.NoError(t, err)
		require.Zero(t, stored)
		require.Equal(t, 3, dup)

		_, _, err = s.Append("meter-a", fakeBatch("meter-a", 5), 10)
		require.NoError(t, err)

		require.Equal(t, []uint64{0, 1, 2, 5}, seqsOf(s.Snapshot("meter-a")["meter-a"]))
		require.Equal(t, []SourceInfo{{ID: "meter-a", Ciphertexts: 4, Readings: 4, Bytes: 30, LastSeq: 5, Gaps: 2}}, s.Sources())
	})

	t.Run("InvalidBatch", func(t *testing.T) {
		s := NewStore()
		_, _, err := s.Append("meter-a", fakeBatch("meter-a", 2, 1), 0)
		require.Error(t, err)
		_, _, err = s.Append("meter-a", fakeBatch("meter-b", 0), 0)
		require.Error(t, err)
		require.Zero(t, s.Len())
	})

	t.Run("Snapshot", func(t *testing.T) {
		s := NewStore()
		s.Append("meter-a", fakeBatch("meter-a", 0), 0)
		s.Append("meter-b", fakeBatch("meter-b", 0, 1), 0)

		require.Len(t, s.Snapshot(), 2)
		require.Len(t, s.Snapshot("meter-b", "meter-z"), 1)
		require.Equal(t, []uint64{0, 0, 1}, seqsOf(Flatten(s.Snapshot())))

		snap := s.Snapshot("meter-a")
		s.Append("meter-a", fakeBatch("meter-a", 1), 0)
		require.Len(t, snap["meter-a"], 1)
	})

	t.Run("Linearizable", func(t *testing.T) {

		const sources, writers, batches = 4, 3, 200

		s := NewStore()

		var mu sync.Mutex
		stored, duplicates := map[string]int{}, map[string]int{}

		var wg sync.WaitGroup
		for i := 0; i < sources; i++ {
			source := fmt.Sprintf("meter-%d", i)
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for b := uint64(0); b < batches; b++ {
						n, d, err := s.Append(source, fakeBatch(source, 2*b, 2*b+1), 1)
						assert.NoError(t, err)
						mu.Lock()
						stored[source] += n
						duplicates[source] += d
						mu.Unlock()
					}
				}()
			}
		}
		wg.Wait()

		snap := s.Snapshot()
		require.Len(t, snap, sources)
		for source, cts := range snap {
			require.Len(t, cts, 2*batches)
			for i, ct := range cts {
				require.Equal(t, uint64(i), ct.Seq)
			}
			require.Equal(t, 2*batches, stored[source])
			require.Equal(t, 2*batches*(writers-1), duplicates[source])
		}
	})

	t.Run("AllOrNothing", func(t *testing.T) {

		const size = 3

		s := NewStore()
		done := make(chan struct{})

		go func() {
			defer close(done)
			for b := uint64(0); b < 300; b++ {
				for _, source := range []string{"meter-a", "meter-b"} {
					s.Append(source, fakeBatch(source, size*b, size*b+1, size*b+2), 0)
				}
			}
		}()

		for {
			for source, cts := range s.Snapshot() {
				require.Zero(t, len(cts)%size, "source %s", source)
			}
			select {
			case <-done:
				return
			default:
			}
		}
	})
}

type memorySink struct {
	mu      sync.Mutex
	results []*aggregator.Result
}

func (m *memorySink) Save(ctx context.Context, res *aggregator.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return nil
}

func (m *memorySink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

type testServer struct {
	*Server
	secret    *engine.Secret
	engine    *engine.Engine
	decryptor *engine.Decryptor
	sink      *memorySink
	addr      string
	stop      func() error
}

var (
	testContextOnce sync.Once
	testCtx         *engine.Context
	testSecret      *engine.Secret
)

func startServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	testContextOnce.Do(func() {
		var err error
		if testCtx, testSecret, err = engine.NewContext(engine.ExampleParametersLogN10); err != nil {
			panic(err)
		}
	})

	agg, err := aggregator.New(testCtx, aggregator.DefaultConfig)
	require.NoError(t, err)

	dec, err := engine.NewDecryptor(testCtx, testSecret)
	require.NoError(t, err)

	sink := new(memorySink)
	srv, err := New(agg, cfg, Options{Sink: sink})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var once sync.Once
	var serr error
	stop := func() error {
		once.Do(func() {
			cancel()
			serr = <-done
		})
		return serr
	}
	t.Cleanup(func() { stop() })

	return &testServer{
		Server:    srv,
		secret:    testSecret,
		engine:    engine.NewEngine(testCtx),
		decryptor: dec,
		sink:      sink,
		addr:      ln.Addr().String(),
		stop:      stop,
	}
}

func testServerConfig() Config {
	cfg := DefaultConfig
	cfg.IdleTimeout = 5 * time.Second
	cfg.WriteTimeout = time.Second
	return cfg
}

func (ts *testServer) packet(t *testing.T, source string, seq uint64, values []float64) *wire.Packet {
	t.Helper()
	cts, err := ts.engine.EncryptBatch(source, seq, values)
	require.NoError(t, err)
	p, err := wire.NewPacket(source, cts, codec.CompressionZstd)
	require.NoError(t, err)
	return p
}

func (ts *testServer) value(t *testing.T, res *aggregator.Result) float64 {
	t.Helper()
	v, err := ts.decryptor.Value(res.Value)
	require.NoError(t, err)
	return v
}

func send(t *testing.T, c *producer.Client, p *wire.Packet) (*wire.Ack, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Send(ctx, p)
}

func TestConfig(t *testing.T) {
	require.NoError(t, DefaultConfig.Validate())

	for name, mutate := range map[string]func(cfg *Config){
		"NoConnection":   func(cfg *Config) { cfg.MaxConnections = 0 },
		"NoIdleTimeout":  func(cfg *Config) { cfg.IdleTimeout = 0 },
		"NoWriteTimeout": func(cfg *Config) { cfg.WriteTimeout = -time.Second },
		"TinyFrames":     func(cfg *Config) { cfg.MaxFrameSize = 4 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	require.Equal(t, "streaming", Streaming.String())
}

func TestServer(t *testing.T) {

	t.Run("IngestAndAggregate", func(t *testing.T) {
		ts := startServer(t, testServerConfig())

		c := producer.NewClient(ts.addr)
		defer c.Close()

		ack, err := send(t, c, ts.packet(t, "meter-a", 0, []float64{100, 200}))
		require.NoError(t, err)
		require.Equal(t, wire.AckOK, ack.Status)
		require.Equal(t, 1, ack.Stored)

		ack, err = send(t, c, ts.packet(t, "meter-b", 0, []float64{150, 180, 170}))
		require.NoError(t, err)
		require.Equal(t, wire.AckOK, ack.Status)

		res, err := ts.Aggregate(context.Background(), aggregator.Sum)
		require.NoError(t, err)
		require.InDelta(t, 800, ts.value(t, res), 1e-3)
		require.Equal(t, 5, res.InputCount)
		require.Equal(t, 2, res.Sources)

		res, err = ts.Aggregate(context.Background(), aggregator.Mean)
		require.NoError(t, err)
		require.InDelta(t, 160, ts.value(t, res), 1e-3)

		res, err = ts.Aggregate(context.Background(), aggregator.Sum, "meter-b")
		require.NoError(t, err)
		require.InDelta(t, 500, ts.value(t, res), 1e-3)

		_, err = ts.Aggregate(context.Background(), aggregator.Sum, "meter-z")
		require.ErrorIs(t, err, aggregator.ErrNoInput)

		require.Equal(t, 3, ts.sink.len())

		st := ts.Stats()
		require.Equal(t, 2, st.Sources)
		require.Equal(t, 5, st.Readings)
		require.Equal(t, int64(2), st.Frames)
		require.Equal(t, int64(3), st.Results)
		require.Equal(t, 3, st.Aggregation.Count)
		require.Positive(t, st.Bytes)
	})

	t.Run("Duplicate", func(t *testing.T) {
		ts := startServer(t, testServerConfig())

		c := producer.NewClient(ts.addr)
		defer c.Close()

		p := ts.packet(t, "meter-a", 0, []float64{1, 2})
		_, err := send(t, c, p)
		require.NoError(t, err)

		ack, err := send(t, c, p)
		require.NoError(t, err)
		require.Equal(t, wire.AckDuplicate, ack.Status)
		require.Zero(t, ack.Stored)

		require.Equal(t, 2, ts.Stats().Readings)
		require.Equal(t, int64(1), ts.Stats().Duplicates)
	})

	t.Run("IncompatibleContext", func(t *testing.T) {
		ts := startServer(t, testServerConfig())

		other, _, err := engine.NewContext(engine.ExampleParametersLogN10)
		require.NoError(t, err)
		cts, err := engine.NewEngine(other).EncryptBatch("meter-a", 0, []float64{1})
		require.NoError(t, err)
		p, err := wire.NewPacket("meter-a", cts, codec.CompressionNone)
		require.NoError(t, err)

		c := producer.NewClient(ts.addr)
		defer c.Close()

		ack, err := send(t, c, p)
		require.ErrorIs(t, err, hemeter.ErrIncompatibleContext)
		require.Equal(t, wire.AckRejected, ack.Status)

		// The client reconnects after a rejection.
		ack, err = send(t, c, ts.packet(t, "meter-a", 0, []float64{1}))
		require.NoError(t, err)
		require.Equal(t, wire.AckOK, ack.Status)

		st := ts.Stats()
		require.Equal(t, int64(1), st.Rejected)
		require.Equal(t, 1, st.Readings)
	})

	t.Run("Malformed", func(t *testing.T) {
		ts := startServer(t, testServerConfig())

		// A well-formed packet whose payload is not a ciphertext.
		p := ts.packet(t, "meter-a", 0, []float64{1})
		p.Items[0].Compression = codec.CompressionNone
		p.Items[0].Payload = bytes.Repeat([]byte{0xff}, 16)
		p.Items[0].Size = len(p.Items[0].Payload)
		var garbage bytes.Buffer
		require.NoError(t, wire.WritePacket(&garbage, p))

		for name, frame := range map[string][]byte{
			"BadMagic":       []byte("XXXX\x01\x01\x00\x00\x00\x00\x00\x01"),
			"BadVersion":     []byte("HMTR\x09\x01\x00\x00\x00\x00\x00\x01"),
			"TooLarge":       []byte("HMTR\x01\x01\x00\x00\xff\xff\xff\xff"),
			"Garbage":        []byte("HMTR\x01\x01\x00\x00\x00\x00\x00\x02\xff\xff"),
			"GarbagePayload": garbage.Bytes(),
		} {
			t.Run(name, func(t *testing.T) {
				conn, err := net.Dial("tcp", ts.addr)
				require.NoError(t, err)
				defer conn.Close()
				conn.SetDeadline(time.Now().Add(5 * time.Second))

				_, err = conn.Write(frame)
				require.NoError(t, err)

				ack, err := wire.ReadAck(conn)
				require.NoError(t, err)
				require.Equal(t, wire.AckRejected, ack.Status)
				require.ErrorIs(t, ack.Err(), hemeter.ErrMalformedPacket)

				_, err = conn.Read(make([]byte, 1))
				require.ErrorIs(t, err, io.EOF)
			})
		}

		require.Equal(t, int64(5), ts.Stats().Rejected)
		require.Zero(t, ts.Stats().Sources)

		// The server still serves well-formed clients.
		c := producer.NewClient(ts.addr)
		defer c.Close()
		ack, err := send(t, c, ts.packet(t, "meter-a", 0, []float64{1}))
		require.NoError(t, err)
		require.Equal(t, wire.AckOK, ack.Status)
	})

	t.Run("IdleTimeout", func(t *testing.T) {
		cfg := testServerConfig()
		cfg.IdleTimeout = 50 * time.Millisecond
		ts := startServer(t, cfg)

		conn, err := net.Dial("tcp", ts.addr)
		require.NoError(t, err)
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		_, err = conn.Read(make([]byte, 1))
		require.ErrorIs(t, err, io.EOF)
	})

	t.Run("Shutdown", func(t *testing.T) {
		ts := startServer(t, testServerConfig())

		conns := make([]net.Conn, 3)
		for i := range conns {
			conn, err := net.Dial("tcp", ts.addr)
			require.NoError(t, err)
			defer conn.Close()
			conns[i] = conn
		}

		require.Eventually(t, func() bool { return ts.Stats().Connections == len(conns) }, 5*time.Second, time.Millisecond)

		require.NoError(t, ts.stop())
		require.Zero(t, ts.Stats().Connections)

		for _, conn := range conns {
			conn.SetDeadline(time.Now().Add(5 * time.Second))
			_, err := conn.Read(make([]byte, 1))
			require.ErrorIs(t, err, io.EOF)
		}
	})

	t.Run("DeliveryAccounting", func(t *testing.T) {
		ts := startServer(t, testServerConfig())

		cfg := producer.DefaultConfig
		cfg.Interval = time.Millisecond
		cfg.MaxWait = 20 * time.Millisecond
		cfg.QueueSize = 20
		cfg.Timeout = 5 * time.Second
		cfg.Backoff = time.Millisecond
		cfg.MaxBackoff = 10 * time.Millisecond

		f, err := producer.NewFleet(ts.engine, producer.FleetConfig{Size: 5, Seed: []byte("fleet"), Agent: cfg}, func(source string) producer.Transmitter {
			return producer.NewClient(ts.addr)
		}, nil, nil)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		require.NoError(t, f.Run(ctx))

		fs := f.Stats()
		require.Zero(t, fs.Total.Lost)
		require.Positive(t, fs.Total.Sent)

		st := ts.Stats()
		require.Equal(t, 5, st.Sources)
		require.Equal(t, int(fs.Total.Sent), st.Readings)
		require.Equal(t, fs.Total.Batches, st.Frames)

		for i, info := range ts.Store().Sources() {
			require.Equal(t, fmt.Sprintf("meter-%03d", i), info.ID)
			require.Equal(t, int(fs.Agents[i].Sent), info.Readings)
			require.Zero(t, info.Gaps)
		}
	})
}

func TestScheduler(t *testing.T) {

	ts := startServer(t, testServerConfig())

	_, err := NewScheduler(ts.Server, 0, aggregator.Sum)
	require.Error(t, err)
	_, err = NewScheduler(ts.Server, time.Second)
	require.Error(t, err)

	sc, err := NewScheduler(ts.Server, 10*time.Millisecond, aggregator.Sum, aggregator.Variance)
	require.NoError(t, err)

	require.Empty(t, sc.Tick(context.Background()))

	c := producer.NewClient(ts.addr)
	defer c.Close()
	_, err = send(t, c, ts.packet(t, "meter-a", 0, []float64{100, 200, 150, 180, 170}))
	require.NoError(t, err)

	results := sc.Tick(context.Background())
	require.Len(t, results, 2)
	require.InDelta(t, 800, ts.value(t, results[0]), 1e-3)
	require.InDelta(t, 1160, ts.value(t, results[1]), 1e-2)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, sc.Run(ctx))
	require.Greater(t, ts.sink.len(), 2)
}

func TestAdmin(t *testing.T) {

	ts := startServer(t, testServerConfig())
	h := NewAdminHandler(ts.Server)

	do := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w
	}

	w := do(http.MethodPost, "/v1/aggregate/sum")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(http.MethodPost, "/v1/aggregate/median")
	require.Equal(t, http.StatusBadRequest, w.Code)

	c := producer.NewClient(ts.addr)
	defer c.Close()
	_, err := send(t, c, ts.packet(t, "meter-a", 0, []float64{100, 200}))
	require.NoError(t, err)
	_, err = send(t, c, ts.packet(t, "meter-b", 0, []float64{150, 180, 170}))
	require.NoError(t, err)

	w = do(http.MethodGet, "/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var st Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.Equal(t, 2, st.Sources)
	require.Equal(t, 5, st.Readings)
	require.Equal(t, testCtx.Fingerprint().String(), st.Fingerprint)

	w = do(http.MethodGet, "/v1/sources")
	require.Equal(t, http.StatusOK, w.Code)
	var infos []SourceInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infos))
	require.Len(t, infos, 2)
	require.Equal(t, "meter-b", infos[1].ID)
	require.Equal(t, 3, infos[1].Readings)

	w = do(http.MethodGet, "/v1/context")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), testCtx.Fingerprint().String()))

	w = do(http.MethodPost, "/v1/aggregate/sum?source=meter-a")
	require.Equal(t, http.StatusCreated, w.Code)
	var rec aggregator.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.Equal(t, aggregator.Sum, rec.Operation)
	require.Equal(t, 2, rec.InputCount)

	res, err := rec.Result(testCtx)
	require.NoError(t, err)
	require.InDelta(t, 300, ts.value(t, res), 1e-3)

	w = do(http.MethodGet, "/v1/unknown")
	require.Equal(t, http.StatusNotFound, w.Code)
}
