package producer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tuneinsight/hemeter/engine"
	"github.com/tuneinsight/hemeter/telemetry"
)

// FleetConfig parameterizes a Fleet.
type FleetConfig struct {
	// Size is the number of agents.
	Size int
	// Prefix names the sources: prefix-000, prefix-001, ...
	Prefix string
	// Seed keys the load models of every agent.
	Seed []byte
	// Agent is the configuration shared by every agent.
	Agent Config
}

// Dialer returns the Transmitter of a source.
type Dialer func(source string) Transmitter

// Fleet runs a set of agents that share one Engine and one Recorder.
type Fleet struct {
	agents []*Agent
	memory *telemetry.Memory
	logger *slog.Logger
}

// NewFleet creates the agents of the fleet. Events go to rec, if not nil,
// and to an in-memory recorder that backs Stats.
func NewFleet(eng *engine.Engine, cfg FleetConfig, dial Dialer, rec telemetry.Recorder, logger *slog.Logger) (*Fleet, error) {

	if cfg.Size <= 0 {
		return nil, fmt.Errorf("invalid fleet config: size %d must be positive", cfg.Size)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "meter"
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	f := &Fleet{
		agents: make([]*Agent, cfg.Size),
		memory: telemetry.NewMemory(),
		logger: logger,
	}

	var shared telemetry.Recorder = f.memory
	if rec != nil {
		shared = telemetry.Tee(f.memory, rec)
	}

	for i := range f.agents {
		id := fmt.Sprintf("%s-%03d", cfg.Prefix, i)
		a, err := NewAgent(id, i, cfg.Seed, eng, dial(id), cfg.Agent, shared, logger)
		if err != nil {
			return nil, fmt.Errorf("cannot create agent %s: %w", id, err)
		}
		f.agents[i] = a
	}

	return f, nil
}

// Agents returns the agents of the fleet.
func (f *Fleet) Agents() []*Agent {
	return f.agents
}

// Run runs every agent until ctx is done and waits for all of them.
func (f *Fleet) Run(ctx context.Context) error {

	f.logger.Info("fleet started", "agents", len(f.agents))

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range f.agents {
		g.Go(func() error { return a.Run(gctx) })
	}

	err := g.Wait()

	s := f.Stats()
	f.logger.Info("fleet stopped", "generated", s.Total.Generated, "sent", s.Total.Sent, "dropped", s.Total.Dropped, "lost", s.Total.Lost)

	return err
}

// FleetStats are the counters of every agent, their totals, and the
// timing summaries over the whole fleet.
type FleetStats struct {
	Agents        []AgentStats      `json:"agents"`
	Total         AgentStats        `json:"total"`
	Encryption    telemetry.Summary `json:"encryption"`
	Communication telemetry.Summary `json:"communication"`
}

// Stats returns a snapshot of the fleet counters.
func (f *Fleet) Stats() FleetStats {

	s := FleetStats{
		Agents:        make([]AgentStats, len(f.agents)),
		Total:         AgentStats{Source: "total"},
		Encryption:    f.memory.Overall(telemetry.Encryption),
		Communication: f.memory.Overall(telemetry.Communication),
	}

	for i, a := range f.agents {
		s.Agents[i] = a.Stats()
		s.Total.add(s.Agents[i])
	}

	return s
}

// Report returns the telemetry report of a source.
func (f *Fleet) Report(source string) telemetry.Report {
	return f.memory.Report(source)
}
