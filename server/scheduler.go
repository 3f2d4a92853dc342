package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tuneinsight/hemeter/aggregator"
)

// Scheduler triggers the aggregations of a list of operations over every
// source at a fixed interval.
type Scheduler struct {
	srv      *Server
	interval time.Duration
	ops      []aggregator.Operation
}

// NewScheduler returns a Scheduler of srv.
func NewScheduler(srv *Server, interval time.Duration, ops ...aggregator.Operation) (*Scheduler, error) {

	if interval <= 0 {
		return nil, fmt.Errorf("invalid schedule: interval %s must be positive", interval)
	}

	if len(ops) == 0 {
		return nil, fmt.Errorf("invalid schedule: no operation")
	}

	return &Scheduler{srv: srv, interval: interval, ops: ops}, nil
}

// Run triggers the aggregations until ctx is done.
func (sc *Scheduler) Run(ctx context.Context) error {

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.srv.logger.Info("scheduler started", "interval", sc.interval, "ops", sc.ops)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sc.Tick(ctx)
		}
	}
}

// Tick runs every operation once and returns the results that were
// computed. Failures are logged: an empty store is not worth a warning.
func (sc *Scheduler) Tick(ctx context.Context) (results []*aggregator.Result) {

	for _, op := range sc.ops {

		if ctx.Err() != nil {
			return
		}

		res, err := sc.srv.Aggregate(ctx, op)

		switch {
		case errors.Is(err, aggregator.ErrNoInput):
			sc.srv.logger.Debug("nothing to aggregate", "op", op)
		case err != nil:
			sc.srv.logger.Warn("scheduled aggregation failed", "op", op, "error", err)
		}

		if res != nil {
			results = append(results, res)
		}
	}

	return
}
