package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"github.com/tuneinsight/hemeter/aggregator"
	"github.com/tuneinsight/hemeter/engine"
	"github.com/tuneinsight/hemeter/producer"
	"github.com/tuneinsight/hemeter/server"
)

func runDemo(ctx context.Context, args []string) error {

	var (
		c        common
		meters   int
		duration time.Duration
		interval time.Duration
		secure   bool
	)

	flags := newFlagSet("demo", &c)
	flags.IntVarP(&meters, "meters", "n", 5, "number of meters")
	flags.DurationVarP(&duration, "duration", "d", 5*time.Second, "how long the meters run")
	flags.DurationVar(&interval, "interval", 100*time.Millisecond, "reading interval of the meters")
	flags.BoolVar(&secure, "secure", false, "use the configured parameters instead of small insecure ones")
	if done, err := parse(flags, args); done || err != nil {
		return err
	}

	cfg, logger, closer, err := c.load()
	if err != nil {
		return err
	}
	defer closer.Close()

	cfg.Fleet.Meters = meters
	fleetCfg := cfg.FleetConfig()
	fleetCfg.Agent.Interval = interval
	fleetCfg.Agent.MaxWait = 10 * interval
	if err = fleetCfg.Agent.Validate(); err != nil {
		return err
	}

	params := engine.ExampleParametersLogN12
	if secure {
		params = cfg.Crypto.ParametersLiteral
	}

	fmt.Printf("generating keys for %s\n", params)

	ectx, secret, err := engine.NewContext(params)
	if err != nil {
		return err
	}

	dec, err := engine.NewDecryptor(ectx, secret)
	if err != nil {
		return err
	}

	agg, err := aggregator.New(ectx, cfg.Aggregation.Config)
	if err != nil {
		return err
	}

	srvCfg := cfg.ServerConfig()
	srvCfg.MaxConnections = max(srvCfg.MaxConnections, meters)

	srv, err := server.New(agg, srvCfg, server.Options{Logger: logger})
	if err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("cannot listen: %w", err)
	}

	dial := func(string) producer.Transmitter { return producer.NewClient(ln.Addr().String()) }

	fleet, err := producer.NewFleet(engine.NewEngine(ectx), fleetCfg, dial, nil, logger)
	if err != nil {
		ln.Close()
		return err
	}

	srvCtx, stopServer := context.WithCancel(ctx)

	var g errgroup.Group
	g.Go(func() error { return srv.Serve(srvCtx, ln) })

	defer func() {
		stopServer()
		g.Wait()
	}()

	fmt.Printf("running %d meters for %s\n", meters, duration)

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	start := time.Now()
	if err = fleet.Run(runCtx); err != nil {
		return err
	}
	elapsed := time.Since(start)

	truth, err := groundTruth(srv.Store(), dec)
	if err != nil {
		return err
	}

	var rows []demoRow
	for _, op := range aggregator.Operations {
		res, err := srv.Aggregate(ctx, op)
		if err != nil {
			return err
		}
		out, err := aggregator.Finalize(res, dec)
		if err != nil {
			return err
		}
		rows = append(rows, demoRow{outcome: out, truth: truth[op], duration: res.Duration})
	}

	fst, sst := fleet.Stats(), srv.Stats()

	fmt.Println()
	printDemo(os.Stdout, rows)

	var want, have []float64
	for _, r := range rows {
		if r.outcome.Exact {
			want, have = append(want, r.truth), append(have, r.outcome.Value)
		}
	}
	if prec, err := engine.GetPrecisionStats(want, have); err == nil {
		fmt.Printf("\nerror of the exact aggregates%s", prec)
	}
	fmt.Println()
	printFleetStats(os.Stdout, fst, elapsed, false)
	fmt.Println()
	printServerStats(os.Stdout, sst)

	if fst.Total.Sent != int64(sst.Readings) {
		fmt.Printf("\n%d readings acknowledged, %d stored: a batch counted as lost reached the server\n", fst.Total.Sent, sst.Readings)
	}

	return nil
}

// groundTruth decrypts every stored reading and computes each operation
// in the clear.
func groundTruth(store *server.Store, dec *engine.Decryptor) (map[aggregator.Operation]float64, error) {

	var values []float64
	for _, ct := range server.Flatten(store.Snapshot()) {
		v, err := dec.Decrypt(ct)
		if err != nil {
			return nil, err
		}
		values = append(values, v...)
	}

	if len(values) == 0 {
		return nil, errors.New("no reading was stored")
	}

	truth := map[aggregator.Operation]float64{}

	for op, f := range map[aggregator.Operation]func(stats.Float64Data) (float64, error){
		aggregator.Sum:       stats.Sum,
		aggregator.Mean:      stats.Mean,
		aggregator.Variance:  stats.PopulationVariance,
		aggregator.ApproxMax: stats.Max,
		aggregator.ApproxMin: stats.Min,
	} {
		v, err := f(values)
		if err != nil {
			return nil, fmt.Errorf("cannot compute plaintext %s: %w", op, err)
		}
		truth[op] = v
	}

	return truth, nil
}

type demoRow struct {
	outcome  *aggregator.Outcome
	truth    float64
	duration time.Duration
}

func printDemo(w io.Writer, rows []demoRow) {

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "operation\tencrypted\tplaintext\terror\tbounds\ttime")

	for _, r := range rows {
		o := r.outcome
		bounds := "exact"
		if !o.Exact {
			bounds = fmt.Sprintf("[%.2f, %.2f]", o.Lower, o.Upper)
			if r.truth < o.Lower-1e-6*r.truth || r.truth > o.Upper+1e-6*r.truth {
				bounds += " (missed)"
			}
		}
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%.2e\t%s\t%s\n", o.Operation, o.Value, r.truth, math.Abs(o.Value-r.truth), bounds, r.duration.Round(time.Microsecond))
	}

	tw.Flush()
}
