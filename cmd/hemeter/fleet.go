package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tuneinsight/hemeter/engine"
	"github.com/tuneinsight/hemeter/producer"
)

func runFleet(ctx context.Context, args []string) error {

	var (
		c        common
		addr     string
		meters   int
		duration time.Duration
		verbose  bool
	)

	flags := newFlagSet("fleet", &c)
	flags.StringVarP(&addr, "server", "s", "", "override the server address")
	flags.IntVarP(&meters, "meters", "n", 0, "override the number of meters")
	flags.DurationVarP(&duration, "duration", "d", 0, "stop after this long (default: until interrupted)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "print the counters of every meter")
	if done, err := parse(flags, args); done || err != nil {
		return err
	}

	cfg, logger, closer, err := c.load()
	if err != nil {
		return err
	}
	defer closer.Close()

	if addr != "" {
		cfg.Transport.Server = addr
	}
	if meters > 0 {
		cfg.Fleet.Meters = meters
	}

	ectx, err := readContext(cfg.Crypto.ContextFile)
	if err != nil {
		return err
	}

	dial := func(string) producer.Transmitter { return producer.NewClient(cfg.Transport.Server) }

	fleet, err := producer.NewFleet(engine.NewEngine(ectx), cfg.FleetConfig(), dial, nil, logger)
	if err != nil {
		return err
	}

	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	start := time.Now()
	err = fleet.Run(ctx)

	printFleetStats(os.Stdout, fleet.Stats(), time.Since(start), verbose)

	return err
}

func printFleetStats(w io.Writer, st producer.FleetStats, elapsed time.Duration, verbose bool) {

	t := st.Total

	fmt.Fprintf(w, "fleet of %d meters, %s\n", len(st.Agents), elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  generated      %s readings\n", humanize.Comma(t.Generated))
	fmt.Fprintf(w, "  sent           %s readings in %s batches (%s)\n", humanize.Comma(t.Sent), humanize.Comma(t.Batches), humanize.Bytes(uint64(t.Bytes)))
	fmt.Fprintf(w, "  dropped        %s\n", humanize.Comma(t.Dropped))
	fmt.Fprintf(w, "  lost           %s readings in %s batches\n", humanize.Comma(t.Lost), humanize.Comma(t.BatchesLost))
	fmt.Fprintf(w, "  retries        %s\n", humanize.Comma(t.Retries))
	fmt.Fprintf(w, "  encryption     %s\n", st.Encryption)
	fmt.Fprintf(w, "  communication  %s\n", st.Communication)

	if !verbose {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "source\tgenerated\tsent\tdropped\tlost\tbatches\tretries\tbytes\t")
	for _, a := range st.Agents {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t\n", a.Source, a.Generated, a.Sent, a.Dropped, a.Lost, a.Batches, a.Retries, humanize.Bytes(uint64(a.Bytes)))
	}
	tw.Flush()
}
