package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/tuneinsight/hemeter/aggregator"
	"github.com/tuneinsight/hemeter/config"
	"github.com/tuneinsight/hemeter/results"
	"github.com/tuneinsight/hemeter/server"
)

// openSinks opens the configured result sinks. The returned function
// closes them.
func openSinks(cfg config.ResultsConfig, logger *slog.Logger) (results.Multi, func() error, error) {

	var sinks results.Multi
	closers := []io.Closer{}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("cannot open result file: %w", err)
		}
		sinks = append(sinks, results.NewFileSink(cfg.File))
	}

	if cfg.SQLite != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite), 0o755); err != nil {
			return nil, nil, fmt.Errorf("cannot open result database: %w", err)
		}
		db, err := results.OpenSQLite(cfg.SQLite, 0, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, db)
		closers = append(closers, db)
	}

	return sinks, func() (err error) {
		for _, c := range closers {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}
		return
	}, nil
}

// openLister returns the sink the stored results are listed from: the
// database when one is configured, else the file.
func openLister(cfg config.ResultsConfig, logger *slog.Logger) (results.Lister, func() error, error) {

	switch {
	case cfg.SQLite != "":
		db, err := results.OpenSQLite(cfg.SQLite, 1, logger)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case cfg.File != "":
		return results.NewFileSink(cfg.File), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("no result sink configured")
	}
}

func runServer(ctx context.Context, args []string) error {

	var (
		c      common
		listen string
		admin  string
	)

	flags := newFlagSet("server", &c)
	flags.StringVarP(&listen, "listen", "l", "", "override the ingestion address")
	flags.StringVar(&admin, "admin", "", "override the admin API address")
	if done, err := parse(flags, args); done || err != nil {
		return err
	}

	cfg, logger, closer, err := c.load()
	if err != nil {
		return err
	}
	defer closer.Close()

	if listen != "" {
		cfg.Server.Listen = listen
	}
	if admin != "" {
		cfg.Server.Admin = admin
	}

	ectx, err := readContext(cfg.Crypto.ContextFile)
	if err != nil {
		return err
	}

	agg, err := aggregator.New(ectx, cfg.Aggregation.Config)
	if err != nil {
		return err
	}

	sinks, closeSinks, err := openSinks(cfg.Results, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	srv, err := server.New(agg, cfg.ServerConfig(), server.Options{Sink: sinks, Logger: logger})
	if err != nil {
		return err
	}

	var sched *server.Scheduler
	if interval := time.Duration(cfg.Aggregation.Interval); interval > 0 {
		if sched, err = server.NewScheduler(srv, interval, cfg.Aggregation.Operations...); err != nil {
			return err
		}
	}

	var adminLn net.Listener
	if cfg.Server.Admin != "" {
		var lc net.ListenConfig
		if adminLn, err = lc.Listen(ctx, "tcp", cfg.Server.Admin); err != nil {
			return fmt.Errorf("cannot listen: %w", err)
		}
		logger.Info("admin API listening", "addr", adminLn.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}

	if adminLn != nil {
		g.Go(func() error { return server.ServeAdmin(gctx, adminLn, server.NewAdminHandler(srv)) })
	}

	err = g.Wait()

	printServerStats(os.Stdout, srv.Stats())

	return err
}

func printServerStats(w io.Writer, st server.Stats) {
	fmt.Fprintf(w, "server %s\n", st.Fingerprint[:16])
	fmt.Fprintf(w, "  sources      %d\n", st.Sources)
	fmt.Fprintf(w, "  readings     %s in %s ciphertexts\n", humanize.Comma(int64(st.Readings)), humanize.Comma(int64(st.Ciphertexts)))
	fmt.Fprintf(w, "  received     %s in %s frames\n", humanize.Bytes(uint64(st.Bytes)), humanize.Comma(st.Frames))
	fmt.Fprintf(w, "  rejected     %d frames, %d duplicate items\n", st.Rejected, st.Duplicates)
	fmt.Fprintf(w, "  connections  %d accepted\n", st.Accepted)
	fmt.Fprintf(w, "  results      %d\n", st.Results)
	fmt.Fprintf(w, "  aggregation  %s\n", st.Aggregation)
	fmt.Fprintf(w, "  transit      %s\n", st.Transit)
}
