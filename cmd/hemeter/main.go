// Command hemeter creates encryption contexts, runs the ingestion server
// and simulated meter fleets, and decrypts the stored aggregates.
//
// Usage:
//
//	hemeter <command> [flags]
//
// Run hemeter <command> --help for the flags of a command.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/tuneinsight/hemeter/config"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"keygen", "create an encryption context and its sealed secret key", runKeygen},
	{"server", "run the ingestion server", runServer},
	{"fleet", "run simulated meters against a server", runFleet},
	{"decrypt", "decrypt the stored aggregates", runDecrypt},
	{"demo", "run a fleet, a server and the owner in one process", runDemo},
	{"config", "print the default configuration", runConfig},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(args) == 0 || isHelp(args[0]) {
		printUsage(os.Stderr)
		return nil
	}

	for _, c := range commands {
		if c.name == args[0] {
			return c.run(ctx, args[1:])
		}
	}

	return fmt.Errorf("unknown command %q (run \"hemeter --help\" for the list)", args[0])
}

func isHelp(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "hemeter aggregates encrypted meter readings without decrypting them.\n\nUsage:\n  hemeter <command> [flags]\n\nCommands:\n")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.name, c.summary)
	}
	tw.Flush()
}

// common are the flags shared by every command.
type common struct {
	configPath string
	logLevel   string
}

func newFlagSet(name string, c *common) *pflag.FlagSet {
	flags := pflag.NewFlagSet("hemeter "+name, pflag.ContinueOnError)
	flags.StringVarP(&c.configPath, "config", "c", "", "configuration file, YAML or JSON with comments (default: built-in defaults)")
	flags.StringVar(&c.logLevel, "log-level", "", "override the configured log level")
	return flags
}

// parse parses args into flags. It reports done when help was requested.
func parse(flags *pflag.FlagSet, args []string) (done bool, err error) {
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	if flags.NArg() > 0 {
		return false, fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}
	return false, nil
}

// load returns the configuration and the logger. The closer releases the
// log file.
func (c *common) load() (*config.Config, *slog.Logger, io.Closer, error) {

	cfg := config.Default()

	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return nil, nil, nil, err
		}
	}

	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}

	logger, closer, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}

	return cfg, logger, closer, nil
}

func runConfig(_ context.Context, args []string) error {

	var c common
	flags := newFlagSet("config", &c)
	if done, err := parse(flags, args); done || err != nil {
		return err
	}

	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return err
		}
	}

	return cfg.Write(os.Stdout)
}
