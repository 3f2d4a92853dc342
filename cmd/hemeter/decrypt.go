package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tuneinsight/hemeter/aggregator"
	"github.com/tuneinsight/hemeter/engine"
	"github.com/tuneinsight/hemeter/results"
)

// decrypted is a stored result and its outcome.
type decrypted struct {
	ID      string              `json:"id"`
	Issued  time.Time           `json:"issued"`
	Sources int                 `json:"sources"`
	Outcome *aggregator.Outcome `json:"outcome"`
}

func runDecrypt(ctx context.Context, args []string) error {

	var (
		c              common
		identity       string
		passphraseFile string
		operation      string
		since          time.Duration
		limit          int
		asJSON         bool
	)

	flags := newFlagSet("decrypt", &c)
	flags.StringVarP(&identity, "identity", "i", "", "age identity file (default: passphrase)")
	flags.StringVar(&passphraseFile, "passphrase-file", "", "read the passphrase from this file")
	flags.StringVarP(&operation, "operation", "o", "", "only decrypt the results of this operation")
	flags.DurationVar(&since, "since", 0, "only decrypt the results issued in this last period")
	flags.IntVar(&limit, "limit", 0, "only decrypt the most recent results")
	flags.BoolVar(&asJSON, "json", false, "print JSON lines")
	if done, err := parse(flags, args); done || err != nil {
		return err
	}

	cfg, logger, closer, err := c.load()
	if err != nil {
		return err
	}
	defer closer.Close()

	filter := results.Filter{Limit: limit}

	if operation != "" {
		if filter.Operation, err = aggregator.ParseOperation(operation); err != nil {
			return err
		}
	}

	if since > 0 {
		filter.Since = time.Now().Add(-since)
	}

	ectx, err := readContext(cfg.Crypto.ContextFile)
	if err != nil {
		return err
	}

	ids, err := identitiesOf(identity, passphraseFile)
	if err != nil {
		return err
	}

	secret, err := openSecret(cfg.Crypto.SecretFile, ectx, ids)
	if err != nil {
		return err
	}

	dec, err := engine.NewDecryptor(ectx, secret)
	if err != nil {
		return err
	}

	lister, closeLister, err := openLister(cfg.Results, logger)
	if err != nil {
		return err
	}
	defer closeLister()

	recs, err := lister.List(ctx, filter)
	if err != nil {
		return err
	}

	out := make([]decrypted, 0, len(recs))

	for _, rec := range recs {

		res, err := rec.Result(ectx)
		if err != nil {
			logger.Warn("skipping result", "id", rec.ID, "error", err)
			continue
		}

		o, err := aggregator.Finalize(res, dec)
		if err != nil {
			logger.Warn("skipping result", "id", rec.ID, "error", err)
			continue
		}

		out = append(out, decrypted{ID: rec.ID, Issued: rec.Issued, Sources: rec.Sources, Outcome: o})
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, d := range out {
			if err = enc.Encode(d); err != nil {
				return err
			}
		}
		return nil
	}

	printOutcomes(os.Stdout, out)

	return nil
}

func printOutcomes(w io.Writer, out []decrypted) {

	if len(out) == 0 {
		fmt.Fprintln(w, "no result")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "id\tissued\toperation\tvalue\tbounds\treadings\tsources")

	for _, d := range out {
		o := d.Outcome
		bounds := "exact"
		if !o.Exact {
			bounds = fmt.Sprintf("[%.4f, %.4f]", o.Lower, o.Upper)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.4f\t%s\t%d\t%d\n", d.ID[:8], humanize.Time(d.Issued), o.Operation, o.Value, bounds, o.InputCount, d.Sources)
	}

	tw.Flush()
}
