// Package results persists the results of the aggregations. Results are
// stored encrypted, as aggregator.Record values: only the holder of the
// secret key can finalize them.
package results

import (
	"context"
	"errors"
	"time"

	"github.com/tuneinsight/hemeter/aggregator"
)

// Sink receives results.
type Sink interface {
	Save(ctx context.Context, res *aggregator.Result) error
}

// Lister lists stored results.
type Lister interface {
	List(ctx context.Context, f Filter) ([]*aggregator.Record, error)
}

// Filter selects stored results. The zero Filter selects every result.
type Filter struct {
	// Operation, if not zero, is the only operation listed.
	Operation aggregator.Operation
	// Since, if not zero, excludes the results issued before it.
	Since time.Time
	// Limit, if positive, keeps the most recent results only.
	Limit int
}

func (f Filter) match(rec *aggregator.Record) bool {
	if f.Operation != 0 && rec.Operation != f.Operation {
		return false
	}
	return f.Since.IsZero() || !rec.Issued.Before(f.Since)
}

// Multi saves every result to each of its sinks.
type Multi []Sink

// Save saves res to every sink, even after a failure, and joins the
// errors.
func (m Multi) Save(ctx context.Context, res *aggregator.Result) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
