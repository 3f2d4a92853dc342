package aggregator

import (
	"context"
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	"golang.org/x/sync/errgroup"

	"github.com/tuneinsight/hemeter/engine"
)

// The extremum estimators evaluate the power sum S = Σ y_i^p, p = 2^k,
// over readings mapped into [0, 1]: y = x/B for the maximum and
// y = 1 − x/B for the minimum. With M = (S/n)^(1/p) the power mean of the
// y_i, their maximum lies in [M, M·n^(1/p)]. The key holder derives the
// estimate and its bounds in Finalize.
//
// The mapping costs one level, each squaring one more, for a total of
// 1 + k. The bound on the error does not depend on the encryption: it is
// the factor n^(1/p) between the power mean and the true extremum, which
// shrinks as k grows and as the readings concentrate near the extremum.

// ApproxMax returns a ciphertext whose first slot is the power sum of
// the readings of cts normalized by the configured bound. The readings
// must lie in [0, Bound].
func (a *Aggregator) ApproxMax(ctx context.Context, cts []*engine.Ciphertext) (*engine.Ciphertext, error) {
	return a.powerSum(ctx, ApproxMax, cts)
}

// ApproxMin returns a ciphertext whose first slot is the power sum of the
// complements 1 − x/Bound of the readings of cts. The readings must lie
// in [0, Bound].
func (a *Aggregator) ApproxMin(ctx context.Context, cts []*engine.Ciphertext) (*engine.Ciphertext, error) {
	return a.powerSum(ctx, ApproxMin, cts)
}

func (a *Aggregator) powerSum(ctx context.Context, op Operation, cts []*engine.Ciphertext) (*engine.Ciphertext, error) {

	values, _, err := a.prepare(op, cts)
	if err != nil {
		return nil, err
	}

	powers := make([]*rlwe.Ciphertext, len(values))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)

	for i := range values {
		g.Go(func() (err error) {
			if err = gctx.Err(); err != nil {
				return
			}
			eval := a.evaluator()
			defer a.release(eval)
			powers[i], err = a.power(eval, op, values[i], cts[i].Count)
			return
		})
	}

	if err = g.Wait(); err != nil {
		return nil, err
	}

	sum, err := a.total(ctx, powers)
	if err != nil {
		return nil, err
	}

	return a.wrap(sum, true), nil
}

// power maps the first count slots of ct into [0, 1] and raises them to
// the power 2^k. The other slots are cleared by the mapping.
func (a *Aggregator) power(eval *ckks.Evaluator, op Operation, ct *rlwe.Ciphertext, count int) (*rlwe.Ciphertext, error) {

	factor := 1 / a.cfg.Bound
	if op == ApproxMin {
		factor = -factor
	}

	y, err := a.mask(eval, ct, factor, count)
	if err != nil {
		return nil, err
	}

	if op == ApproxMin {
		if y, err = eval.AddNew(y, constant(1, count)); err != nil {
			return nil, fmt.Errorf("cannot complement: %w", err)
		}
	}

	for i := 0; i < a.cfg.Squarings; i++ {
		if y, err = a.square(eval, y); err != nil {
			return nil, err
		}
	}

	return y, nil
}

// mask multiplies the first count slots of ct by c and clears the others,
// consuming one level.
func (a *Aggregator) mask(eval *ckks.Evaluator, ct *rlwe.Ciphertext, c float64, count int) (*rlwe.Ciphertext, error) {

	out, err := eval.MulNew(ct, constant(c, count))
	if err != nil {
		return nil, fmt.Errorf("cannot multiply by constant: %w", err)
	}

	if err = eval.Rescale(out, out); err != nil {
		return nil, fmt.Errorf("cannot rescale: %w", err)
	}

	return out, nil
}

func constant(c float64, count int) []float64 {
	v := make([]float64, count)
	for i := range v {
		v[i] = c
	}
	return v
}
