// Package aggregator computes statistics over ciphertexts that share a
// Context, without the secret key. Results stay encrypted; only the owner
// of the Context can finalize them into plaintext outcomes.
//
// Every aggregate stores its value in the first slot. Means and variances
// clear the other slots and can be aggregated again. Sums and power sums
// hold copies of the value in every slot and are rejected as inputs.
// Operations check fingerprints, scales and the remaining levels of their
// inputs before doing any homomorphic work, so a failure never yields a
// partial or silently degraded result.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	"golang.org/x/sync/errgroup"

	"github.com/tuneinsight/hemeter"
	"github.com/tuneinsight/hemeter/engine"
)

// ErrNoInput is returned when an operation is given no ciphertext.
var ErrNoInput = errors.New("aggregator: no ciphertext to aggregate")

// ErrReplicated is returned when an input is an aggregate whose value is
// repeated in every slot, which the slot fold would count once per slot.
var ErrReplicated = errors.New("aggregator: input is a replicated aggregate")

// Config parameterizes the Aggregator.
type Config struct {
	// Workers bounds the number of goroutines used by the pairwise
	// reduction. Zero means GOMAXPROCS.
	Workers int `yaml:"workers" json:"workers"`

	// Bound is the largest value a reading can take. The extremum
	// estimators assume readings in [0, Bound]; their precision degrades
	// when Bound is much larger than the actual readings.
	Bound float64 `yaml:"bound" json:"bound"`

	// Squarings is the number k of successive squarings of the extremum
	// estimators, which use the power mean of order p = 2^k.
	Squarings int `yaml:"squarings" json:"squarings"`
}

// DefaultConfig estimates extrema with p = 8 for readings up to 10 kW.
var DefaultConfig = Config{
	Bound:     10000,
	Squarings: 3,
}

// Validate checks the configuration.
func (cfg Config) Validate() error {
	if cfg.Workers < 0 {
		return fmt.Errorf("invalid aggregator config: workers %d is negative", cfg.Workers)
	}
	if !(cfg.Bound > 0) {
		return fmt.Errorf("invalid aggregator config: bound %g must be positive", cfg.Bound)
	}
	if cfg.Squarings < 1 || cfg.Squarings > 8 {
		return fmt.Errorf("invalid aggregator config: squarings %d is outside of [1, 8]", cfg.Squarings)
	}
	return nil
}

// Aggregator evaluates aggregation operations under one Context. It is
// safe for concurrent use.
type Aggregator struct {
	ctx        *engine.Context
	params     ckks.Parameters
	cfg        Config
	evaluators sync.Pool
}

// New returns an Aggregator for ciphertexts created under ctx.
func New(ctx *engine.Context, cfg Config) (*Aggregator, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Workers == 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	a := &Aggregator{
		ctx:    ctx,
		params: ctx.Parameters(),
		cfg:    cfg,
	}

	proto := ckks.NewEvaluator(a.params, ctx.EvaluationKeys())
	a.evaluators.New = func() any { return proto.ShallowCopy() }

	return a, nil
}

// Context returns the Context of the Aggregator.
func (a *Aggregator) Context() *engine.Context {
	return a.ctx
}

// Config returns the configuration of the Aggregator.
func (a *Aggregator) Config() Config {
	return a.cfg
}

func (a *Aggregator) evaluator() *ckks.Evaluator {
	return a.evaluators.Get().(*ckks.Evaluator)
}

func (a *Aggregator) release(eval *ckks.Evaluator) {
	a.evaluators.Put(eval)
}

// prepare validates the inputs of op and returns their payloads, all at
// the lowest level among them, and the total number of packed readings.
func (a *Aggregator) prepare(op Operation, cts []*engine.Ciphertext) ([]*rlwe.Ciphertext, int, error) {

	name := "compute " + op.String()

	if len(cts) == 0 {
		return nil, 0, ErrNoInput
	}

	fp := a.ctx.Fingerprint()
	scale := cts[0].Scale()
	level := cts[0].Level()
	n := 0

	for i, ct := range cts {

		if ct.Fingerprint != fp {
			return nil, 0, hemeter.Errorf(hemeter.IncompatibleContext, name, "input %d has fingerprint %s, expected %s", i, ct.Fingerprint.Short(), fp.Short())
		}

		if ct.Scale() != scale {
			return nil, 0, hemeter.Errorf(hemeter.IncompatibleContext, name, "input %d has scale 2^%.4f, input 0 has 2^%.4f", i, math.Log2(ct.Scale()), math.Log2(scale))
		}

		if ct.Count <= 0 || ct.Count > a.ctx.Slots() {
			return nil, 0, hemeter.Errorf(hemeter.RangeError, name, "input %d packs %d readings", i, ct.Count)
		}

		if ct.Replicated {
			return nil, 0, hemeter.Wrap(hemeter.RangeError, name, fmt.Errorf("input %d: %w", i, ErrReplicated))
		}

		level = min(level, ct.Level())
		n += ct.Count
	}

	if need := op.Levels(a.cfg); level < need {
		return nil, 0, hemeter.Errorf(hemeter.DepthExhausted, name, "%d levels required, %d remaining", need, level)
	}

	values := make([]*rlwe.Ciphertext, len(cts))

	eval := a.evaluator()
	defer a.release(eval)

	for i, ct := range cts {
		if ct.Level() > level {
			values[i] = eval.DropLevelNew(ct.Value, ct.Level()-level)
		} else {
			values[i] = ct.Value
		}
	}

	return values, n, nil
}

// reduce adds the ciphertexts in a pairwise tree, one layer at a time,
// spreading the additions of a layer over the worker pool. The inputs are
// not modified.
func (a *Aggregator) reduce(ctx context.Context, layer []*rlwe.Ciphertext) (*rlwe.Ciphertext, error) {

	for len(layer) > 1 {

		next := make([]*rlwe.Ciphertext, (len(layer)+1)/2)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.cfg.Workers)

		for i := 0; i < len(layer)/2; i++ {
			g.Go(func() (err error) {
				if err = gctx.Err(); err != nil {
					return
				}
				eval := a.evaluator()
				defer a.release(eval)
				next[i], err = eval.AddNew(layer[2*i], layer[2*i+1])
				return
			})
		}

		if len(layer)%2 == 1 {
			next[len(next)-1] = layer[len(layer)-1]
		}

		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("cannot reduce: %w", err)
		}

		layer = next
	}

	return layer[0], nil
}

// total reduces the ciphertexts and folds the slots so that the first
// slot holds the sum of every slot of every input.
func (a *Aggregator) total(ctx context.Context, values []*rlwe.Ciphertext) (*rlwe.Ciphertext, error) {

	sum, err := a.reduce(ctx, values)
	if err != nil {
		return nil, err
	}

	eval := a.evaluator()
	defer a.release(eval)

	out := rlwe.NewCiphertext(a.params, 1, sum.Level())
	if err = eval.InnerSum(sum, 1, a.ctx.Slots(), out); err != nil {
		return nil, fmt.Errorf("cannot fold slots: %w", err)
	}

	return out, nil
}

// scaleDown multiplies the first slot of ct by c and clears the others,
// consuming one level. The constant is encoded at the scale of the last
// prime, so the output scale equals the input scale.
func (a *Aggregator) scaleDown(eval *ckks.Evaluator, ct *rlwe.Ciphertext, c float64) (*rlwe.Ciphertext, error) {

	out, err := eval.MulNew(ct, []float64{c})
	if err != nil {
		return nil, fmt.Errorf("cannot multiply by constant: %w", err)
	}

	if err = eval.Rescale(out, out); err != nil {
		return nil, fmt.Errorf("cannot rescale: %w", err)
	}

	return out, nil
}

// square returns ct*ct relinearized and rescaled, consuming one level.
func (a *Aggregator) square(eval *ckks.Evaluator, ct *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {

	out, err := eval.MulRelinNew(ct, ct)
	if err != nil {
		return nil, fmt.Errorf("cannot square: %w", err)
	}

	if err = eval.Rescale(out, out); err != nil {
		return nil, fmt.Errorf("cannot rescale: %w", err)
	}

	return out, nil
}

// wrap labels an aggregate. Outputs of a slot fold that were not
// multiplied by a single-slot constant afterwards are replicated.
func (a *Aggregator) wrap(value *rlwe.Ciphertext, replicated bool) *engine.Ciphertext {
	return &engine.Ciphertext{
		Fingerprint: a.ctx.Fingerprint(),
		Count:       1,
		Replicated:  replicated,
		Value:       value,
	}
}

// Sum returns a ciphertext whose first slot is the sum of every reading
// packed in cts. It consumes no level.
func (a *Aggregator) Sum(ctx context.Context, cts []*engine.Ciphertext) (*engine.Ciphertext, error) {

	values, _, err := a.prepare(Sum, cts)
	if err != nil {
		return nil, err
	}

	sum, err := a.total(ctx, values)
	if err != nil {
		return nil, err
	}

	return a.wrap(sum, true), nil
}

// Mean returns a ciphertext whose first slot is the mean of every reading
// packed in cts. It consumes exactly one level and fails with
// DepthExhausted if the inputs have none left.
func (a *Aggregator) Mean(ctx context.Context, cts []*engine.Ciphertext) (*engine.Ciphertext, error) {

	values, n, err := a.prepare(Mean, cts)
	if err != nil {
		return nil, err
	}

	mean, err := a.mean(ctx, values, n)
	if err != nil {
		return nil, err
	}

	return a.wrap(mean, false), nil
}

func (a *Aggregator) mean(ctx context.Context, values []*rlwe.Ciphertext, n int) (*rlwe.Ciphertext, error) {

	sum, err := a.total(ctx, values)
	if err != nil {
		return nil, err
	}

	eval := a.evaluator()
	defer a.release(eval)

	return a.scaleDown(eval, sum, 1/float64(n))
}

// Variance returns a ciphertext whose first slot is the population
// variance E[x²] − E[x]² of the readings packed in cts. It consumes two
// levels and fails with DepthExhausted if fewer remain.
//
// Both terms reach the same level with the same scale: E[x²] is scaled by
// 1/n then rescaled twice from Δ², E[x]² is the square of the mean
// rescaled once, so the subtraction does not need any scale adjustment.
func (a *Aggregator) Variance(ctx context.Context, cts []*engine.Ciphertext) (*engine.Ciphertext, error) {

	values, n, err := a.prepare(Variance, cts)
	if err != nil {
		return nil, err
	}

	squares := make([]*rlwe.Ciphertext, len(values))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)

	for i, v := range values {
		g.Go(func() (err error) {
			if err = gctx.Err(); err != nil {
				return
			}
			eval := a.evaluator()
			defer a.release(eval)
			if squares[i], err = eval.MulRelinNew(v, v); err != nil {
				return fmt.Errorf("cannot square: %w", err)
			}
			return
		})
	}

	if err = g.Wait(); err != nil {
		return nil, err
	}

	sumSquares, err := a.total(ctx, squares)
	if err != nil {
		return nil, err
	}

	mean, err := a.mean(ctx, values, n)
	if err != nil {
		return nil, err
	}

	eval := a.evaluator()
	defer a.release(eval)

	meanSquares, err := a.scaleDown(eval, sumSquares, 1/float64(n))
	if err != nil {
		return nil, err
	}

	if err = eval.Rescale(meanSquares, meanSquares); err != nil {
		return nil, fmt.Errorf("cannot rescale: %w", err)
	}

	squaredMean, err := a.square(eval, mean)
	if err != nil {
		return nil, err
	}

	out, err := eval.SubNew(meanSquares, squaredMean)
	if err != nil {
		return nil, fmt.Errorf("cannot subtract: %w", err)
	}

	return a.wrap(out, false), nil
}
