package aggregator

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ALTree/bigfloat"
	"github.com/google/uuid"

	"github.com/tuneinsight/hemeter/engine"
)

// Estimator records the parameters of an approximate operation, which the
// key holder needs to turn the decrypted power sum into an estimate.
type Estimator struct {
	Bound float64 `json:"bound"`
	Power int     `json:"power"`
}

// Result is the output of an aggregation. It is immutable once returned.
type Result struct {
	ID          uuid.UUID
	Operation   Operation
	InputCount  int
	Ciphertexts int
	Sources     int
	Value       *engine.Ciphertext
	Issued      time.Time
	Duration    time.Duration
	Exact       bool
	Estimator   *Estimator
}

func (r *Result) String() string {
	return fmt.Sprintf("Result{%s op=%s readings=%d ciphertexts=%d sources=%d exact=%t took=%s}",
		r.ID, r.Operation, r.InputCount, r.Ciphertexts, r.Sources, r.Exact, r.Duration)
}

// Compute evaluates op over cts and returns the stamped result.
func (a *Aggregator) Compute(ctx context.Context, op Operation, cts []*engine.Ciphertext) (*Result, error) {

	var f func(context.Context, []*engine.Ciphertext) (*engine.Ciphertext, error)

	switch op {
	case Sum:
		f = a.Sum
	case Mean:
		f = a.Mean
	case Variance:
		f = a.Variance
	case ApproxMax:
		f = a.ApproxMax
	case ApproxMin:
		f = a.ApproxMin
	default:
		return nil, fmt.Errorf("cannot compute: unknown operation %d", uint8(op))
	}

	issued := time.Now()

	value, err := f(ctx, cts)
	if err != nil {
		return nil, err
	}

	res := &Result{
		ID:          uuid.New(),
		Operation:   op,
		Ciphertexts: len(cts),
		Value:       value,
		Issued:      issued.UTC(),
		Duration:    time.Since(issued),
		Exact:       op.Exact(),
	}

	sources := map[string]struct{}{}
	for _, ct := range cts {
		res.InputCount += ct.Count
		sources[ct.SourceID] = struct{}{}
	}
	res.Sources = len(sources)

	if !res.Exact {
		res.Estimator = &Estimator{
			Bound: a.cfg.Bound,
			Power: 1 << a.cfg.Squarings,
		}
	}

	return res, nil
}

// Record is the serializable form of a Result.
type Record struct {
	ID          string     `json:"id"`
	Operation   Operation  `json:"operation"`
	InputCount  int        `json:"input_count"`
	Ciphertexts int        `json:"ciphertexts"`
	Sources     int        `json:"sources"`
	Fingerprint string     `json:"fingerprint"`
	Level       int        `json:"level"`
	Scale       float64    `json:"scale"`
	Replicated  bool       `json:"replicated,omitempty"`
	Payload     []byte     `json:"payload"`
	Issued      time.Time  `json:"issued"`
	DurationMS  float64    `json:"duration_ms"`
	Exact       bool       `json:"exact"`
	Estimator   *Estimator `json:"estimator,omitempty"`
}

// Record returns the serializable form of r.
func (r *Result) Record() (*Record, error) {

	payload, err := r.Value.Payload()
	if err != nil {
		return nil, fmt.Errorf("cannot record result: %w", err)
	}

	return &Record{
		ID:          r.ID.String(),
		Operation:   r.Operation,
		InputCount:  r.InputCount,
		Ciphertexts: r.Ciphertexts,
		Sources:     r.Sources,
		Fingerprint: r.Value.Fingerprint.String(),
		Level:       r.Value.Level(),
		Scale:       r.Value.Scale(),
		Replicated:  r.Value.Replicated,
		Payload:     payload,
		Issued:      r.Issued,
		DurationMS:  float64(r.Duration) / float64(time.Millisecond),
		Exact:       r.Exact,
		Estimator:   r.Estimator,
	}, nil
}

// Result rebuilds the Result under ctx.
func (rec *Record) Result(ctx *engine.Context) (*Result, error) {

	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("cannot load result: %w", err)
	}

	fp, err := engine.ParseFingerprint(rec.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("cannot load result %s: %w", id, err)
	}

	value, err := ctx.DecodeCiphertext(fp, "", 0, 1, rec.Level, rec.Scale, rec.Payload)
	if err != nil {
		return nil, err
	}
	value.Replicated = rec.Replicated

	return &Result{
		ID:          id,
		Operation:   rec.Operation,
		InputCount:  rec.InputCount,
		Ciphertexts: rec.Ciphertexts,
		Sources:     rec.Sources,
		Value:       value,
		Issued:      rec.Issued,
		Duration:    time.Duration(rec.DurationMS * float64(time.Millisecond)),
		Exact:       rec.Exact,
		Estimator:   rec.Estimator,
	}, nil
}

// Outcome is a decrypted Result. Exact outcomes have Lower = Value = Upper.
type Outcome struct {
	Operation  Operation
	Value      float64
	Lower      float64
	Upper      float64
	Exact      bool
	InputCount int
}

func (o Outcome) String() string {
	if o.Exact {
		return fmt.Sprintf("%s = %.4f (%d readings)", o.Operation, o.Value, o.InputCount)
	}
	return fmt.Sprintf("%s ≈ %.4f in [%.4f, %.4f] (%d readings)", o.Operation, o.Value, o.Lower, o.Upper, o.InputCount)
}

// Finalize decrypts res with dec. For approximate operations it turns the
// decrypted power sum into an estimate and the interval that contains the
// true extremum.
func Finalize(res *Result, dec *engine.Decryptor) (*Outcome, error) {

	v, err := dec.Value(res.Value)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Operation:  res.Operation,
		Value:      v,
		Lower:      v,
		Upper:      v,
		Exact:      res.Exact,
		InputCount: res.InputCount,
	}

	if res.Exact {
		return out, nil
	}

	if res.Estimator == nil || res.Estimator.Power < 2 || res.InputCount <= 0 {
		return nil, fmt.Errorf("cannot finalize %s: missing estimator parameters", res.Operation)
	}

	b := res.Estimator.Bound
	m, spread := powerMean(v, res.InputCount, res.Estimator.Power)

	switch res.Operation {
	case ApproxMax:
		out.Value = b * m
		out.Lower = b * m
		out.Upper = math.Min(b, b*m*spread)
	case ApproxMin:
		out.Value = b * (1 - m)
		out.Lower = math.Max(0, b*(1-m*spread))
		out.Upper = b * (1 - m)
	default:
		return nil, fmt.Errorf("cannot finalize %s: not an estimator", res.Operation)
	}

	return out, nil
}

// powerMean returns M = (s/n)^(1/p) clamped to [0, 1] and n^(1/p).
func powerMean(s float64, n, p int) (m, spread float64) {

	const prec = 128

	inv := new(big.Float).SetPrec(prec).Quo(big.NewFloat(1), big.NewFloat(float64(p)))

	spread, _ = bigfloat.Pow(new(big.Float).SetPrec(prec).SetInt64(int64(n)), inv).Float64()

	switch {
	case !(s > 0):
		return 0, spread
	case math.IsInf(s, 1):
		return 1, spread
	}

	mean := new(big.Float).SetPrec(prec).Quo(big.NewFloat(s), big.NewFloat(float64(n)))
	m, _ = bigfloat.Pow(mean, inv).Float64()

	return math.Min(m, 1), spread
}
