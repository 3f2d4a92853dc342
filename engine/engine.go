package engine

import (
	"fmt"
	"math"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/tuneinsight/hemeter"
)

// Engine encodes and encrypts reading batches under a Context. It only
// holds public material. An Engine is safe for concurrent use: each call
// works on its own shallow copy of the lattigo encoder and encryptor, so a
// single instance can serve a whole fleet of producers.
type Engine struct {
	ctx        *Context
	encoders   sync.Pool
	encryptors sync.Pool
}

// NewEngine returns an Engine encrypting under ctx.
func NewEngine(ctx *Context) *Engine {

	encoder := ckks.NewEncoder(ctx.params)
	encryptor := rlwe.NewEncryptor(ctx.params, ctx.pk)

	e := &Engine{ctx: ctx}
	e.encoders.New = func() any { return encoder.ShallowCopy() }
	e.encryptors.New = func() any { return encryptor.ShallowCopy() }

	return e
}

// Context returns the Context of the Engine.
func (e *Engine) Context() *Context {
	return e.ctx
}

// Encode encodes values at the default scale of the Context.
func (e *Engine) Encode(values []float64) (*rlwe.Plaintext, error) {
	return e.EncodeAt(values, e.ctx.Scale())
}

// EncodeAt maps each value v to round(v*scale) in the slot domain of a
// plaintext at the maximum level. It returns a RangeError if a value is
// not finite, if |v*scale| exceeds what a ciphertext at level 0 can hold,
// or if the batch is larger than the slot width.
func (e *Engine) EncodeAt(values []float64, scale rlwe.Scale) (*rlwe.Plaintext, error) {

	const op = "encode"

	if len(values) == 0 {
		return nil, hemeter.Errorf(hemeter.RangeError, op, "empty batch")
	}

	if len(values) > e.ctx.Slots() {
		return nil, hemeter.Errorf(hemeter.RangeError, op, "batch of %d values exceeds the %d available slots", len(values), e.ctx.Slots())
	}

	s := scale.Float64()
	if s <= 0 || math.IsInf(s, 0) || math.IsNaN(s) {
		return nil, hemeter.Errorf(hemeter.RangeError, op, "invalid scale %g", s)
	}

	bound := e.ctx.Capacity(s)
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, hemeter.Errorf(hemeter.RangeError, op, "value %d is not finite", i)
		}
		if math.Abs(v) >= bound {
			return nil, hemeter.Errorf(hemeter.RangeError, op, "|%g| exceeds the representable bound %g at scale 2^%.1f", v, bound, math.Log2(s))
		}
	}

	pt := ckks.NewPlaintext(e.ctx.params, e.ctx.params.MaxLevel())
	pt.Scale = scale

	encoder := e.encoders.Get().(*ckks.Encoder)
	defer e.encoders.Put(encoder)

	if err := encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("cannot encode: %w", err)
	}

	return pt, nil
}

// Encrypt encrypts an encoded batch of count readings. The result is at
// the level of the plaintext and two encryptions of the same plaintext
// never produce the same payload.
func (e *Engine) Encrypt(pt *rlwe.Plaintext, source string, seq uint64, count int) (*Ciphertext, error) {

	if count <= 0 || count > e.ctx.Slots() {
		return nil, hemeter.Errorf(hemeter.RangeError, "encrypt", "count %d is outside of [1, %d]", count, e.ctx.Slots())
	}

	encryptor := e.encryptors.Get().(*rlwe.Encryptor)
	defer e.encryptors.Put(encryptor)

	ct, err := encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("cannot encrypt: %w", err)
	}

	return &Ciphertext{
		Fingerprint: e.ctx.fingerprint,
		SourceID:    source,
		Seq:         seq,
		Count:       count,
		Value:       ct,
	}, nil
}

// EncryptBatch packs values into as few ciphertexts as the slot width
// allows. The i-th ciphertext gets sequence number seq+i.
func (e *Engine) EncryptBatch(source string, seq uint64, values []float64) ([]*Ciphertext, error) {

	slots := e.ctx.Slots()

	cts := make([]*Ciphertext, 0, (len(values)+slots-1)/slots)

	for start := 0; start < len(values); start += slots {

		end := min(start+slots, len(values))

		pt, err := e.Encode(values[start:end])
		if err != nil {
			return nil, err
		}

		ct, err := e.Encrypt(pt, source, seq+uint64(len(cts)), end-start)
		if err != nil {
			return nil, err
		}

		cts = append(cts, ct)
	}

	return cts, nil
}
