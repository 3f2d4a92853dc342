package engine

import (
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// Decryptor recovers the readings of ciphertexts. It can only be built
// from the Secret of the Context.
type Decryptor struct {
	ctx       *Context
	mu        sync.Mutex
	encoder   *ckks.Encoder
	decryptor *rlwe.Decryptor
}

// NewDecryptor returns a Decryptor for ciphertexts created under ctx.
func NewDecryptor(ctx *Context, secret *Secret) (*Decryptor, error) {

	if err := ctx.Compatible("create decryptor", secret.fingerprint); err != nil {
		return nil, err
	}

	return &Decryptor{
		ctx:       ctx,
		encoder:   ckks.NewEncoder(ctx.params),
		decryptor: rlwe.NewDecryptor(ctx.params, secret.sk),
	}, nil
}

// Decrypt returns the first ct.Count slots of ct. The error of each value
// grows with the number of levels consumed and shrinks with the scale.
func (d *Decryptor) Decrypt(ct *Ciphertext) ([]float64, error) {

	if err := d.ctx.Compatible("decrypt", ct.Fingerprint); err != nil {
		return nil, err
	}

	values := make([]float64, d.ctx.params.MaxSlots())

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.encoder.Decode(d.decryptor.DecryptNew(ct.Value), values); err != nil {
		return nil, fmt.Errorf("cannot decrypt: %w", err)
	}

	return values[:min(ct.Count, len(values))], nil
}

// Value returns the first slot of ct, where aggregates are stored.
func (d *Decryptor) Value(ct *Ciphertext) (float64, error) {
	values, err := d.Decrypt(ct)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("cannot decrypt: empty ciphertext")
	}
	return values[0], nil
}
