// Package engine implements the cryptographic core of hemeter: the public
// Context every component shares, fixed-point encoding and encryption of
// reading batches, and decryption by the owner of the secret key.
package engine

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	"github.com/zeebo/blake3"

	"github.com/tuneinsight/hemeter"
	"github.com/tuneinsight/hemeter/codec"
)

// Fingerprint identifies a Context. Ciphertexts carry the fingerprint of
// the Context they were created under and only ciphertexts with equal
// fingerprints can be combined.
type Fingerprint [32]byte

// IsZero reports whether f is the zero value, which no Context has.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ParseFingerprint parses the hexadecimal form returned by String.
func ParseFingerprint(s string) (f Fingerprint, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("invalid fingerprint: %w", err)
	}
	if len(b) != len(f) {
		return f, fmt.Errorf("invalid fingerprint: %d bytes", len(b))
	}
	copy(f[:], b)
	return f, nil
}

// Short returns the first eight bytes in hexadecimal, for logs.
func (f Fingerprint) Short() string {
	return hex.EncodeToString(f[:8])
}

var contextDomainKey = [32]byte{
	'h', 'e', 'm', 'e', 't', 'e', 'r', '.', 'e', 'n', 'g', 'i', 'n', 'e', '.',
	'c', 'o', 'n', 't', 'e', 'x', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Context is the immutable public parameter bundle shared by producers, the
// ingestion server and the aggregator: CKKS parameters, the public
// encryption key and the evaluation keys needed by the aggregation
// operations. It holds no secret material and is safe for concurrent use.
type Context struct {
	literal     ParametersLiteral
	params      ckks.Parameters
	pk          *rlwe.PublicKey
	rlk         *rlwe.RelinearizationKey
	gks         []*rlwe.GaloisKey
	evk         *rlwe.MemEvaluationKeySet
	fingerprint Fingerprint
}

// NewContext validates the literal, generates a fresh key set and returns
// the public Context together with the Secret that decrypts under it. The
// Secret must stay with the caller.
func NewContext(literal ParametersLiteral) (*Context, *Secret, error) {

	params, err := literal.Parameters()
	if err != nil {
		return nil, nil, err
	}

	literal = literal.CopyNew()
	literal.Width = literal.Slots()

	kgen := ckks.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)
	gks := kgen.GenGaloisKeysNew(params.GaloisElementsForInnerSum(1, literal.Width), sk)

	ctx, err := newContext(literal, params, pk, rlk, gks)
	if err != nil {
		return nil, nil, err
	}

	return ctx, &Secret{sk: sk, fingerprint: ctx.fingerprint}, nil
}

func newContext(literal ParametersLiteral, params ckks.Parameters, pk *rlwe.PublicKey, rlk *rlwe.RelinearizationKey, gks []*rlwe.GaloisKey) (*Context, error) {

	fp, err := fingerprintOf(params, literal.Width, pk)
	if err != nil {
		return nil, err
	}

	return &Context{
		literal:     literal,
		params:      params,
		pk:          pk,
		rlk:         rlk,
		gks:         gks,
		evk:         rlwe.NewMemEvaluationKeySet(rlk, gks...),
		fingerprint: fp,
	}, nil
}

func fingerprintOf(params ckks.Parameters, width int, pk *rlwe.PublicKey) (fp Fingerprint, err error) {

	pb, err := params.MarshalBinary()
	if err != nil {
		return fp, fmt.Errorf("cannot fingerprint: %w", err)
	}

	kb, err := pk.MarshalBinary()
	if err != nil {
		return fp, fmt.Errorf("cannot fingerprint: %w", err)
	}

	h, err := blake3.NewKeyed(contextDomainKey[:])
	if err != nil {
		panic("engine: BLAKE3 keyed hash initialization failed: " + err.Error())
	}

	var w [8]byte
	binary.LittleEndian.PutUint64(w[:], uint64(width))

	h.Write(pb)
	h.Write(w[:])
	h.Write(kb)
	copy(fp[:], h.Sum(nil))

	return
}

// Literal returns a copy of the literal the Context was created from.
func (c *Context) Literal() ParametersLiteral {
	return c.literal.CopyNew()
}

// Parameters returns the CKKS parameters.
func (c *Context) Parameters() ckks.Parameters {
	return c.params
}

// Fingerprint returns the identifier of the Context.
func (c *Context) Fingerprint() Fingerprint {
	return c.fingerprint
}

// MaxLevel returns the level of fresh ciphertexts.
func (c *Context) MaxLevel() int {
	return c.params.MaxLevel()
}

// Slots returns the number of slots used per ciphertext.
func (c *Context) Slots() int {
	return c.literal.Width
}

// Scale returns the fixed-point scale of fresh encodings.
func (c *Context) Scale() rlwe.Scale {
	return c.params.DefaultScale()
}

// Capacity returns the largest magnitude a value can have at the given
// scale and still be recovered from a ciphertext at level 0.
func (c *Context) Capacity(scale float64) float64 {
	q0 := float64(c.params.Q()[0])
	return q0 / (2 * scale)
}

// MaxPayloadSize returns the binary size of a fresh ciphertext, which no
// valid payload exceeds.
func (c *Context) MaxPayloadSize() int {
	return rlwe.NewCiphertext(c.params, 1, c.params.MaxLevel()).BinarySize()
}

// EvaluationKeys returns the evaluation key set used by the aggregator.
func (c *Context) EvaluationKeys() rlwe.EvaluationKeySet {
	return c.evk
}

// Compatible returns an IncompatibleContext error if fp is not the
// fingerprint of c.
func (c *Context) Compatible(op string, fp Fingerprint) error {
	if fp != c.fingerprint {
		return hemeter.Errorf(hemeter.IncompatibleContext, op, "fingerprint %s does not match context %s", fp.Short(), c.fingerprint.Short())
	}
	return nil
}

const contextFileVersion = 1

type contextFile struct {
	Version            int               `cbor:"1,keyasint"`
	Literal            ParametersLiteral `cbor:"2,keyasint"`
	Parameters         []byte            `cbor:"3,keyasint"`
	PublicKey          []byte            `cbor:"4,keyasint"`
	RelinearizationKey []byte            `cbor:"5,keyasint"`
	GaloisKeys         [][]byte          `cbor:"6,keyasint"`
}

// WriteTo writes the public Context to w.
func (c *Context) WriteTo(w io.Writer) (n int64, err error) {

	f := contextFile{
		Version: contextFileVersion,
		Literal: c.literal,
	}

	if f.Parameters, err = c.params.MarshalBinary(); err != nil {
		return 0, fmt.Errorf("cannot write context: %w", err)
	}

	if f.PublicKey, err = c.pk.MarshalBinary(); err != nil {
		return 0, fmt.Errorf("cannot write context: %w", err)
	}

	if f.RelinearizationKey, err = c.rlk.MarshalBinary(); err != nil {
		return 0, fmt.Errorf("cannot write context: %w", err)
	}

	f.GaloisKeys = make([][]byte, len(c.gks))
	for i, gk := range c.gks {
		if f.GaloisKeys[i], err = gk.MarshalBinary(); err != nil {
			return 0, fmt.Errorf("cannot write context: %w", err)
		}
	}

	b, err := codec.Marshal(f)
	if err != nil {
		return 0, fmt.Errorf("cannot write context: %w", err)
	}

	m, err := w.Write(b)
	return int64(m), err
}

// ReadContext reads a Context written by WriteTo.
func ReadContext(r io.Reader) (*Context, error) {

	var f contextFile
	if err := codec.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("cannot read context: %w", err)
	}

	if f.Version != contextFileVersion {
		return nil, fmt.Errorf("cannot read context: unsupported version %d", f.Version)
	}

	if err := f.Literal.Validate(); err != nil {
		return nil, err
	}

	var params ckks.Parameters
	if err := params.UnmarshalBinary(f.Parameters); err != nil {
		return nil, fmt.Errorf("cannot read context: parameters: %w", err)
	}

	if params.N() != f.Literal.Degree || params.MaxLevel() != f.Literal.Depth {
		return nil, hemeter.Errorf(hemeter.ParamError, "read context", "parameters do not match literal %s", f.Literal)
	}

	pk := rlwe.NewPublicKey(params)
	if err := pk.UnmarshalBinary(f.PublicKey); err != nil {
		return nil, fmt.Errorf("cannot read context: public key: %w", err)
	}

	rlk := rlwe.NewRelinearizationKey(params)
	if err := rlk.UnmarshalBinary(f.RelinearizationKey); err != nil {
		return nil, fmt.Errorf("cannot read context: relinearization key: %w", err)
	}

	gks := make([]*rlwe.GaloisKey, len(f.GaloisKeys))
	for i, b := range f.GaloisKeys {
		gks[i] = new(rlwe.GaloisKey)
		if err := gks[i].UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("cannot read context: galois key %d: %w", i, err)
		}
	}

	return newContext(f.Literal, params, pk, rlk, gks)
}
