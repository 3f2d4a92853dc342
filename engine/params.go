package engine

import (
	"fmt"
	"math/bits"

	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/tuneinsight/hemeter"
)

const (
	// MinLogDegree is the log2 of the smallest supported ring degree.
	MinLogDegree = 10
	// MaxLogDegree is the log2 of the largest supported ring degree.
	MaxLogDegree = 17
	// MaxModulusBits is the largest bit size of a prime of the modulus chain.
	MaxModulusBits = 60
)

// ParametersLiteral is the user-facing description of a Context.
type ParametersLiteral struct {
	// Degree is the ring degree N. It must be a power of two; a ciphertext
	// has N/2 slots.
	Degree int `yaml:"degree" json:"degree"`

	// LogQ lists the bit sizes of the ciphertext modulus chain, q_0 first.
	// Each prime after the first adds one level and should be close to
	// 2^LogScale. The first prime bounds the magnitude of a result that
	// has consumed every level.
	LogQ []int `yaml:"log_q" json:"log_q"`

	// LogP lists the bit sizes of the auxiliary key-switching primes. They
	// do not add levels; more primes make the evaluation keys smaller.
	LogP []int `yaml:"log_p" json:"log_p"`

	// LogScale is the log2 of the fixed-point scale of fresh encodings.
	LogScale int `yaml:"log_scale" json:"log_scale"`

	// Depth is the multiplicative depth the chain must support. It must be
	// len(LogQ)-1.
	Depth int `yaml:"depth" json:"depth"`

	// Width is the number of slots used per ciphertext and covered by the
	// slot inner sum. Zero means Degree/2.
	Width int `yaml:"width,omitempty" json:"width,omitempty"`
}

// DefaultParameters is the parameter set used when none is configured:
// N=2^14, Q of 210 bits and P of 120 bits for five levels at scale 2^30.
// A result at level 0 can hold magnitudes up to about 2^29.
var DefaultParameters = ParametersLiteral{
	Degree:   1 << 14,
	LogQ:     []int{60, 30, 30, 30, 30, 30},
	LogP:     []int{60, 60},
	LogScale: 30,
	Depth:    5,
}

// CopyNew returns a deep copy of the literal.
func (p ParametersLiteral) CopyNew() ParametersLiteral {
	p.LogQ = append([]int(nil), p.LogQ...)
	p.LogP = append([]int(nil), p.LogP...)
	return p
}

// Slots returns the number of slots used per ciphertext.
func (p ParametersLiteral) Slots() int {
	if p.Width == 0 {
		return p.Degree / 2
	}
	return p.Width
}

// Validate checks the literal and returns a ParamError describing the
// first inconsistency found.
func (p ParametersLiteral) Validate() error {

	const op = "validate parameters"

	if p.Degree <= 0 || p.Degree&(p.Degree-1) != 0 {
		return hemeter.Errorf(hemeter.ParamError, op, "degree %d is not a power of two", p.Degree)
	}

	if logN := bits.Len(uint(p.Degree)) - 1; logN < MinLogDegree || logN > MaxLogDegree {
		return hemeter.Errorf(hemeter.ParamError, op, "degree 2^%d is outside of [2^%d, 2^%d]", logN, MinLogDegree, MaxLogDegree)
	}

	if p.Depth < 0 {
		return hemeter.Errorf(hemeter.ParamError, op, "depth %d is negative", p.Depth)
	}

	if len(p.LogQ) != p.Depth+1 {
		return hemeter.Errorf(hemeter.ParamError, op, "modulus chain has %d primes but depth %d requires %d", len(p.LogQ), p.Depth, p.Depth+1)
	}

	if len(p.LogP) == 0 {
		return hemeter.Errorf(hemeter.ParamError, op, "at least one key-switching prime is required")
	}

	for i, b := range p.LogQ {
		if b <= 0 || b > MaxModulusBits {
			return hemeter.Errorf(hemeter.ParamError, op, "LogQ[%d]=%d is outside of (0, %d]", i, b, MaxModulusBits)
		}
	}

	for i, b := range p.LogP {
		if b <= 0 || b > MaxModulusBits {
			return hemeter.Errorf(hemeter.ParamError, op, "LogP[%d]=%d is outside of (0, %d]", i, b, MaxModulusBits)
		}
	}

	if p.LogScale <= 0 || p.LogScale >= p.LogQ[0] {
		return hemeter.Errorf(hemeter.ParamError, op, "scale 2^%d does not fit below the first modulus (2^%d)", p.LogScale, p.LogQ[0])
	}

	if w := p.Slots(); w <= 0 || w&(w-1) != 0 || w > p.Degree/2 {
		return hemeter.Errorf(hemeter.ParamError, op, "width %d is not a power of two in [1, %d]", w, p.Degree/2)
	}

	return nil
}

// Parameters validates the literal and instantiates the CKKS parameters.
func (p ParametersLiteral) Parameters() (params ckks.Parameters, err error) {

	if err = p.Validate(); err != nil {
		return
	}

	if params, err = ckks.NewParametersFromLiteral(ckks.ParametersLiteral{
		LogN:            bits.Len(uint(p.Degree)) - 1,
		LogQ:            p.LogQ,
		LogP:            p.LogP,
		LogDefaultScale: p.LogScale,
	}); err != nil {
		return params, hemeter.Wrap(hemeter.ParamError, "instantiate parameters", err)
	}

	return
}

func (p ParametersLiteral) String() string {
	return fmt.Sprintf("N=%d/LogQ=%v/LogP=%v/LogScale=%d/Depth=%d/Width=%d", p.Degree, p.LogQ, p.LogP, p.LogScale, p.Depth, p.Slots())
}
