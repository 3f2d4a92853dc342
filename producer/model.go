package producer

import (
	"crypto/sha256"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Reading is one measurement of a source.
type Reading struct {
	SourceID string
	Time     time.Time
	Value    float64
}

// ModelConfig parameterizes the household load curve.
type ModelConfig struct {
	// Base is the load of the first meter, in watts.
	Base float64 `yaml:"base" json:"base"`
	// Step is added to the base load for each meter index.
	Step float64 `yaml:"step" json:"step"`
	// Amplitude is the amplitude of the daily cycle.
	Amplitude float64 `yaml:"amplitude" json:"amplitude"`
	// Noise bounds the uniform noise added to every reading.
	Noise float64 `yaml:"noise" json:"noise"`
	// Max caps the readings. Aggregations of extrema assume it as bound.
	Max float64 `yaml:"max" json:"max"`
}

// DefaultModel is a household drawing 2 kW on average with a daily swing
// of 800 W.
var DefaultModel = ModelConfig{
	Base:      2000,
	Step:      100,
	Amplitude: 800,
	Noise:     500,
	Max:       10000,
}

// Validate checks the model.
func (m ModelConfig) Validate() error {
	for name, v := range map[string]float64{"base": m.Base, "step": m.Step, "amplitude": m.Amplitude, "noise": m.Noise} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("invalid model: %s %g must be finite and non-negative", name, v)
		}
	}
	if !(m.Max > 0) || math.IsInf(m.Max, 0) {
		return fmt.Errorf("invalid model: max %g must be positive", m.Max)
	}
	return nil
}

// LoadModel generates the readings of one meter: a base load growing with
// the meter index, a sine over the day and bounded uniform noise, clamped
// to [0, Max]. It is not safe for concurrent use.
type LoadModel struct {
	cfg   ModelConfig
	index int
	rng   *rand.Rand
}

// NewLoadModel returns the model of the meter with the given index. The
// noise is drawn from a ChaCha8 stream keyed by HKDF-SHA256 over the
// fleet seed and the source id, so two runs with the same seed produce
// the same readings.
func NewLoadModel(cfg ModelConfig, seed []byte, source string, index int) (*LoadModel, error) {

	var key [32]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte("hemeter.producer.model/"+source)), key[:]); err != nil {
		return nil, fmt.Errorf("cannot derive model key: %w", err)
	}

	return &LoadModel{
		cfg:   cfg,
		index: index,
		rng:   rand.New(rand.NewChaCha8(key)),
	}, nil
}

// Next returns the reading at time t.
func (m *LoadModel) Next(t time.Time) float64 {

	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	day := t.Sub(midnight).Seconds() / (24 * 60 * 60)

	v := m.cfg.Base + m.cfg.Step*float64(m.index)
	v += m.cfg.Amplitude * math.Sin(2*math.Pi*day)
	v += m.cfg.Noise * (2*m.rng.Float64() - 1)

	return math.Min(math.Max(v, 0), m.cfg.Max)
}
