package engine

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

// PrecisionStats summarizes the absolute error between reference values
// and decrypted values.
type PrecisionStats struct {
	MINErr float64
	MAXErr float64
	AVGErr float64
	MEDErr float64
	STDErr float64

	// MINLog2Prec is -log2(MAXErr), the number of correct fractional bits
	// of the worst value.
	MINLog2Prec float64
	// AVGLog2Prec is -log2(AVGErr).
	AVGLog2Prec float64
}

func (prec PrecisionStats) String() string {
	return fmt.Sprintf(`
┌─────────┬────────────┐
│MIN Err  │ %10.3e │
│MAX Err  │ %10.3e │
│AVG Err  │ %10.3e │
│MED Err  │ %10.3e │
│STD Err  │ %10.3e │
├─────────┼────────────┤
│MIN Prec │ %10.2f │
│AVG Prec │ %10.2f │
└─────────┴────────────┘
`,
		prec.MINErr, prec.MAXErr, prec.AVGErr, prec.MEDErr, prec.STDErr,
		prec.MINLog2Prec, prec.AVGLog2Prec)
}

// GetPrecisionStats compares want and have slot by slot.
func GetPrecisionStats(want, have []float64) (prec PrecisionStats, err error) {

	if len(want) != len(have) || len(want) == 0 {
		return prec, fmt.Errorf("cannot compute precision: %d reference values for %d values", len(want), len(have))
	}

	errs := make(stats.Float64Data, len(want))
	for i := range want {
		errs[i] = math.Abs(want[i] - have[i])
	}

	if prec.MINErr, err = errs.Min(); err != nil {
		return
	}
	if prec.MAXErr, err = errs.Max(); err != nil {
		return
	}
	if prec.AVGErr, err = errs.Mean(); err != nil {
		return
	}
	if prec.MEDErr, err = errs.Median(); err != nil {
		return
	}
	if prec.STDErr, err = errs.StandardDeviation(); err != nil {
		return
	}

	prec.MINLog2Prec = -math.Log2(prec.MAXErr)
	prec.AVGLog2Prec = -math.Log2(prec.AVGErr)

	return
}
