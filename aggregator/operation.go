package aggregator

import (
	"fmt"
)

// Operation is an aggregation the Aggregator can compute.
type Operation uint8

const (
	// Sum adds every reading. It consumes no level.
	Sum Operation = iota + 1
	// Mean divides the sum by the number of readings. It consumes one level.
	Mean
	// Variance computes E[x²] − E[x]². It consumes two levels.
	Variance
	// ApproxMax estimates the largest reading with a power mean. It
	// consumes 1 + Config.Squarings levels and is not exact.
	ApproxMax
	// ApproxMin estimates the smallest reading with a power mean. It
	// consumes 1 + Config.Squarings levels and is not exact.
	ApproxMin
)

// Operations lists every Operation.
var Operations = []Operation{Sum, Mean, Variance, ApproxMax, ApproxMin}

var operationNames = map[Operation]string{
	Sum:       "sum",
	Mean:      "mean",
	Variance:  "variance",
	ApproxMax: "max",
	ApproxMin: "min",
}

func (op Operation) String() string {
	if name, ok := operationNames[op]; ok {
		return name
	}
	return fmt.Sprintf("operation(%d)", uint8(op))
}

// ParseOperation parses the names returned by String.
func ParseOperation(name string) (Operation, error) {
	for op, n := range operationNames {
		if n == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (op Operation) MarshalText() ([]byte, error) {
	if _, ok := operationNames[op]; !ok {
		return nil, fmt.Errorf("unknown operation %d", uint8(op))
	}
	return []byte(op.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (op *Operation) UnmarshalText(text []byte) (err error) {
	*op, err = ParseOperation(string(text))
	return
}

// Exact reports whether the operation is exact up to the approximation
// error of the scheme.
func (op Operation) Exact() bool {
	return op != ApproxMax && op != ApproxMin
}

// Levels returns the number of levels the operation consumes.
func (op Operation) Levels(cfg Config) int {
	switch op {
	case Mean:
		return 1
	case Variance:
		return 2
	case ApproxMax, ApproxMin:
		return 1 + cfg.Squarings
	default:
		return 0
	}
}
