package engine

var (
	// ExampleParametersLogN10 is a small parameter set with 512 slots and five
	// levels at scale 2^40. It is fast enough for unit tests and interactive
	// demos but does not offer 128-bit security.
	ExampleParametersLogN10 = ParametersLiteral{
		Degree:   1 << 10,
		LogQ:     []int{60, 40, 40, 40, 40, 40},
		LogP:     []int{60},
		LogScale: 40,
		Depth:    5,
	}

	// ExampleParametersLogN12 has 2048 slots and the same chain as
	// ExampleParametersLogN10.
	ExampleParametersLogN12 = ParametersLiteral{
		Degree:   1 << 12,
		LogQ:     []int{60, 40, 40, 40, 40, 40},
		LogP:     []int{60},
		LogScale: 40,
		Depth:    5,
	}

	// ExampleParametersDepth1 supports a single rescaling: a mean, but
	// neither a variance nor an extremum estimate.
	ExampleParametersDepth1 = ParametersLiteral{
		Degree:   1 << 10,
		LogQ:     []int{60, 40},
		LogP:     []int{60},
		LogScale: 40,
		Depth:    1,
	}
)
