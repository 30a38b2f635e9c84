package network

import (
	"fmt"
	"math"
)

type activationFunc func(float64) float64

func lookupActivation(name string) (activationFunc, error) {
	switch name {
	case "", "tanh":
		return math.Tanh, nil
	case "sigmoid":
		return func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }, nil
	case "sin":
		return math.Sin, nil
	case "softplus":
		return func(x float64) float64 {
			if x > 30 {
				return x
			}
			return math.Log1p(math.Exp(x))
		}, nil
	}
	return nil, fmt.Errorf("unsupported activation %q", name)
}
