package optimization

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"xpinn-pbe/internal/domain"
)

// FirstOrder стохастический оптимизатор первого порядка над плоским вектором.
type FirstOrder interface {
	Step(params []float64, grads []float64)
	LR() float64
	State() domain.OptimizerState
}

const (
	MethodAdam    = "adam"
	MethodAdaGrad = "adagrad"
)

func NewFirstOrder(method string, numParams int, schedule LRSchedule) (FirstOrder, error) {
	switch strings.ToLower(method) {
	case MethodAdam:
		return NewAdam(numParams, schedule), nil
	case MethodAdaGrad:
		return NewAdaGrad(numParams, schedule), nil
	}
	return nil, fmt.Errorf("unsupported optimizer %q", method)
}

// RestoreFirstOrder rebuilds an optimizer from a checkpointed state.
func RestoreFirstOrder(state domain.OptimizerState, numParams int, schedule LRSchedule) (FirstOrder, error) {
	switch state.Method {
	case MethodAdam:
		if len(state.Moment1) != numParams || len(state.Moment2) != numParams {
			return nil, fmt.Errorf("adam state has %d/%d moments for %d params", len(state.Moment1), len(state.Moment2), numParams)
		}
		opt := NewAdam(numParams, schedule)
		copy(opt.M, state.Moment1)
		copy(opt.V, state.Moment2)
		opt.T = state.Step
		return opt, nil
	case MethodAdaGrad:
		if len(state.Moment2) != numParams {
			return nil, fmt.Errorf("adagrad state has %d accumulators for %d params", len(state.Moment2), numParams)
		}
		opt := NewAdaGrad(numParams, schedule)
		copy(opt.G, state.Moment2)
		opt.T = state.Step
		return opt, nil
	}
	return nil, fmt.Errorf("unsupported optimizer state %q", state.Method)
}

type Adam struct {
	M, V     []float64 // First and second moment estimates
	Beta1    float64   // Typically 0.9
	Beta2    float64   // Typically 0.999
	Eps      float64
	T        int // Timestep (for bias correction and the LR schedule)
	schedule LRSchedule
}

func NewAdam(numParams int, schedule LRSchedule) *Adam {
	return &Adam{
		M:        make([]float64, numParams),
		V:        make([]float64, numParams),
		Beta1:    0.9,
		Beta2:    0.999,
		Eps:      1e-7,
		schedule: schedule,
	}
}

// LR returns the rate the next step will use.
func (opt *Adam) LR() float64 {
	return opt.schedule.Rate(opt.T)
}

func (opt *Adam) Step(params []float64, grads []float64) {
	lr := opt.LR()
	opt.T++

	// Bias correction factors
	bc1 := 1.0 - math.Pow(opt.Beta1, float64(opt.T))
	bc2 := 1.0 - math.Pow(opt.Beta2, float64(opt.T))

	for i := range params {
		g := grads[i]
		opt.M[i] = opt.Beta1*opt.M[i] + (1-opt.Beta1)*g
		opt.V[i] = opt.Beta2*opt.V[i] + (1-opt.Beta2)*g*g

		mHat := opt.M[i] / bc1
		vHat := opt.V[i] / bc2

		params[i] -= lr * mHat / (math.Sqrt(vHat) + opt.Eps)
	}
}

func (opt *Adam) State() domain.OptimizerState {
	return domain.OptimizerState{
		Method:  MethodAdam,
		Step:    opt.T,
		Moment1: slices.Clone(opt.M),
		Moment2: slices.Clone(opt.V),
	}
}

type AdaGrad struct {
	G        []float64
	Eps      float64
	T        int
	schedule LRSchedule
}

func NewAdaGrad(numParams int, schedule LRSchedule) *AdaGrad {
	return &AdaGrad{
		G:        make([]float64, numParams),
		Eps:      1e-8,
		schedule: schedule,
	}
}

func (opt *AdaGrad) LR() float64 {
	return opt.schedule.Rate(opt.T)
}

func (opt *AdaGrad) Step(params []float64, grads []float64) {
	lr := opt.LR()
	opt.T++
	for i := range params {
		g := grads[i]
		if g == 0 {
			continue
		}
		opt.G[i] += g * g
		params[i] -= lr / (math.Sqrt(opt.G[i]) + opt.Eps) * g
	}
}

func (opt *AdaGrad) State() domain.OptimizerState {
	return domain.OptimizerState{
		Method:  MethodAdaGrad,
		Step:    opt.T,
		Moment2: slices.Clone(opt.G),
	}
}
