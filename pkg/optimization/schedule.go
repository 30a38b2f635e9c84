package optimization

import (
	"fmt"
	"math"

	"xpinn-pbe/internal/domain"
)

const (
	ScheduleExponentialDecay = "exponential_decay"
	ScheduleConstant         = "constant"
)

// LRSchedule returns the learning rate for an optimizer step. Schedules are
// pure functions of the step counter so a restored counter restores the rate.
type LRSchedule interface {
	Rate(step int) float64
	Name() string
}

// ExponentialDecay lr = lr0 · rate^(step/decaySteps), floored when staircase.
type ExponentialDecay struct {
	Initial    float64
	DecaySteps int
	DecayRate  float64
	Staircase  bool
}

func (s ExponentialDecay) Rate(step int) float64 {
	p := float64(step) / float64(s.DecaySteps)
	if s.Staircase {
		p = math.Floor(p)
	}
	return s.Initial * math.Pow(s.DecayRate, p)
}

func (s ExponentialDecay) Name() string {
	return ScheduleExponentialDecay
}

type ConstantRate float64

func (s ConstantRate) Rate(int) float64 {
	return float64(s)
}

func (s ConstantRate) Name() string {
	return ScheduleConstant
}

func NewSchedule(cfg domain.LRSchedule) (LRSchedule, error) {
	if !(cfg.InitialLearningRate > 0) || math.IsInf(cfg.InitialLearningRate, 0) {
		return nil, fmt.Errorf("initial_learning_rate must be positive, got %v", cfg.InitialLearningRate)
	}
	switch cfg.Method {
	case ScheduleExponentialDecay:
		if cfg.DecaySteps <= 0 || cfg.DecayRate <= 0 {
			return nil, fmt.Errorf("exponential_decay needs positive decay_steps and decay_rate")
		}
		return ExponentialDecay{
			Initial:    cfg.InitialLearningRate,
			DecaySteps: cfg.DecaySteps,
			DecayRate:  cfg.DecayRate,
			Staircase:  cfg.Staircase,
		}, nil
	case "", ScheduleConstant:
		return ConstantRate(cfg.InitialLearningRate), nil
	}
	return nil, fmt.Errorf("unknown learning rate schedule %q", cfg.Method)
}
