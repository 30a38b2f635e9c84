package app

import (
	"errors"
	"math"

	"go.uber.org/zap"

	"xpinn-pbe/internal/domain"
	"xpinn-pbe/pkg/field"
)

var (
	errNoCharges       = errors.New("no point charges")
	errNonFiniteEnergy = errors.New("non-finite solvation energy")
)

// SolvationEnergy вычисляет энергию сольватации (ккал/моль) по внутреннему полю.
func SolvationEnergy(formulation domain.Formulation, dual *field.DualField) float64 {
	interior := dual.Field(domain.Interior)
	return domain.SolvationEnergy(formulation.Charges(), func(x domain.Point) float64 {
		return formulation.ReactionPotential(interior.Value(x), x)
	})
}

// SolvationMonitor периодически вычисляет энергию сольватации. Failures are
// reported as MonitoringFailure and never stop training.
type SolvationMonitor struct {
	logger      *zap.Logger
	formulation domain.Formulation
	every       int
}

func NewSolvationMonitor(logger *zap.Logger, config *domain.Config, formulation domain.Formulation) *SolvationMonitor {
	return &SolvationMonitor{logger: logger, formulation: formulation, every: config.GSolveIter}
}

func (m *SolvationMonitor) Due(iteration int) bool {
	return m.every > 0 && iteration%m.every == 0
}

func (m *SolvationMonitor) Compute(iteration int, dual *field.DualField) (energy float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.MonitoringFailure{Iteration: iteration, Wrapped: errors.New("panic while evaluating reaction potential")}
		}
	}()

	if len(m.formulation.Charges()) == 0 {
		return 0, &domain.MonitoringFailure{Iteration: iteration, Wrapped: errNoCharges}
	}
	energy = SolvationEnergy(m.formulation, dual)
	if math.IsNaN(energy) || math.IsInf(energy, 0) {
		return 0, &domain.MonitoringFailure{Iteration: iteration, Wrapped: errNonFiniteEnergy}
	}

	m.logger.Info("Solvation energy",
		zap.Int("iteration", iteration),
		zap.Float64("G_solv_kcal_mol", energy))
	return energy, nil
}
