package app

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"xpinn-pbe/internal/domain"
)

// minGradNorm is the floor below which a gradient-norm measurement is degenerate.
const minGradNorm = 1e-12

const (
	AdaptGradients = "gradients"
	AdaptNone      = "none"
)

// WeightController хранит по таблице весов на подобласть и периодически
// перевзвешивает слагаемые по нормам их градиентов. The two tables are never
// merged.
type WeightController struct {
	logger  *zap.Logger
	enabled bool
	every   int
	alpha   float64
	tables  map[domain.Domain]domain.WeightTable
}

func NewWeightController(logger *zap.Logger, config *domain.Config) (*WeightController, error) {
	c := &WeightController{
		logger:  logger,
		enabled: config.AdaptationEnabled(),
		every:   config.AdaptWIter,
		alpha:   config.Alpha(),
		tables:  make(map[domain.Domain]domain.WeightTable),
	}
	if c.enabled && c.every <= 0 {
		return nil, domain.NewConfigurationError("adapt_w_iter", "must be positive when adaptation is enabled")
	}
	for _, d := range domain.Domains {
		table := config.InitialWeights(d)
		if tag, ok := table.Validate(); !ok {
			return nil, domain.NewConfigurationError("weights", "weight of %s must be positive and finite, got %g", tag, table[tag])
		}
		c.tables[d] = table
	}
	return c, nil
}

// Due reports whether weights are adapted at iteration.
func (c *WeightController) Due(iteration int) bool {
	return c.enabled && iteration > 0 && iteration%c.every == 0
}

// Table returns a copy of the current weights of d.
func (c *WeightController) Table(d domain.Domain) domain.WeightTable {
	return c.tables[d].Clone()
}

// Tables returns copies of both tables.
func (c *WeightController) Tables() map[domain.Domain]domain.WeightTable {
	out := make(map[domain.Domain]domain.WeightTable, len(c.tables))
	for d, t := range c.tables {
		out[d] = t.Clone()
	}
	return out
}

// Restore replaces the tables with checkpointed ones.
func (c *WeightController) Restore(tables map[domain.Domain]domain.WeightTable) error {
	for _, d := range domain.Domains {
		table, ok := tables[d]
		if !ok {
			return fmt.Errorf("missing %s weight table", d)
		}
		for tag := range c.tables[d] {
			if _, ok := table[tag]; !ok {
				return fmt.Errorf("%s weight table lacks term %s", d, tag)
			}
		}
		if tag, ok := table.Validate(); !ok {
			return fmt.Errorf("%s weight of %s is not positive and finite", d, tag)
		}
	}
	for _, d := range domain.Domains {
		c.tables[d] = tables[d].Clone()
	}
	return nil
}

// Update перевзвешивает слагаемые подобласти d. Outside the adaptation
// cadence the table is returned unchanged. For every term
//
//	target = ‖∇L_ref‖ / ‖∇L_T‖,  w ← α·w + (1−α)·target
//
// where the reference is the domain's PDE residual. Terms without samples or
// with a degenerate gradient norm keep their weight.
func (c *WeightController) Update(d domain.Domain, terms []domain.LossTerm, iteration int) domain.WeightTable {
	table := c.tables[d]
	if !c.Due(iteration) {
		return table.Clone()
	}

	ref, ok := c.reference(d, terms)
	if !ok {
		c.logger.Warn("No usable reference gradient, weights unchanged",
			zap.String("domain", d.String()),
			zap.Int("iteration", iteration))
		return table.Clone()
	}

	for _, term := range terms {
		old, known := table[term.Tag]
		if !known || term.Domain != d {
			continue
		}
		if term.Samples == 0 || !usable(term.GradNorm) {
			c.logger.Debug("Weight frozen",
				zap.String("domain", d.String()),
				zap.String("term", string(term.Tag)),
				zap.Int("samples", term.Samples),
				zap.Float64("grad_norm", term.GradNorm))
			continue
		}

		target := ref / math.Max(term.GradNorm, minGradNorm)
		updated := c.alpha*old + (1-c.alpha)*target
		if !(updated > 0) || math.IsInf(updated, 0) {
			c.logger.Warn("Rejected non-finite weight",
				zap.String("domain", d.String()),
				zap.String("term", string(term.Tag)),
				zap.Float64("candidate", updated))
			continue
		}
		table[term.Tag] = updated
	}

	c.logger.Info("Weights adapted",
		zap.String("domain", d.String()),
		zap.Int("iteration", iteration),
		zap.Any("weights", table))
	return table.Clone()
}

// reference gradient norm: the PDE residual of d, or the largest usable norm.
func (c *WeightController) reference(d domain.Domain, terms []domain.LossTerm) (float64, bool) {
	var best float64
	found := false
	for _, term := range terms {
		if term.Domain != d || term.Samples == 0 || !usable(term.GradNorm) {
			continue
		}
		if term.Tag == domain.ResidualTag(d) {
			return term.GradNorm, true
		}
		if term.GradNorm > best {
			best, found = term.GradNorm, true
		}
	}
	return best, found
}

func usable(norm float64) bool {
	return norm >= minGradNorm && !math.IsInf(norm, 0) && !math.IsNaN(norm)
}
