package optimization

import (
	"errors"
	"math"
	"slices"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"

	"xpinn-pbe/internal/domain"
)

// paramStep шаг центральной разности по параметрам сети
const paramStep = 1e-5

// TermFunc evaluates every unweighted loss term at the parameter vector x.
// It must not modify x.
type TermFunc func(x []float64) (map[domain.TermKey]float64, error)

// CostFunction взвешенная сумма слагаемых потерь как функция параметров.
type CostFunction struct {
	logger  *zap.Logger
	terms   TermFunc
	weights map[domain.TermKey]float64
	keys    []domain.TermKey
	err     error
	evals   int
}

func NewCostFunction(logger *zap.Logger, terms TermFunc, weights map[domain.TermKey]float64) *CostFunction {
	return &CostFunction{
		logger:  logger,
		terms:   terms,
		weights: weights,
		keys:    SortedKeys(weights),
	}
}

// SortedKeys orders term keys by domain, then by canonical tag order.
func SortedKeys[V any](m map[domain.TermKey]V) []domain.TermKey {
	keys := make([]domain.TermKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Domain != keys[j].Domain {
			return keys[i].Domain < keys[j].Domain
		}
		return slices.Index(domain.AllTags, keys[i].Tag) < slices.Index(domain.AllTags, keys[j].Tag)
	})
	return keys
}

// Terms вычисляет невзвешенные слагаемые и проверяет их конечность.
func (c *CostFunction) Terms(x []float64) (map[domain.TermKey]float64, error) {
	c.evals++
	terms, err := c.terms(x)
	if err != nil {
		return nil, err
	}
	for _, key := range SortedKeys(terms) {
		if v := terms[key]; math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &domain.NumericalInstabilityError{Domain: key.Domain, Tag: key.Tag, Quantity: "loss"}
		}
	}
	return terms, nil
}

// Weighted returns Σ w·L over the weighted keys in a fixed order.
func (c *CostFunction) Weighted(terms map[domain.TermKey]float64) float64 {
	var total float64
	for _, key := range c.keys {
		total += c.weights[key] * terms[key]
	}
	return total
}

// Value основная функция стоимости для gonum/optimize. A failed evaluation is
// remembered in Err and reported as NaN.
func (c *CostFunction) Value(x []float64) float64 {
	terms, err := c.Terms(x)
	if err != nil {
		c.fail(err)
		return math.NaN()
	}
	return c.Weighted(terms)
}

// Gradient вычисляет градиент функции в точке x центральными разностями.
func (c *CostFunction) Gradient(grad, x []float64) {
	fd.Gradient(grad, c.Value, x, &fd.Settings{Formula: fd.Central, Step: paramStep})
	for i, g := range grad {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			c.logger.Debug("Non-finite gradient component", zap.Int("index", i))
			c.fail(&domain.NumericalInstabilityError{Quantity: "gradient"})
			return
		}
	}
}

// TermGradients returns the terms at x and the gradient of every term with
// respect to x, sharing the 2·len(x) evaluations between terms.
func (c *CostFunction) TermGradients(x []float64) (map[domain.TermKey]float64, map[domain.TermKey][]float64, error) {
	base, err := c.Terms(x)
	if err != nil {
		return nil, nil, err
	}

	grads := make(map[domain.TermKey][]float64, len(base))
	for key := range base {
		grads[key] = make([]float64, len(x))
	}

	// Временная копия, входной x не трогаем
	xMod := slices.Clone(x)
	for i := range xMod {
		xMod[i] = x[i] + paramStep
		plus, err := c.Terms(xMod)
		if err != nil {
			return nil, nil, asGradientError(err)
		}
		xMod[i] = x[i] - paramStep
		minus, err := c.Terms(xMod)
		if err != nil {
			return nil, nil, asGradientError(err)
		}
		xMod[i] = x[i]

		for key, g := range grads {
			g[i] = (plus[key] - minus[key]) / (2 * paramStep)
		}
	}

	for _, key := range SortedKeys(grads) {
		for _, g := range grads[key] {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return nil, nil, &domain.NumericalInstabilityError{Domain: key.Domain, Tag: key.Tag, Quantity: "gradient"}
			}
		}
	}

	c.logger.Debug("Term gradients computed",
		zap.Int("params", len(x)),
		zap.Int("terms", len(base)))

	return base, grads, nil
}

// Combine returns Σ w·∇L for the weighted keys.
func (c *CostFunction) Combine(grads map[domain.TermKey][]float64, n int) []float64 {
	out := make([]float64, n)
	for _, key := range c.keys {
		g, ok := grads[key]
		if !ok {
			continue
		}
		floats.AddScaled(out, c.weights[key], g)
	}
	return out
}

func (c *CostFunction) Err() error {
	return c.err
}

func (c *CostFunction) Evaluations() int {
	return c.evals
}

func (c *CostFunction) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// A non-finite loss at a perturbed point is a non-finite gradient.
func asGradientError(err error) error {
	var inst *domain.NumericalInstabilityError
	if errors.As(err, &inst) {
		out := *inst
		out.Quantity = "gradient"
		return &out
	}
	return err
}
