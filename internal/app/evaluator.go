package app

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"go.uber.org/zap"

	"xpinn-pbe/internal/domain"
	"xpinn-pbe/pkg/field"
)

// ResidualEvaluator вычисляет слагаемые функции потерь подобласти. Evaluation
// is a pure function of the field pair and the sample sets.
type ResidualEvaluator struct {
	logger    *zap.Logger
	ops       operators
	coupling  *InterfaceCoupling
	tags      map[domain.Domain][]domain.Tag
	energyRef *float64
	workers   int
}

func NewResidualEvaluator(logger *zap.Logger, config *domain.Config, formulation domain.Formulation) (*ResidualEvaluator, error) {
	e := &ResidualEvaluator{
		logger:    logger,
		ops:       operators{formulation: formulation, phys: formulation.Physics()},
		coupling:  NewInterfaceCoupling(formulation),
		tags:      make(map[domain.Domain][]domain.Tag),
		energyRef: config.KnownSolvationEnergy,
		workers:   max(1, config.Workers),
	}

	for _, name := range config.Losses {
		tag, err := domain.ParseTag(name)
		if err != nil {
			return nil, domain.NewConfigurationError("losses", "%v", err)
		}
		if !formulation.Allows(tag) {
			return nil, domain.NewConfigurationError("losses", "term %s is not defined for %s", tag, formulation.Name())
		}
	}
	for _, d := range domain.Domains {
		e.tags[d] = config.ActiveTags(d)
		if !slices.Contains(e.tags[d], domain.ResidualTag(d)) {
			return nil, domain.NewConfigurationError("losses", "%s residual term %s is required", d, domain.ResidualTag(d))
		}
	}
	if slices.Contains(config.Losses, string(domain.TagG)) {
		if e.energyRef == nil {
			return nil, domain.NewConfigurationError("known_solvation_energy", "required by loss term G")
		}
		if len(formulation.Charges()) == 0 {
			return nil, domain.NewConfigurationError("losses", "loss term G needs point charges")
		}
	}
	return e, nil
}

// Tags returns the active loss terms of d.
func (e *ResidualEvaluator) Tags(d domain.Domain) []domain.Tag {
	return slices.Clone(e.tags[d])
}

// Evaluate возвращает значение каждого активного слагаемого подобласти d.
// Active terms with an empty sample set contribute zero, except the domain's
// PDE residual, which is required. The energy term needs no samples.
func (e *ResidualEvaluator) Evaluate(d domain.Domain, dual *field.DualField, samples domain.Samples) (map[domain.Tag]float64, error) {
	for _, tag := range domain.SortedTags(samples) {
		if !e.ops.formulation.Allows(tag) || !e.active(tag) {
			return nil, &domain.DataError{Tag: tag, Reason: fmt.Sprintf("not an active term of the %s formulation", e.ops.formulation.Name())}
		}
	}

	losses := make(map[domain.Tag]float64, len(e.tags[d]))
	for _, tag := range e.tags[d] {
		set := samples[tag]
		if set.Len() == 0 && tag.Kind() != domain.KindEnergy {
			if tag == domain.ResidualTag(d) {
				return nil, &domain.DataError{Tag: tag, Reason: "required sample set is empty"}
			}
			losses[tag] = 0
			continue
		}
		loss, err := e.term(d, tag, dual, set)
		if err != nil {
			return nil, err
		}
		losses[tag] = loss
	}
	return losses, nil
}

func (e *ResidualEvaluator) active(tag domain.Tag) bool {
	for _, d := range domain.Domains {
		if slices.Contains(e.tags[d], tag) {
			return true
		}
	}
	return false
}

func (e *ResidualEvaluator) term(d domain.Domain, tag domain.Tag, dual *field.DualField, set *domain.SampleSet) (float64, error) {
	f := dual.Field(d)
	switch tag.Kind() {
	case domain.KindResidual:
		return e.meanSquared(set.Len(), func(i int) float64 {
			r := e.ops.residual(d, f, set.Point(i))
			return r * r
		}), nil

	case domain.KindBoundary:
		return e.meanSquared(set.Len(), func(i int) float64 {
			x := set.Point(i)
			target, ok := set.Target(i)
			if !ok {
				target = e.ops.formulation.BoundaryValue(x)
			}
			r := f.Value(x) - target
			return r * r
		}), nil

	case domain.KindData:
		if !set.HasTarget() {
			return 0, &domain.DataError{Tag: tag, Reason: "data term without target values"}
		}
		return e.meanSquared(set.Len(), func(i int) float64 {
			x := set.Point(i)
			target, _ := set.Target(i)
			r := e.ops.potential(d, f, x) - target
			return r * r
		}), nil

	case domain.KindInterface:
		if tag == domain.TagId && !set.HasNormals() {
			return 0, &domain.DataError{Tag: tag, Reason: "interface normals missing"}
		}
		interior, exterior := dual.Field(domain.Interior), dual.Field(domain.Exterior)
		var (
			mu       sync.Mutex
			firstErr error
		)
		loss := e.meanSquared(set.Len(), func(i int) float64 {
			v, err := e.coupling.SquaredMismatch(tag, interior, exterior, set, i)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return v
		})
		return loss, firstErr

	case domain.KindEnergy:
		energy := SolvationEnergy(e.ops.formulation, dual)
		ref := *e.energyRef
		r := energy - ref
		if math.Abs(ref) > 1 {
			r /= ref
		}
		return r * r, nil
	}
	return 0, &domain.DataError{Tag: tag, Reason: "unsupported loss term"}
}

// meanSquared усредняет sq(i) по n точкам; точки делятся между воркерами,
// partial sums are added in batch order so the result does not depend on scheduling.
func (e *ResidualEvaluator) meanSquared(n int, sq func(i int) float64) float64 {
	batches := domain.Batches(n, e.workers)
	partial := make([]float64, len(batches))

	if len(batches) == 1 {
		partial[0] = sumBatch(batches[0], sq)
	} else {
		var wg sync.WaitGroup
		tasks := make(chan domain.PointBatch, len(batches))
		for range len(batches) {
			wg.Add(1)
			go e.worker(tasks, sq, partial, &wg)
		}
		for _, b := range batches {
			tasks <- b
		}
		close(tasks)
		wg.Wait()
	}

	var sum float64
	for _, p := range partial {
		sum += p
	}
	return sum / float64(n)
}

func (e *ResidualEvaluator) worker(tasks <-chan domain.PointBatch, sq func(i int) float64, partial []float64, wg *sync.WaitGroup) {
	defer wg.Done()

	for task := range tasks {
		partial[task.Index] = sumBatch(task, sq)
	}
}

func sumBatch(b domain.PointBatch, sq func(i int) float64) float64 {
	var sum float64
	for i := b.From; i < b.To; i++ {
		sum += sq(i)
	}
	return sum
}
