package app

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"xpinn-pbe/internal/domain"
	"xpinn-pbe/pkg/field"
	"xpinn-pbe/pkg/optimization"
)

var (
	errStopRequested = errors.New("stop requested")
	errBudgetReached = errors.New("quasi-newton iteration budget reached")
)

// OptimizationScheduler ведёт обучение через две фазы: Adam/AdaGrad, затем
// квазиньютоновский метод. The iteration counter is the single source of
// truth for weight adaptation, monitoring, checkpoints and phase changes.
type OptimizationScheduler struct {
	logger     *zap.Logger
	config     *domain.Config
	evaluator  *ResidualEvaluator
	weights    *WeightController
	monitor    *SolvationMonitor
	store      domain.CheckpointStore
	history    domain.HistoryStore
	dual       *field.DualField
	samples    domain.Samples
	validation domain.Samples
	schedule   optimization.LRSchedule
	optimizers map[domain.Domain]optimization.FirstOrder
	quasi      *optimization.QuasiNewtonSolver
	state      domain.TrainingState
	lastSaved  int
	runID      string
}

type SchedulerOption func(*OptimizationScheduler)

// WithValidation evaluates a validation loss for every history record.
func WithValidation(samples domain.Samples) SchedulerOption {
	return func(s *OptimizationScheduler) {
		s.validation = samples
	}
}

// WithRunID stores the history key in every checkpoint.
func WithRunID(id string) SchedulerOption {
	return func(s *OptimizationScheduler) {
		s.runID = id
	}
}

func NewOptimizationScheduler(
	logger *zap.Logger,
	config *domain.Config,
	evaluator *ResidualEvaluator,
	weights *WeightController,
	monitor *SolvationMonitor,
	store domain.CheckpointStore,
	history domain.HistoryStore,
	dual *field.DualField,
	samples domain.Samples,
	opts ...SchedulerOption,
) (*OptimizationScheduler, error) {
	schedule, err := optimization.NewSchedule(config.LR)
	if err != nil {
		return nil, domain.NewConfigurationError("lr", "%v", err)
	}

	s := &OptimizationScheduler{
		logger:     logger,
		config:     config,
		evaluator:  evaluator,
		weights:    weights,
		monitor:    monitor,
		store:      store,
		history:    history,
		dual:       dual,
		samples:    samples,
		schedule:   schedule,
		optimizers: make(map[domain.Domain]optimization.FirstOrder),
		state: domain.TrainingState{
			Phase:    domain.PhaseFirstOrder,
			BestLoss: math.Inf(1),
		},
		lastSaved: -1,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, d := range domain.Domains {
		opt, err := optimization.NewFirstOrder(config.Optimizer, dual.Field(d).NumParams(), schedule)
		if err != nil {
			return nil, domain.NewConfigurationError("optimizer", "%v", err)
		}
		s.optimizers[d] = opt
	}

	if config.NSteps2 > 0 {
		qcfg, err := optimization.NewQuasiNewtonConfig(config.Optimizer2, config.OptionsOptimizer2)
		if err != nil {
			return nil, domain.NewConfigurationError("optimizer2", "%v", err)
		}
		s.quasi = optimization.NewQuasiNewtonSolver(logger, qcfg)
	}
	return s, nil
}

// State returns a copy of the training state including optimizer internals.
func (s *OptimizationScheduler) State() domain.TrainingState {
	st := s.state.Clone()
	st.Optimizers = make(map[domain.Domain]domain.OptimizerState, len(s.optimizers))
	for d, opt := range s.optimizers {
		st.Optimizers[d] = opt.State()
	}
	return st
}

// Field exposes the trained pair for read-only evaluation.
func (s *OptimizationScheduler) Field() *field.DualField {
	return s.dual
}

// RunID is the history key, taken over from the checkpoint on Resume.
func (s *OptimizationScheduler) RunID() string {
	return s.runID
}

func (s *OptimizationScheduler) Weights() map[domain.Domain]domain.WeightTable {
	return s.weights.Tables()
}

// Run обучает до состояния DONE. Cancelling ctx stops at the next iteration
// boundary and flushes a checkpoint; Run then returns nil with the state
// marked as interrupted.
func (s *OptimizationScheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting training",
		zap.String("phase", s.state.Phase.String()),
		zap.Int("iteration", s.state.Iteration),
		zap.Int("N", s.config.NIters),
		zap.Int("N2", s.config.NSteps2))

	for s.state.Phase != domain.PhaseDone {
		if ctx.Err() != nil {
			return s.stop(ctx)
		}

		switch s.state.Phase {
		case domain.PhaseFirstOrder:
			if s.state.Iteration >= s.config.NIters {
				next := domain.PhaseDone
				if s.quasi != nil {
					next = domain.PhaseQuasiNewton
				}
				if err := s.enterPhase(ctx, next); err != nil {
					return err
				}
				continue
			}
			if err := s.firstOrderStep(ctx); err != nil {
				return s.fail(err)
			}

		case domain.PhaseQuasiNewton:
			err := s.quasiNewtonPhase(ctx)
			if errors.Is(err, errStopRequested) {
				return s.stop(ctx)
			}
			if err != nil {
				return s.fail(err)
			}
			if err := s.enterPhase(ctx, domain.PhaseDone); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unexpected phase %s", s.state.Phase)
		}
	}

	if s.lastSaved != s.state.Iteration {
		if err := s.Checkpoint(ctx); err != nil {
			return err
		}
	}
	s.logger.Info("Training completed",
		zap.Int("iteration", s.state.Iteration),
		zap.Float64("best_loss", s.state.BestLoss))
	return nil
}

func (s *OptimizationScheduler) firstOrderStep(ctx context.Context) error {
	it := s.state.Iteration
	adapt := s.weights.Due(it)

	losses := make(map[domain.Domain]map[domain.Tag]float64, len(domain.Domains))
	totals := make(map[domain.Domain]float64, len(domain.Domains))
	grads := make(map[domain.Domain][]float64, len(domain.Domains))

	// Градиенты обеих областей считаются до любого шага оптимизатора
	for _, d := range domain.Domains {
		params := s.dual.Params(d)
		cost := s.domainCost(d, s.weights.Table(d))
		terms, termGrads, err := cost.TermGradients(params)
		if err != nil {
			return withIteration(err, it)
		}

		if adapt {
			stats := make([]domain.LossTerm, 0, len(terms))
			for _, key := range optimization.SortedKeys(terms) {
				stats = append(stats, domain.LossTerm{
					Domain:   d,
					Tag:      key.Tag,
					Loss:     terms[key],
					GradNorm: floats.Norm(termGrads[key], 2),
					Samples:  s.samples.Count(key.Tag),
				})
			}
			table := s.weights.Update(d, stats, it)
			if tag, ok := table.Validate(); !ok {
				return &domain.NumericalInstabilityError{Iteration: it, Domain: d, Tag: tag, Quantity: "weight"}
			}
			cost = s.domainCost(d, table)
		}

		grad := cost.Combine(termGrads, len(params))
		total := cost.Weighted(terms)
		if math.IsNaN(total) || math.IsInf(total, 0) {
			return &domain.NumericalInstabilityError{Iteration: it, Domain: d, Quantity: "loss"}
		}
		if floats.HasNaN(grad) || math.IsInf(floats.Norm(grad, math.Inf(1)), 0) {
			return &domain.NumericalInstabilityError{Iteration: it, Domain: d, Quantity: "gradient"}
		}

		losses[d] = untag(terms)
		totals[d] = total
		grads[d] = grad
	}

	for _, d := range domain.Domains {
		params := s.dual.Params(d)
		s.optimizers[d].Step(params, grads[d])
		if err := s.dual.SetParams(d, params); err != nil {
			return err
		}
	}
	s.state.Iteration++

	s.logger.Debug("Iteration done",
		zap.Int("iteration", it),
		zap.Float64("loss_interior", totals[domain.Interior]),
		zap.Float64("loss_exterior", totals[domain.Exterior]),
		zap.Float64("lr", s.optimizers[domain.Interior].LR()))

	return s.afterIteration(ctx, it, losses, totals)
}

// quasiNewtonPhase минимизирует L_int + L_ext по объединённому вектору
// параметров с замороженными весами.
func (s *OptimizationScheduler) quasiNewtonPhase(ctx context.Context) error {
	limit := s.config.NIters + s.config.NSteps2
	remaining := limit - s.state.Iteration
	if remaining <= 0 {
		return nil
	}

	weights := make(map[domain.TermKey]float64)
	for _, d := range domain.Domains {
		for tag, w := range s.weights.Table(d) {
			weights[domain.TermKey{Domain: d, Tag: tag}] = w
		}
	}
	cost := optimization.NewCostFunction(s.logger, s.jointTerms(), weights)

	hook := func(x []float64, _ float64) error {
		it := s.state.Iteration
		if it >= limit {
			return errBudgetReached
		}
		terms, err := cost.Terms(x)
		if err != nil {
			return withIteration(err, it)
		}
		interior, exterior := s.dual.Split(x)
		if err := s.dual.SetParams(domain.Interior, interior); err != nil {
			return err
		}
		if err := s.dual.SetParams(domain.Exterior, exterior); err != nil {
			return err
		}

		losses := make(map[domain.Domain]map[domain.Tag]float64, len(domain.Domains))
		totals := make(map[domain.Domain]float64, len(domain.Domains))
		for _, key := range optimization.SortedKeys(terms) {
			if losses[key.Domain] == nil {
				losses[key.Domain] = make(map[domain.Tag]float64)
			}
			losses[key.Domain][key.Tag] = terms[key]
			totals[key.Domain] += weights[key] * terms[key]
		}

		s.state.Iteration++
		if err := s.afterIteration(ctx, it, losses, totals); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return errStopRequested
		}
		return nil
	}

	result, err := s.quasi.Minimize(cost, s.dual.Concat(), remaining, hook)
	if errors.Is(err, errBudgetReached) {
		return nil
	}
	if err != nil {
		return withIteration(err, s.state.Iteration)
	}

	interior, exterior := s.dual.Split(result.X)
	if err := s.dual.SetParams(domain.Interior, interior); err != nil {
		return err
	}
	if err := s.dual.SetParams(domain.Exterior, exterior); err != nil {
		return err
	}
	if result.F < s.state.BestLoss {
		s.state.BestLoss = result.F
	}

	if !result.Converged {
		warning := &domain.ConvergenceWarning{Iteration: s.state.Iteration, Status: result.Status}
		s.logger.Warn("Quasi-Newton phase ended without convergence", zap.Error(warning))
		if err := s.history.AppendEvent(ctx, domain.Event{
			Iteration: s.state.Iteration,
			Kind:      domain.EventConvergence,
			Message:   warning.Error(),
		}); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}
	return nil
}

// afterIteration records history and runs the monitoring and checkpoint
// cadences for the iteration it, which has just completed.
func (s *OptimizationScheduler) afterIteration(ctx context.Context, it int, losses map[domain.Domain]map[domain.Tag]float64, totals map[domain.Domain]float64) error {
	for _, d := range domain.Domains {
		record := domain.HistoryRecord{
			Iteration: it,
			Domain:    d,
			Phase:     s.state.Phase,
			Losses:    losses[d],
			Weights:   s.weights.Table(d),
			Total:     totals[d],
		}
		if s.validation.Count(domain.ResidualTag(d)) > 0 {
			v, err := s.validationLoss(d)
			if err != nil {
				return withIteration(err, it)
			}
			record.Validation, record.HasValidation = v, true
		}
		if err := s.history.AppendLoss(ctx, record); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}

	if total := totals[domain.Interior] + totals[domain.Exterior]; total < s.state.BestLoss {
		s.state.BestLoss = total
	}

	next := s.state.Iteration
	if s.monitor.Due(next) {
		if err := s.recordEnergy(ctx, next); err != nil {
			return err
		}
	}
	if s.config.ItersSaveModel > 0 && next%s.config.ItersSaveModel == 0 {
		return s.Checkpoint(ctx)
	}
	return nil
}

func (s *OptimizationScheduler) recordEnergy(ctx context.Context, iteration int) error {
	energy, err := s.monitor.Compute(iteration, s.dual)
	record := domain.EnergyRecord{Iteration: iteration, Energy: energy}
	if err != nil {
		s.logger.Warn("Solvation energy skipped", zap.Int("iteration", iteration), zap.Error(err))
		record = domain.EnergyRecord{Iteration: iteration, Energy: math.NaN(), Err: err.Error()}
		if err := s.history.AppendEvent(ctx, domain.Event{
			Iteration: iteration,
			Kind:      domain.EventMonitoringFailure,
			Message:   err.Error(),
		}); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}
	if err := s.history.AppendEnergy(ctx, record); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	return nil
}

func (s *OptimizationScheduler) validationLoss(d domain.Domain) (float64, error) {
	losses, err := s.evaluator.Evaluate(d, s.dual, s.validation)
	if err != nil {
		return 0, err
	}
	table := s.weights.Table(d)
	var total float64
	for _, tag := range domain.SortedTags(losses) {
		total += table[tag] * losses[tag]
	}
	return total, nil
}

// Checkpoint сохраняет полный снимок текущего состояния.
func (s *OptimizationScheduler) Checkpoint(ctx context.Context) error {
	cp := domain.Checkpoint{
		State:   s.State(),
		Weights: s.weights.Tables(),
		Params:  s.dual.Snapshot(),
		Scales:  s.dual.Scales(),
		RunID:   s.runID,
	}
	if err := s.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("checkpoint at iteration %d: %w", cp.Iteration(), err)
	}
	s.lastSaved = cp.Iteration()
	if err := s.history.AppendEvent(ctx, domain.Event{
		Iteration: cp.Iteration(),
		Kind:      domain.EventCheckpoint,
		Message:   cp.State.Phase.String(),
	}); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	s.logger.Info("Checkpoint saved",
		zap.Int("iteration", cp.Iteration()),
		zap.String("phase", cp.State.Phase.String()))
	return nil
}

// Resume восстанавливает обучение из снимка итерации iteration.
func (s *OptimizationScheduler) Resume(ctx context.Context, iteration int) error {
	cp, err := s.store.Load(ctx, iteration)
	if err != nil {
		return err
	}

	for _, d := range domain.Domains {
		params, ok := cp.Params[d]
		if !ok {
			return fmt.Errorf("checkpoint %d lacks %s parameters", iteration, d)
		}
		if err := s.dual.SetParams(d, params); err != nil {
			return fmt.Errorf("checkpoint %d: %w", iteration, err)
		}
		if scale, ok := cp.Scales[d]; ok && scale != s.dual.Field(d).Scale() {
			s.logger.Warn("Length scale differs from checkpoint",
				zap.String("domain", d.String()),
				zap.Float64("checkpoint", scale),
				zap.Float64("current", s.dual.Field(d).Scale()))
		}
	}
	if err := s.weights.Restore(cp.Weights); err != nil {
		return fmt.Errorf("checkpoint %d: %w", iteration, err)
	}
	for _, d := range domain.Domains {
		st, ok := cp.State.Optimizers[d]
		if !ok {
			continue
		}
		opt, err := optimization.RestoreFirstOrder(st, s.dual.Field(d).NumParams(), s.schedule)
		if err != nil {
			return fmt.Errorf("checkpoint %d: %s optimizer: %w", iteration, d, err)
		}
		s.optimizers[d] = opt
	}

	if cp.RunID != "" {
		s.runID = cp.RunID
	}

	state := cp.State.Clone()
	if state.Interrupted {
		state.Phase = s.phaseFor(state.Iteration)
		state.Interrupted = false
	}
	s.state = state
	s.lastSaved = state.Iteration

	s.logger.Info("Training resumed",
		zap.Int("iteration", state.Iteration),
		zap.String("phase", state.Phase.String()))
	return nil
}

func (s *OptimizationScheduler) phaseFor(iteration int) domain.Phase {
	switch {
	case iteration < s.config.NIters:
		return domain.PhaseFirstOrder
	case s.quasi != nil && iteration < s.config.NIters+s.config.NSteps2:
		return domain.PhaseQuasiNewton
	}
	return domain.PhaseDone
}

func (s *OptimizationScheduler) enterPhase(ctx context.Context, next domain.Phase) error {
	s.logger.Info("Phase transition",
		zap.String("from", s.state.Phase.String()),
		zap.String("to", next.String()),
		zap.Int("iteration", s.state.Iteration))
	if err := s.history.AppendEvent(ctx, domain.Event{
		Iteration: s.state.Iteration,
		Kind:      domain.EventPhaseTransition,
		Message:   s.state.Phase.String() + " -> " + next.String(),
	}); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	s.state.Phase = next
	return nil
}

// stop завершает обучение на границе итерации и сохраняет снимок.
func (s *OptimizationScheduler) stop(ctx context.Context) error {
	s.logger.Info("Stop requested", zap.Int("iteration", s.state.Iteration))
	s.state.Phase = domain.PhaseDone
	s.state.Interrupted = true

	// ctx уже отменён, поэтому запись идёт без него
	flush := context.WithoutCancel(ctx)
	if err := s.history.AppendEvent(flush, domain.Event{
		Iteration: s.state.Iteration,
		Kind:      domain.EventStop,
		Message:   "stop requested",
	}); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	return s.Checkpoint(flush)
}

func (s *OptimizationScheduler) fail(err error) error {
	s.logger.Error("Training aborted",
		zap.Int("iteration", s.state.Iteration),
		zap.Int("last_checkpoint", s.lastSaved),
		zap.Error(err))
	return err
}

func (s *OptimizationScheduler) domainCost(d domain.Domain, table domain.WeightTable) *optimization.CostFunction {
	weights := make(map[domain.TermKey]float64, len(table))
	for tag, w := range table {
		weights[domain.TermKey{Domain: d, Tag: tag}] = w
	}
	terms := func(x []float64) (map[domain.TermKey]float64, error) {
		losses, err := s.evaluator.Evaluate(d, s.dual.With(d, x), s.samples)
		if err != nil {
			return nil, err
		}
		return keyed(d, losses), nil
	}
	return optimization.NewCostFunction(s.logger, terms, weights)
}

func (s *OptimizationScheduler) jointTerms() optimization.TermFunc {
	return func(x []float64) (map[domain.TermKey]float64, error) {
		interior, exterior := s.dual.Split(x)
		dual := s.dual.With(domain.Interior, interior).With(domain.Exterior, exterior)
		out := make(map[domain.TermKey]float64)
		for _, d := range domain.Domains {
			losses, err := s.evaluator.Evaluate(d, dual, s.samples)
			if err != nil {
				return nil, err
			}
			for key, v := range keyed(d, losses) {
				out[key] = v
			}
		}
		return out, nil
	}
}

func keyed(d domain.Domain, losses map[domain.Tag]float64) map[domain.TermKey]float64 {
	out := make(map[domain.TermKey]float64, len(losses))
	for tag, v := range losses {
		out[domain.TermKey{Domain: d, Tag: tag}] = v
	}
	return out
}

func untag(terms map[domain.TermKey]float64) map[domain.Tag]float64 {
	out := make(map[domain.Tag]float64, len(terms))
	for key, v := range terms {
		out[key.Tag] = v
	}
	return out
}

func withIteration(err error, iteration int) error {
	var inst *domain.NumericalInstabilityError
	if errors.As(err, &inst) {
		inst.Iteration = iteration
	}
	return err
}
