package optimization

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"

	"xpinn-pbe/internal/domain"
)

// functionConvergeIterations is how many major iterations without sufficient
// decrease of f end the quasi-Newton phase.
const functionConvergeIterations = 5

var errLinesearchLimit = errors.New("line search iteration limit reached")

const (
	MethodLBFGS = "lbfgs"
	MethodBFGS  = "bfgs"
)

type QuasiNewtonConfig struct {
	Method  string
	MaxIter int
	MaxFun  int
	MaxCor  int
	MaxLS   int
	GTol    float64
	FTol    float64
}

func NewQuasiNewtonConfig(method string, opts domain.QuasiNewtonOptions) (QuasiNewtonConfig, error) {
	cfg := QuasiNewtonConfig{
		MaxIter: opts.MaxIter,
		MaxFun:  opts.MaxFun,
		MaxCor:  opts.MaxCor,
		MaxLS:   opts.MaxLS,
		GTol:    opts.GTol,
		FTol:    opts.FTol,
	}
	switch strings.ToLower(method) {
	case "l-bfgs-b", "l-bfgs", "lbfgs":
		cfg.Method = MethodLBFGS
	case "bfgs":
		cfg.Method = MethodBFGS
	default:
		return cfg, fmt.Errorf("unsupported quasi-newton method %q", method)
	}
	return cfg, nil
}

// IterationHook is called after every accepted quasi-Newton iteration with
// the accepted point. Returning an error stops the solver.
type IterationHook func(x []float64, f float64) error

type QuasiNewtonResult struct {
	X               []float64
	F               float64
	Iterations      int
	FuncEvaluations int
	Status          string
	Converged       bool
}

// QuasiNewtonSolver пакетная квазиньютоновская оптимизация (gonum/optimize).
type QuasiNewtonSolver struct {
	logger *zap.Logger
	cfg    QuasiNewtonConfig
}

func NewQuasiNewtonSolver(logger *zap.Logger, cfg QuasiNewtonConfig) *QuasiNewtonSolver {
	return &QuasiNewtonSolver{logger: logger, cfg: cfg}
}

// Minimize runs at most maxIter major iterations from x0. A result that hit
// an iteration, evaluation or line-search cap is returned with Converged set
// to false; errors are reserved for failed evaluations and hook errors.
func (s *QuasiNewtonSolver) Minimize(cost *CostFunction, x0 []float64, maxIter int, hook IterationHook) (*QuasiNewtonResult, error) {
	if s.cfg.MaxIter > 0 {
		maxIter = min(maxIter, s.cfg.MaxIter)
	}
	rec := &hookRecorder{hook: hook}
	settings := &optimize.Settings{
		GradientThreshold: s.cfg.GTol,
		MajorIterations:   maxIter,
		FuncEvaluations:   s.cfg.MaxFun,
		Converger: &optimize.FunctionConverge{
			Absolute:   s.cfg.FTol,
			Relative:   s.cfg.FTol,
			Iterations: functionConvergeIterations,
		},
		Recorder: rec,
	}

	ls := &boundedLinesearcher{Linesearcher: &optimize.MoreThuente{}, max: s.cfg.MaxLS}
	var method optimize.Method
	switch s.cfg.Method {
	case MethodBFGS:
		method = &optimize.BFGS{Linesearcher: ls}
	default:
		method = &optimize.LBFGS{Linesearcher: ls, Store: s.cfg.MaxCor}
	}

	problem := optimize.Problem{Func: cost.Value, Grad: cost.Gradient}
	result, err := optimize.Minimize(problem, slices.Clone(x0), settings, method)

	if rec.err != nil {
		return nil, rec.err
	}
	if cerr := cost.Err(); cerr != nil {
		return nil, cerr
	}
	if result == nil {
		return nil, fmt.Errorf("quasi-newton: %w", err)
	}

	out := &QuasiNewtonResult{
		X:               slices.Clone(result.X),
		F:               result.F,
		Iterations:      result.Stats.MajorIterations,
		FuncEvaluations: result.Stats.FuncEvaluations,
		Status:          result.Status.String(),
		Converged:       converged(result.Status),
	}
	if err != nil {
		s.logger.Warn("Quasi-Newton stopped early",
			zap.String("status", out.Status),
			zap.Error(err))
	}

	s.logger.Info("Quasi-Newton result",
		zap.String("method", s.cfg.Method),
		zap.String("status", out.Status),
		zap.Float64("loss", out.F),
		zap.Int("iterations", out.Iterations),
		zap.Int("func_evals", out.FuncEvaluations))
	return out, nil
}

func converged(status optimize.Status) bool {
	switch status {
	case optimize.Success, optimize.FunctionConvergence, optimize.GradientThreshold,
		optimize.StepConvergence, optimize.MethodConverge:
		return true
	}
	return false
}

type hookRecorder struct {
	hook IterationHook
	err  error
}

func (r *hookRecorder) Init() error {
	return nil
}

func (r *hookRecorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op&optimize.MajorIteration == 0 || r.hook == nil {
		return nil
	}
	if err := r.hook(slices.Clone(loc.X), loc.F); err != nil {
		r.err = err
		return err
	}
	return nil
}

// boundedLinesearcher caps the number of trial steps of one line search.
type boundedLinesearcher struct {
	optimize.Linesearcher
	max   int
	iters int
}

func (l *boundedLinesearcher) Init(value, derivative, step float64) optimize.Operation {
	l.iters = 0
	return l.Linesearcher.Init(value, derivative, step)
}

func (l *boundedLinesearcher) Iterate(value, derivative float64) (optimize.Operation, float64, error) {
	l.iters++
	if l.max > 0 && l.iters > l.max {
		return optimize.NoOperation, 0, errLinesearchLimit
	}
	return l.Linesearcher.Iterate(value, derivative)
}
