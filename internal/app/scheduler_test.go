package app

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"xpinn-pbe/internal/domain"
	"xpinn-pbe/pkg/field"
)

type harness struct {
	scheduler *OptimizationScheduler
	dual      *field.DualField
	store     *memoryCheckpoints
	history   *recordingHistory
}

func newHarness(t *testing.T, cfg *domain.Config, charges []domain.Charge, store *memoryCheckpoints, dual *field.DualField, opts ...SchedulerOption) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, charges, store, dual, testSamples(t), opts...)
}

func newHarnessWith(t *testing.T, cfg *domain.Config, charges []domain.Charge, store *memoryCheckpoints, dual *field.DualField, samples domain.Samples, opts ...SchedulerOption) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	formulation := mustFormulation(t, cfg, charges)

	evaluator, err := NewResidualEvaluator(logger, cfg, formulation)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	weights, err := NewWeightController(logger, cfg)
	if err != nil {
		t.Fatalf("weights: %v", err)
	}
	if store == nil {
		store = newMemoryCheckpoints()
	}
	if dual == nil {
		dual = testDual(t, cfg, nil)
	}
	history := newRecordingHistory()

	s, err := NewOptimizationScheduler(logger, cfg, evaluator, weights,
		NewSolvationMonitor(logger, cfg, formulation), store, history, dual, samples, opts...)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	return &harness{scheduler: s, dual: dual, store: store, history: history}
}

func labels(records []domain.HistoryRecord) []int {
	out := make([]int, len(records))
	for i, r := range records {
		out[i] = r.Iteration
	}
	return out
}

func TestRunFirstOrderOnly(t *testing.T) {
	cfg := testConfig()
	cfg.NIters = 100
	h := newHarness(t, cfg, testCharges(), nil, nil)

	if err := h.scheduler.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	state := h.scheduler.State()
	if state.Phase != domain.PhaseDone || state.Iteration != 100 || state.Interrupted {
		t.Fatalf("final state %+v", state)
	}
	for _, d := range domain.Domains {
		records := h.history.losses[d]
		want := make([]int, 100)
		for i := range want {
			want[i] = i
		}
		if got := labels(records); !slices.Equal(got, want) {
			t.Fatalf("%s labels %v", d, got)
		}
		for _, r := range records {
			if r.Phase != domain.PhaseFirstOrder {
				t.Fatalf("%s iteration %d recorded in phase %s", d, r.Iteration, r.Phase)
			}
		}
	}

	transitions := h.history.eventsOf(domain.EventPhaseTransition)
	if len(transitions) != 1 || transitions[0].Iteration != 100 {
		t.Fatalf("transitions %+v", transitions)
	}
	if energies := h.history.energies; len(energies) != 25 || !energies[0].OK() || energies[0].Iteration != 4 {
		t.Fatalf("energies %+v", energies)
	}
	if !(state.BestLoss < math.Inf(1)) {
		t.Fatal("best loss never updated")
	}
}

func TestRunAdaptsWeights(t *testing.T) {
	cfg := testConfig()
	cfg.NIters = 4
	h := newHarness(t, cfg, testCharges(), nil, nil)

	if err := h.scheduler.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	records := h.history.losses[domain.Exterior]
	before, after := records[2].Weights, records[3].Weights
	changed := false
	for tag, w := range before {
		if after[tag] != w {
			changed = true
		}
	}
	if !changed {
		t.Fatalf("weights not adapted at iteration 3: %v", after)
	}
	if tag, ok := after.Validate(); !ok {
		t.Fatalf("weight %s not positive", tag)
	}
	for tag, w := range h.scheduler.Weights()[domain.Exterior] {
		if after[tag] != w {
			t.Fatalf("%s weight moved outside cadence", tag)
		}
	}
}

func TestRunBothPhases(t *testing.T) {
	cfg := testConfig()
	cfg.NIters = 20
	cfg.NSteps2 = 10
	h := newHarness(t, cfg, testCharges(), nil, nil)

	if err := h.scheduler.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	state := h.scheduler.State()
	if state.Phase != domain.PhaseDone || state.Iteration < 20 || state.Iteration > 30 {
		t.Fatalf("final state %+v", state)
	}

	records := h.history.losses[domain.Interior]
	got := labels(records)
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("labels not increasing: %v", got)
		}
	}
	for _, r := range records {
		wantPhase := domain.PhaseFirstOrder
		if r.Iteration >= 20 {
			wantPhase = domain.PhaseQuasiNewton
		}
		if r.Phase != wantPhase {
			t.Fatalf("iteration %d recorded in %s", r.Iteration, r.Phase)
		}
		if r.Iteration >= 30 {
			t.Fatalf("label %d beyond the budget", r.Iteration)
		}
	}
	if got[len(got)-1] != state.Iteration-1 {
		t.Fatalf("last label %d, final iteration %d", got[len(got)-1], state.Iteration)
	}

	transitions := h.history.eventsOf(domain.EventPhaseTransition)
	if len(transitions) != 2 || transitions[0].Iteration != 20 {
		t.Fatalf("transitions %+v", transitions)
	}
}

func TestCheckpointCadence(t *testing.T) {
	cfg := testConfig()
	cfg.NIters = 12
	h := newHarness(t, cfg, testCharges(), nil, nil)

	if err := h.scheduler.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	saved := h.store.iterations()
	if len(saved) != 3 || !saved[5] || !saved[10] || !saved[12] {
		t.Fatalf("checkpoints at %v, want 5, 10, 12", saved)
	}
	cp, err := h.store.Load(context.Background(), 12)
	if err != nil {
		t.Fatal(err)
	}
	if cp.State.Phase != domain.PhaseDone || cp.State.Interrupted {
		t.Fatalf("final checkpoint state %+v", cp.State)
	}
	mid, _ := h.store.Load(context.Background(), 5)
	if mid.State.Phase != domain.PhaseFirstOrder || mid.State.Optimizers[domain.Interior].Step != 5 {
		t.Fatalf("checkpoint 5 state %+v", mid.State)
	}
}

// reference runs cfg without interruption and returns the final parameters.
func reference(t *testing.T, cfg *domain.Config) map[domain.Domain][]float64 {
	t.Helper()
	h := newHarness(t, cfg, testCharges(), nil, nil)
	if err := h.scheduler.Run(context.Background()); err != nil {
		t.Fatalf("reference run: %v", err)
	}
	return h.dual.Snapshot()
}

func sameParams(t *testing.T, got, want map[domain.Domain][]float64) {
	t.Helper()
	for _, d := range domain.Domains {
		if !slices.Equal(got[d], want[d]) {
			t.Fatalf("%s parameters differ after resume", d)
		}
	}
}

func TestResumeIsDeterministic(t *testing.T) {
	cfg := testConfig()
	cfg.NIters = 10
	want := reference(t, cfg)

	first := newHarness(t, cfg, testCharges(), nil, nil)
	if err := first.scheduler.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// свежие параметры, продолжение с итерации 5
	resumed := newHarness(t, cfg, testCharges(), first.store, nil)
	if err := resumed.scheduler.Resume(context.Background(), 5); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.scheduler.State().Iteration != 5 {
		t.Fatalf("resumed at %d", resumed.scheduler.State().Iteration)
	}
	if err := resumed.scheduler.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	sameParams(t, resumed.dual.Snapshot(), want)
	if got := labels(resumed.history.losses[domain.Interior]); !slices.Equal(got, []int{5, 6, 7, 8, 9}) {
		t.Fatalf("resumed labels %v", got)
	}
}

func TestStopAndResume(t *testing.T) {
	cfg := testConfig()
	cfg.NIters = 10
	want := reference(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, cfg, testCharges(), nil, nil)
	h.history.onLoss = func(r domain.HistoryRecord) {
		if r.Iteration == 6 && r.Domain == domain.Exterior {
			cancel()
		}
	}

	if err := h.scheduler.Run(ctx); err != nil {
		t.Fatalf("stopped run: %v", err)
	}
	state := h.scheduler.State()
	if !state.Interrupted || state.Iteration != 7 {
		t.Fatalf("state after stop %+v", state)
	}
	if len(h.history.eventsOf(domain.EventStop)) != 1 {
		t.Fatal("stop event missing")
	}
	cp, err := h.store.Load(context.Background(), 7)
	if err != nil {
		t.Fatalf("no checkpoint at the stop boundary: %v", err)
	}
	if !cp.State.Interrupted {
		t.Fatal("stop checkpoint not marked interrupted")
	}

	resumed := newHarness(t, cfg, testCharges(), h.store, nil)
	if err := resumed.scheduler.Resume(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	if st := resumed.scheduler.State(); st.Phase != domain.PhaseFirstOrder || st.Interrupted {
		t.Fatalf("resumed state %+v", st)
	}
	if err := resumed.scheduler.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	sameParams(t, resumed.dual.Snapshot(), want)
}

func TestRunStopsOnNonFiniteLoss(t *testing.T) {
	cfg := testConfig()
	cfg.NIters = 12

	var poisoned atomic.Bool
	dual := testDual(t, cfg, func(net field.Network) field.Network {
		return poisonNet{Network: net, poisoned: &poisoned}
	})
	h := newHarness(t, cfg, testCharges(), nil, dual)
	h.history.onLoss = func(r domain.HistoryRecord) {
		if r.Iteration == 6 && r.Domain == domain.Exterior {
			poisoned.Store(true)
		}
	}

	err := h.scheduler.Run(context.Background())
	var inst *domain.NumericalInstabilityError
	if !errors.As(err, &inst) {
		t.Fatalf("got %v, want NumericalInstabilityError", err)
	}
	if inst.Iteration != 7 {
		t.Fatalf("failure reported at iteration %d, want 7", inst.Iteration)
	}

	for it := range h.store.iterations() {
		if it >= 7 {
			t.Fatalf("checkpoint %d written after the failure", it)
		}
	}
	if latest, ok, _ := h.store.Latest(context.Background()); !ok || latest != 5 {
		t.Fatalf("latest checkpoint %d", latest)
	}
	if got := labels(h.history.losses[domain.Interior]); len(got) != 7 {
		t.Fatalf("history after failure %v", got)
	}
}

func TestMonitorFailureIsNotFatal(t *testing.T) {
	cfg := testConfig()
	cfg.NIters = 8
	h := newHarness(t, cfg, nil, nil, nil)

	if err := h.scheduler.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.scheduler.State().Iteration != 8 {
		t.Fatalf("stopped at %d", h.scheduler.State().Iteration)
	}

	energies := h.history.energies
	if len(energies) != 2 {
		t.Fatalf("energies %+v", energies)
	}
	for _, e := range energies {
		if e.OK() || !math.IsNaN(e.Energy) {
			t.Fatalf("failed energy recorded as %+v", e)
		}
	}
	if n := len(h.history.eventsOf(domain.EventMonitoringFailure)); n != 2 {
		t.Fatalf("%d monitoring failures, want 2", n)
	}
}

func TestRunRecordsValidation(t *testing.T) {
	cfg := testConfig()
	cfg.NIters = 3
	h := newHarness(t, cfg, testCharges(), nil, nil, WithValidation(testSamples(t)))

	if err := h.scheduler.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, d := range domain.Domains {
		for _, r := range h.history.losses[d] {
			if !r.HasValidation || math.IsNaN(r.Validation) {
				t.Fatalf("%s iteration %d without validation loss", d, r.Iteration)
			}
		}
	}
}

func TestResumeMissingCheckpoint(t *testing.T) {
	h := newHarness(t, testConfig(), testCharges(), nil, nil)

	err := h.scheduler.Resume(context.Background(), 42)
	if !errors.Is(err, domain.ErrCheckpointNotFound) {
		t.Fatalf("got %v, want ErrCheckpointNotFound", err)
	}
}

func TestRunKeepsWeightOfEmptyTerm(t *testing.T) {
	cfg := testConfig()
	cfg.NIters = 10
	cfg.Weights = map[string]float64{"D2": 4}
	samples := testSamples(t)
	delete(samples, domain.TagD2)
	h := newHarnessWith(t, cfg, testCharges(), nil, nil, samples)

	if err := h.scheduler.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	records := h.history.losses[domain.Exterior]
	if len(records) != 10 {
		t.Fatalf("%d exterior records", len(records))
	}
	for _, r := range records {
		if w := r.Weights[domain.TagD2]; w != 4 {
			t.Fatalf("iteration %d: D2 weight %g, want 4", r.Iteration, w)
		}
		if r.Losses[domain.TagD2] != 0 {
			t.Fatalf("iteration %d: D2 loss %g without samples", r.Iteration, r.Losses[domain.TagD2])
		}
	}

	// веса остальных слагаемых меняются на каждом шаге адаптации 3, 6, 9
	for _, it := range []int{3, 6, 9} {
		before, after := records[it-1].Weights, records[it].Weights
		moved := false
		for tag, w := range after {
			if tag != domain.TagD2 && w != before[tag] {
				moved = true
			}
		}
		if !moved {
			t.Fatalf("no exterior weight adapted at iteration %d: %v", it, after)
		}
	}
}

func TestRunPhaseBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.NIters = 100
	cfg.NSteps2 = 50
	cfg.ItersSaveModel = 50
	h := newHarness(t, cfg, testCharges(), nil, nil)

	if err := h.scheduler.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	state := h.scheduler.State()
	if state.Phase != domain.PhaseDone || state.Interrupted || state.Iteration <= 100 || state.Iteration > 150 {
		t.Fatalf("final state %+v", state)
	}

	records := h.history.losses[domain.Interior]
	for i, r := range records {
		if r.Iteration != i {
			t.Fatalf("record %d labelled %d", i, r.Iteration)
		}
		wantPhase := domain.PhaseFirstOrder
		if i >= 100 {
			wantPhase = domain.PhaseQuasiNewton
		}
		if r.Phase != wantPhase {
			t.Fatalf("iteration %d recorded in %s", i, r.Phase)
		}
	}
	if last := records[len(records)-1].Iteration; last != state.Iteration-1 || last > 149 {
		t.Fatalf("last label %d, final iteration %d", last, state.Iteration)
	}

	transitions := h.history.eventsOf(domain.EventPhaseTransition)
	if len(transitions) != 2 || transitions[0].Iteration != 100 || transitions[1].Iteration != state.Iteration {
		t.Fatalf("transitions %+v", transitions)
	}
}

func TestResumeInsideQuasiNewtonPhase(t *testing.T) {
	cfg := testConfig()
	cfg.NIters = 10
	cfg.NSteps2 = 10

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, cfg, testCharges(), nil, nil)
	h.history.onLoss = func(r domain.HistoryRecord) {
		if r.Iteration == 12 && r.Domain == domain.Exterior {
			cancel()
		}
	}
	if err := h.scheduler.Run(ctx); err != nil {
		t.Fatalf("stopped run: %v", err)
	}
	if st := h.scheduler.State(); !st.Interrupted || st.Iteration != 13 {
		t.Fatalf("state after stop %+v", st)
	}

	// L-BFGS начинает с пустой памятью, нумерация итераций продолжается
	resumed := newHarness(t, cfg, testCharges(), h.store, nil)
	if err := resumed.scheduler.Resume(context.Background(), 13); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if st := resumed.scheduler.State(); st.Phase != domain.PhaseQuasiNewton || st.Interrupted {
		t.Fatalf("resumed state %+v", st)
	}
	if err := resumed.scheduler.Run(context.Background()); err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	state := resumed.scheduler.State()
	if state.Phase != domain.PhaseDone || state.Interrupted || state.Iteration > 20 {
		t.Fatalf("final state %+v", state)
	}
	records := resumed.history.losses[domain.Interior]
	if len(records) == 0 {
		t.Fatal("no quasi-Newton iterations after resume")
	}
	for i, r := range records {
		if r.Iteration != 13+i || r.Phase != domain.PhaseQuasiNewton {
			t.Fatalf("record %d: iteration %d in %s", i, r.Iteration, r.Phase)
		}
	}
	if last := records[len(records)-1].Iteration; last != state.Iteration-1 {
		t.Fatalf("last label %d, final iteration %d", last, state.Iteration)
	}

	transitions := resumed.history.eventsOf(domain.EventPhaseTransition)
	if len(transitions) != 1 || transitions[0].Message != "PHASE2_QUASI_NEWTON -> DONE" {
		t.Fatalf("transitions after resume %+v", transitions)
	}
	cp, err := resumed.store.Load(context.Background(), state.Iteration)
	if err != nil {
		t.Fatalf("final checkpoint: %v", err)
	}
	if cp.State.Phase != domain.PhaseDone || cp.State.Interrupted {
		t.Fatalf("final checkpoint state %+v", cp.State)
	}
}

func TestResumeKeepsRunID(t *testing.T) {
	cfg := testConfig()
	cfg.NIters = 10
	first := newHarness(t, cfg, testCharges(), nil, nil, WithRunID("run-a"))
	if err := first.scheduler.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	cp, err := first.store.Load(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if cp.RunID != "run-a" {
		t.Fatalf("checkpoint run id %q", cp.RunID)
	}

	resumed := newHarness(t, cfg, testCharges(), first.store, nil, WithRunID("run-b"))
	if err := resumed.scheduler.Resume(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	if got := resumed.scheduler.RunID(); got != "run-a" {
		t.Fatalf("resumed run id %q, want run-a", got)
	}
	if err := resumed.scheduler.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	final, err := resumed.store.Load(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if final.RunID != "run-a" {
		t.Fatalf("final checkpoint run id %q", final.RunID)
	}
}
