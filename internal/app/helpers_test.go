package app

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"xpinn-pbe/internal/domain"
	"xpinn-pbe/pkg/field"
	"xpinn-pbe/pkg/network"
)

// polyNet is p0 + p1·x + p2·y + p3·z + p4·|x|²; its Laplacian is 6·p4.
type polyNet struct{}

func (polyNet) NumParams() int { return 5 }

func (polyNet) Forward(p []float64, x domain.Point) float64 {
	return p[0] + p[1]*x[0] + p[2]*x[1] + p[3]*x[2] + p[4]*x.Dot(x)
}

// poisonNet returns NaN once poisoned is set.
type poisonNet struct {
	field.Network
	poisoned *atomic.Bool
}

func (n poisonNet) Forward(params []float64, x domain.Point) float64 {
	if n.poisoned.Load() {
		return math.NaN()
	}
	return n.Network.Forward(params, x)
}

func boolPtr(v bool) *bool        { return &v }
func floatPtr(v float64) *float64 { return &v }
func testPhysics() domain.Physics {
	return domain.Physics{Epsilon1: 2, Epsilon2: 80, Kappa: 0.125, Sigma: 0.04}
}
func testCharges() []domain.Charge { return []domain.Charge{{Q: 1, Radius: 1}} }

func testConfig() *domain.Config {
	return &domain.Config{
		Equation: domain.EquationRegularized1,
		PBEModel: "linear",
		DomainProperties: domain.DomainProperties{
			Epsilon1: 2,
			Epsilon2: 80,
			Kappa:    0.125,
		},
		MeshProperties: domain.MeshProperties{GSigma: 0.04},
		Losses:         []string{"R1", "R2", "D2", "Iu", "Id"},
		Weights:        map[string]float64{},
		AdaptWeights:   boolPtr(true),
		AdaptWIter:     3,
		AdaptWMethod:   AdaptGradients,
		AlphaW:         floatPtr(0.5),
		GSolveIter:     4,
		HyperparametersIn: domain.NetworkConfig{
			NumHiddenLayers:    1,
			NumNeuronsPerLayer: 3,
			OutputDim:          1,
			Activation:         "tanh",
			ArchitectureNet:    "FCNN",
		},
		Optimizer: "adam",
		LR: domain.LRSchedule{
			Method:              "exponential_decay",
			InitialLearningRate: 0.01,
			DecaySteps:          5,
			DecayRate:           0.9,
			Staircase:           true,
		},
		Optimizer2: "L-BFGS-B",
		OptionsOptimizer2: domain.QuasiNewtonOptions{
			MaxIter: 100,
			MaxFun:  2000,
			MaxCor:  5,
			MaxLS:   20,
			GTol:    1e-9,
			FTol:    1e-12,
		},
		NIters:         10,
		ItersSaveModel: 5,
		Workers:        2,
	}
}

func mustFormulation(t *testing.T, cfg *domain.Config, charges []domain.Charge) domain.Formulation {
	t.Helper()
	f, err := domain.NewFormulation(cfg.Equation, cfg.Physics(), charges)
	if err != nil {
		t.Fatalf("formulation: %v", err)
	}
	return f
}

func mustSet(t *testing.T, tag domain.Tag, points []domain.Point, opts ...domain.SampleOption) *domain.SampleSet {
	t.Helper()
	set, err := domain.NewSampleSet(tag, points, opts...)
	if err != nil {
		t.Fatalf("sample set %s: %v", tag, err)
	}
	return set
}

// testSamples is a handful of points around a unit sphere with an outer
// boundary at r = 3.
func testSamples(t *testing.T) domain.Samples {
	t.Helper()
	iface := []domain.Point{{1, 0, 0}, {0, -1, 0}, {0, 0, 1}}
	return domain.Samples{
		domain.TagR1: mustSet(t, domain.TagR1, []domain.Point{{0.3, 0.1, 0}, {-0.2, 0.4, 0.2}, {0.1, -0.3, -0.5}, {0.5, 0.5, 0.1}}),
		domain.TagR2: mustSet(t, domain.TagR2, []domain.Point{{1.5, 0, 0.3}, {-2, 1, 0}, {0.4, -2.2, 1}, {0, 0, -2.5}}),
		domain.TagD2: mustSet(t, domain.TagD2, []domain.Point{{3, 0, 0}, {0, 3, 0}, {0, 0, -3}}),
		domain.TagIu: mustSet(t, domain.TagIu, iface),
		domain.TagId: mustSet(t, domain.TagId, iface, domain.WithNormals(iface)),
	}
}

func testDual(t *testing.T, cfg *domain.Config, wrap func(field.Network) field.Network) *field.DualField {
	t.Helper()
	fields := make([]*field.Field, 0, 2)
	for i, scale := range []float64{1, 3} {
		seed := cfg.Seed + uint64(i) + 11
		fcnn, err := network.NewFCNN(cfg.HyperparametersIn, seed)
		if err != nil {
			t.Fatalf("fcnn: %v", err)
		}
		var net field.Network = fcnn
		if wrap != nil {
			net = wrap(fcnn)
		}
		f, err := field.NewField(net, fcnn.Init(seed), scale)
		if err != nil {
			t.Fatalf("field: %v", err)
		}
		fields = append(fields, f)
	}
	dual, err := field.NewDualField(fields[0], fields[1])
	if err != nil {
		t.Fatalf("dual field: %v", err)
	}
	return dual
}

type memoryCheckpoints struct {
	mu    sync.Mutex
	saved map[int]domain.Checkpoint
}

func newMemoryCheckpoints() *memoryCheckpoints {
	return &memoryCheckpoints{saved: make(map[int]domain.Checkpoint)}
}

func (s *memoryCheckpoints) Save(_ context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.State = cp.State.Clone()
	params := make(map[domain.Domain][]float64, len(cp.Params))
	for d, p := range cp.Params {
		params[d] = append([]float64(nil), p...)
	}
	cp.Params = params
	s.saved[cp.Iteration()] = cp
	return nil
}

func (s *memoryCheckpoints) Load(_ context.Context, iteration int) (domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.saved[iteration]
	if !ok {
		return domain.Checkpoint{}, domain.ErrCheckpointNotFound
	}
	return cp, nil
}

func (s *memoryCheckpoints) Latest(_ context.Context) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest, ok := -1, false
	for k := range s.saved {
		if k > latest {
			latest, ok = k, true
		}
	}
	return latest, ok, nil
}

func (s *memoryCheckpoints) iterations() map[int]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]bool, len(s.saved))
	for k := range s.saved {
		out[k] = true
	}
	return out
}

// recordingHistory keeps everything in memory and calls onLoss for every
// loss record.
type recordingHistory struct {
	mu       sync.Mutex
	losses   map[domain.Domain][]domain.HistoryRecord
	energies []domain.EnergyRecord
	events   []domain.Event
	onLoss   func(domain.HistoryRecord)
}

func newRecordingHistory() *recordingHistory {
	return &recordingHistory{losses: make(map[domain.Domain][]domain.HistoryRecord)}
}

func (h *recordingHistory) Init(context.Context) error { return nil }

func (h *recordingHistory) AppendLoss(_ context.Context, r domain.HistoryRecord) error {
	h.mu.Lock()
	h.losses[r.Domain] = append(h.losses[r.Domain], r)
	hook := h.onLoss
	h.mu.Unlock()
	if hook != nil {
		hook(r)
	}
	return nil
}

func (h *recordingHistory) AppendEnergy(_ context.Context, r domain.EnergyRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.energies = append(h.energies, r)
	return nil
}

func (h *recordingHistory) AppendEvent(_ context.Context, e domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

func (h *recordingHistory) Losses(_ context.Context, d domain.Domain) ([]domain.HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.HistoryRecord(nil), h.losses[d]...), nil
}

func (h *recordingHistory) Energies(context.Context) ([]domain.EnergyRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.EnergyRecord(nil), h.energies...), nil
}

func (h *recordingHistory) Events(context.Context) ([]domain.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Event(nil), h.events...), nil
}

func (h *recordingHistory) eventsOf(kind domain.EventKind) []domain.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Event
	for _, e := range h.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
