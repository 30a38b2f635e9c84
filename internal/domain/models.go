package domain

import (
	"fmt"
	"maps"
	"math"
	"slices"
)

// Config представляет конфигурацию расчёта. После чтения не изменяется.
type Config struct {
	Equation         string           `yaml:"equation"`
	PBEModel         string           `yaml:"pbe_model"`
	DomainProperties DomainProperties `yaml:"domain_properties"`
	MeshProperties   MeshProperties   `yaml:"mesh_properties"`
	SampleMethod     string           `yaml:"sample_method"`

	Losses       []string           `yaml:"losses"`
	Weights      map[string]float64 `yaml:"weights"`
	AdaptWeights *bool              `yaml:"adapt_weights"`
	AdaptWIter   int                `yaml:"adapt_w_iter"`
	AdaptWMethod string             `yaml:"adapt_w_method"`
	AlphaW       *float64           `yaml:"alpha_w"`
	GSolveIter   int                `yaml:"G_solve_iter"`

	Network            string        `yaml:"network"`
	HyperparametersIn  NetworkConfig `yaml:"hyperparameters_in"`
	HyperparametersOut NetworkConfig `yaml:"hyperparameters_out"`

	Optimizer         string             `yaml:"optimizer"`
	LR                LRSchedule         `yaml:"lr"`
	Optimizer2        string             `yaml:"optimizer2"`
	OptionsOptimizer2 QuasiNewtonOptions `yaml:"options_optimizer2"`

	NIters         int `yaml:"N_iters"`
	NSteps2        int `yaml:"N_steps_2"`
	ItersSaveModel int `yaml:"iters_save_model"`

	KnownSolvationEnergy *float64 `yaml:"known_solvation_energy"`

	Seed           uint64 `yaml:"seed"`
	Workers        int    `yaml:"workers"`
	LogLevel       string `yaml:"log_level"`
	LogFile        string `yaml:"log_file"`
	ResultsPath    string `yaml:"results_path"`
	HistoryBackend string `yaml:"history_backend"`
}

type DomainProperties struct {
	Molecule string  `yaml:"molecule"`
	Epsilon1 float64 `yaml:"epsilon_1"`
	Epsilon2 float64 `yaml:"epsilon_2"`
	Kappa    float64 `yaml:"kappa"`
	T        float64 `yaml:"T"`
}

type MeshProperties struct {
	VolMaxInterior  float64 `yaml:"vol_max_interior"`
	VolMaxExterior  float64 `yaml:"vol_max_exterior"`
	DensityMol      float64 `yaml:"density_mol"`
	DensityBorder   float64 `yaml:"density_border"`
	DxExperimental  float64 `yaml:"dx_experimental"`
	NPq             int     `yaml:"N_pq"`
	GSigma          float64 `yaml:"G_sigma"`
	MeshGenerator   string  `yaml:"mesh_generator"`
	DRExterior      float64 `yaml:"dR_exterior"`
	ForceField      string  `yaml:"force_field"`
	ValidationShare float64 `yaml:"validation_share"`
}

type NetworkConfig struct {
	NumHiddenLayers      int     `yaml:"num_hidden_layers"`
	NumNeuronsPerLayer   int     `yaml:"num_neurons_per_layer"`
	OutputDim            int     `yaml:"output_dim"`
	Activation           string  `yaml:"activation"`
	AdaptativeActivation bool    `yaml:"adaptative_activation"`
	ArchitectureNet      string  `yaml:"architecture_Net"`
	FourierFeatures      bool    `yaml:"fourier_features"`
	NumFourierFeatures   int     `yaml:"num_fourier_features"`
	FourierSigma         float64 `yaml:"fourier_sigma"`
}

type LRSchedule struct {
	Method              string  `yaml:"method"`
	InitialLearningRate float64 `yaml:"initial_learning_rate"`
	DecaySteps          int     `yaml:"decay_steps"`
	DecayRate           float64 `yaml:"decay_rate"`
	Staircase           bool    `yaml:"staircase"`
}

type QuasiNewtonOptions struct {
	MaxIter int     `yaml:"maxiter"`
	MaxFun  int     `yaml:"maxfun"`
	MaxCor  int     `yaml:"maxcor"`
	MaxLS   int     `yaml:"maxls"`
	GTol    float64 `yaml:"gtol"`
	FTol    float64 `yaml:"ftol"`
}

// Physics возвращает физические параметры задачи.
func (c *Config) Physics() Physics {
	return Physics{
		Epsilon1:  c.DomainProperties.Epsilon1,
		Epsilon2:  c.DomainProperties.Epsilon2,
		Kappa:     c.DomainProperties.Kappa,
		Sigma:     c.MeshProperties.GSigma,
		Nonlinear: c.PBEModel == "nonlinear",
	}
}

// ActiveTags returns the configured loss terms that apply to d, in canonical order.
func (c *Config) ActiveTags(d Domain) []Tag {
	var tags []Tag
	for _, tag := range AllTags {
		if !tag.AppliesTo(d) {
			continue
		}
		if slices.Contains(c.Losses, string(tag)) {
			tags = append(tags, tag)
		}
	}
	return tags
}

// InitialWeights builds the starting weight table of d. Unlisted terms start at 1.
func (c *Config) InitialWeights(d Domain) WeightTable {
	table := make(WeightTable)
	for _, tag := range c.ActiveTags(d) {
		w := 1.0
		if v, ok := c.Weights[string(tag)]; ok {
			w = v
		}
		table[tag] = w
	}
	return table
}

func (c *Config) AdaptationEnabled() bool {
	return c.AdaptWeights != nil && *c.AdaptWeights && c.AdaptWMethod != "none"
}

func (c *Config) Alpha() float64 {
	if c.AlphaW == nil {
		return 0
	}
	return *c.AlphaW
}

// Point точка в трёхмерном пространстве (Å)
type Point [3]float64

func (p Point) Sub(q Point) Point {
	return Point{p[0] - q[0], p[1] - q[1], p[2] - q[2]}
}

func (p Point) Add(q Point) Point {
	return Point{p[0] + q[0], p[1] + q[1], p[2] + q[2]}
}

func (p Point) Scale(s float64) Point {
	return Point{p[0] * s, p[1] * s, p[2] * s}
}

func (p Point) Dot(q Point) float64 {
	return p[0]*q[0] + p[1]*q[1] + p[2]*q[2]
}

func (p Point) Norm() float64 {
	return math.Sqrt(p.Dot(p))
}

// Domain одна из двух подобластей задачи
type Domain int

const (
	Interior Domain = iota + 1
	Exterior
)

var Domains = []Domain{Interior, Exterior}

func (d Domain) String() string {
	switch d {
	case Interior:
		return "interior"
	case Exterior:
		return "exterior"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

func (d Domain) Other() Domain {
	if d == Interior {
		return Exterior
	}
	return Interior
}

func ParseDomain(s string) (Domain, error) {
	switch s {
	case "interior":
		return Interior, nil
	case "exterior":
		return Exterior, nil
	}
	return 0, fmt.Errorf("unknown domain %q", s)
}

// Charge точечный заряд молекулы
type Charge struct {
	Q        float64
	Position Point
	Radius   float64
	AtomName string
	ResName  string
	ResNum   int
}

const ionRadiusExplode = 3.5

func (c Charge) RExplode() float64 {
	return c.Radius + ionRadiusExplode
}

// WeightTable веса слагаемых функции потерь одной подобласти
type WeightTable map[Tag]float64

func (w WeightTable) Clone() WeightTable {
	return maps.Clone(w)
}

// Validate reports the first weight that is not strictly positive and finite.
func (w WeightTable) Validate() (Tag, bool) {
	for _, tag := range SortedTags(w) {
		v := w[tag]
		if !(v > 0) || math.IsInf(v, 0) {
			return tag, false
		}
	}
	return "", true
}

// LossTerm текущее значение слагаемого и норма его градиента
type LossTerm struct {
	Domain   Domain
	Tag      Tag
	Loss     float64
	GradNorm float64
	Samples  int
}

// TermKey identifies one loss term of one domain.
type TermKey struct {
	Domain Domain
	Tag    Tag
}

func (k TermKey) String() string {
	return k.Domain.String() + "/" + string(k.Tag)
}

// Phase этап обучения
type Phase int

const (
	PhaseFirstOrder Phase = iota
	PhaseQuasiNewton
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseFirstOrder:
		return "PHASE1_FIRST_ORDER"
	case PhaseQuasiNewton:
		return "PHASE2_QUASI_NEWTON"
	case PhaseDone:
		return "DONE"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func ParsePhase(s string) (Phase, error) {
	for _, p := range []Phase{PhaseFirstOrder, PhaseQuasiNewton, PhaseDone} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// OptimizerState внутреннее состояние оптимизатора первого порядка
type OptimizerState struct {
	Method  string
	Step    int
	Moment1 []float64
	Moment2 []float64
}

func (s OptimizerState) Clone() OptimizerState {
	s.Moment1 = slices.Clone(s.Moment1)
	s.Moment2 = slices.Clone(s.Moment2)
	return s
}

// TrainingState состояние процесса обучения
type TrainingState struct {
	Iteration   int
	Phase       Phase
	BestLoss    float64
	Interrupted bool
	Optimizers  map[Domain]OptimizerState
}

func (s TrainingState) Clone() TrainingState {
	out := s
	out.Optimizers = make(map[Domain]OptimizerState, len(s.Optimizers))
	for d, st := range s.Optimizers {
		out.Optimizers[d] = st.Clone()
	}
	return out
}

// Checkpoint полный снимок обучения на заданной итерации
type Checkpoint struct {
	State   TrainingState
	Weights map[Domain]WeightTable
	Params  map[Domain][]float64
	Scales  map[Domain]float64
	// RunID ключ журнала обучения; a resumed run keeps appending under it.
	RunID string
}

func (c Checkpoint) Iteration() int {
	return c.State.Iteration
}

// HistoryRecord значения потерь одной подобласти на итерации
type HistoryRecord struct {
	Iteration     int
	Domain        Domain
	Phase         Phase
	Losses        map[Tag]float64
	Weights       WeightTable
	Total         float64
	Validation    float64
	HasValidation bool
}

// EnergyRecord значение энергии сольватации (ккал/моль)
type EnergyRecord struct {
	Iteration int
	Energy    float64
	Err       string
}

func (r EnergyRecord) OK() bool {
	return r.Err == ""
}

type EventKind string

const (
	EventPhaseTransition   EventKind = "phase_transition"
	EventConvergence       EventKind = "convergence_warning"
	EventMonitoringFailure EventKind = "monitoring_failure"
	EventStop              EventKind = "stop"
	EventCheckpoint        EventKind = "checkpoint"
)

// Event нефатальное событие обучения
type Event struct {
	Iteration int
	Kind      EventKind
	Message   string
}
