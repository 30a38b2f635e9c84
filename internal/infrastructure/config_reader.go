package infrastructure

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"runtime"
	"slices"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"xpinn-pbe/internal/domain"
	"xpinn-pbe/pkg/optimization"
)

type YAMLConfigReader struct {
	logger *zap.Logger
}

func NewYAMLConfigReader(logger *zap.Logger) *YAMLConfigReader {
	return &YAMLConfigReader{logger: logger}
}

func (r *YAMLConfigReader) ReadConfig(path string) (*domain.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return r.ParseConfig(data)
}

// ParseConfig декодирует YAML поверх значений по умолчанию. Unknown keys are
// rejected, and the result is validated before it is returned.
func (r *YAMLConfigReader) ParseConfig(data []byte) (*domain.Config, error) {
	config := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, &domain.ConfigurationError{Key: "yaml", Reason: err.Error()}
	}

	var explicit struct {
		Weights map[string]float64 `yaml:"weights"`
	}
	if err := yaml.Unmarshal(data, &explicit); err != nil {
		return nil, &domain.ConfigurationError{Key: "yaml", Reason: err.Error()}
	}
	if explicit.Weights != nil {
		config.Weights = explicit.Weights
	}

	r.normalize(config)
	if err := Validate(config); err != nil {
		return nil, err
	}

	r.logger.Debug("Configuration loaded",
		zap.String("equation", config.Equation),
		zap.String("pbe_model", config.PBEModel),
		zap.Strings("losses", config.Losses),
		zap.Int("N_iters", config.NIters),
		zap.Int("N_steps_2", config.NSteps2))
	return config, nil
}

// DefaultConfig значения по умолчанию для расчёта иона Борна. Список потерь
// включает K1 и K2; a yaml weights map replaces the default weights as a
// whole instead of being merged into them.
func DefaultConfig() *domain.Config {
	adapt := true
	alpha := 0.7
	net := domain.NetworkConfig{
		NumHiddenLayers:      4,
		NumNeuronsPerLayer:   200,
		OutputDim:            1,
		Activation:           "tanh",
		AdaptativeActivation: true,
		ArchitectureNet:      "FCNN",
		FourierFeatures:      true,
		NumFourierFeatures:   256,
		FourierSigma:         1,
	}

	return &domain.Config{
		Equation: domain.EquationStandard,
		PBEModel: "linear",
		DomainProperties: domain.DomainProperties{
			Molecule: "born_ion",
			Epsilon1: 1,
			Epsilon2: 80,
			Kappa:    0.125,
			T:        300,
		},
		MeshProperties: domain.MeshProperties{
			VolMaxInterior: 0.04,
			VolMaxExterior: 0.1,
			DensityMol:     40,
			DensityBorder:  4,
			DxExperimental: 2,
			NPq:            100,
			GSigma:         0.04,
			MeshGenerator:  "msms",
			DRExterior:     8,
			ForceField:     "AMBER",
		},
		SampleMethod:       "random_sample",
		Losses:             []string{"R1", "R2", "D2", "I", "K1", "K2"},
		Weights:            map[string]float64{"E2": 1e-10},
		AdaptWeights:       &adapt,
		AdaptWIter:         1000,
		AdaptWMethod:       "gradients",
		AlphaW:             &alpha,
		GSolveIter:         1000,
		Network:            "xpinn",
		HyperparametersIn:  net,
		HyperparametersOut: net,
		Optimizer:          "Adam",
		LR: domain.LRSchedule{
			Method:              optimization.ScheduleExponentialDecay,
			InitialLearningRate: 0.001,
			DecaySteps:          2000,
			DecayRate:           0.9,
			Staircase:           true,
		},
		Optimizer2: "L-BFGS-B",
		OptionsOptimizer2: domain.QuasiNewtonOptions{
			MaxIter: 100,
			MaxFun:  5000,
			MaxCor:  50,
			MaxLS:   50,
			GTol:    1e-5,
			FTol:    2.220446049250313e-09,
		},
		NIters:         10000,
		ItersSaveModel: 1000,
		Workers:        max(1, runtime.NumCPU()-1),
		LogLevel:       "info",
		ResultsPath:    "results",
		HistoryBackend: HistoryMemory,
	}
}

// normalize раскрывает сокращения: "I" означает пару Iu, Id.
func (r *YAMLConfigReader) normalize(config *domain.Config) {
	var losses []string
	for _, loss := range config.Losses {
		loss = strings.TrimSpace(loss)
		if loss == "I" {
			losses = append(losses, string(domain.TagIu), string(domain.TagId))
			continue
		}
		losses = append(losses, loss)
	}
	slices.Sort(losses)
	config.Losses = slices.Compact(losses)

	config.PBEModel = strings.ToLower(config.PBEModel)
	config.AdaptWMethod = strings.ToLower(config.AdaptWMethod)
	config.HistoryBackend = strings.ToLower(config.HistoryBackend)
	if config.Workers <= 0 {
		config.Workers = max(1, runtime.NumCPU()-1)
	}
}

// Validate проверяет согласованность конфигурации до начала обучения.
func Validate(config *domain.Config) error {
	phys := config.Physics()
	formulation, err := domain.NewFormulation(config.Equation, phys, nil)
	if err != nil {
		return err
	}

	if config.PBEModel != "linear" && config.PBEModel != "nonlinear" {
		return domain.NewConfigurationError("pbe_model", "unknown model %q", config.PBEModel)
	}
	if !positive(phys.Epsilon1) {
		return domain.NewConfigurationError("domain_properties.epsilon_1", "must be positive, got %v", phys.Epsilon1)
	}
	if !positive(phys.Epsilon2) {
		return domain.NewConfigurationError("domain_properties.epsilon_2", "must be positive, got %v", phys.Epsilon2)
	}
	if phys.Kappa < 0 || math.IsNaN(phys.Kappa) || math.IsInf(phys.Kappa, 0) {
		return domain.NewConfigurationError("domain_properties.kappa", "must be non-negative, got %v", phys.Kappa)
	}
	if config.Equation == domain.EquationStandard && !positive(phys.Sigma) {
		return domain.NewConfigurationError("mesh_properties.G_sigma", "must be positive, got %v", phys.Sigma)
	}
	if s := config.MeshProperties.ValidationShare; s < 0 || s >= 1 {
		return domain.NewConfigurationError("mesh_properties.validation_share", "must lie in [0, 1), got %v", s)
	}

	if len(config.Losses) == 0 {
		return domain.NewConfigurationError("losses", "at least one loss term is required")
	}
	for _, loss := range config.Losses {
		tag, err := domain.ParseTag(loss)
		if err != nil {
			return domain.NewConfigurationError("losses", "%v", err)
		}
		if !formulation.Allows(tag) {
			return domain.NewConfigurationError("losses", "term %s is not available for equation %s", tag, config.Equation)
		}
	}
	for _, tag := range []domain.Tag{domain.TagR1, domain.TagR2} {
		if !slices.Contains(config.Losses, string(tag)) {
			return domain.NewConfigurationError("losses", "residual term %s is required", tag)
		}
	}
	if slices.Contains(config.Losses, string(domain.TagG)) && config.KnownSolvationEnergy == nil {
		return domain.NewConfigurationError("known_solvation_energy", "required by loss term G")
	}
	for key, w := range config.Weights {
		if _, err := domain.ParseTag(key); err != nil {
			return domain.NewConfigurationError("weights", "%v", err)
		}
		if !positive(w) {
			return domain.NewConfigurationError("weights."+key, "must be positive and finite, got %v", w)
		}
	}

	switch config.AdaptWMethod {
	case "gradients", "none":
	default:
		return domain.NewConfigurationError("adapt_w_method", "unknown method %q", config.AdaptWMethod)
	}
	if config.AdaptationEnabled() {
		if config.AdaptWIter <= 0 {
			return domain.NewConfigurationError("adapt_w_iter", "must be positive when adaptation is enabled, got %d", config.AdaptWIter)
		}
		if a := config.Alpha(); a < 0 || a >= 1 {
			return domain.NewConfigurationError("alpha_w", "must lie in [0, 1), got %v", a)
		}
	}
	if config.GSolveIter < 0 {
		return domain.NewConfigurationError("G_solve_iter", "must be non-negative, got %d", config.GSolveIter)
	}

	if config.Network != "xpinn" {
		return domain.NewConfigurationError("network", "unknown network %q", config.Network)
	}
	if err := validateNetwork("hyperparameters_in", config.HyperparametersIn); err != nil {
		return err
	}
	if err := validateNetwork("hyperparameters_out", config.HyperparametersOut); err != nil {
		return err
	}

	if _, err := optimization.NewFirstOrder(config.Optimizer, 0, optimization.ConstantRate(0)); err != nil {
		return domain.NewConfigurationError("optimizer", "%v", err)
	}
	if _, err := optimization.NewSchedule(config.LR); err != nil {
		return domain.NewConfigurationError("lr", "%v", err)
	}
	if config.NIters < 0 {
		return domain.NewConfigurationError("N_iters", "must be non-negative, got %d", config.NIters)
	}
	if config.NSteps2 < 0 {
		return domain.NewConfigurationError("N_steps_2", "must be non-negative, got %d", config.NSteps2)
	}
	if config.NSteps2 > 0 {
		if _, err := optimization.NewQuasiNewtonConfig(config.Optimizer2, config.OptionsOptimizer2); err != nil {
			return domain.NewConfigurationError("optimizer2", "%v", err)
		}
	}
	if config.ItersSaveModel < 0 {
		return domain.NewConfigurationError("iters_save_model", "must be non-negative, got %d", config.ItersSaveModel)
	}

	switch config.HistoryBackend {
	case HistoryMemory, HistorySQLite:
	default:
		return domain.NewConfigurationError("history_backend", "unknown backend %q", config.HistoryBackend)
	}
	if _, err := zap.ParseAtomicLevel(config.LogLevel); err != nil {
		return domain.NewConfigurationError("log_level", "%v", err)
	}
	return nil
}

func validateNetwork(key string, net domain.NetworkConfig) error {
	if net.ArchitectureNet != "FCNN" {
		return domain.NewConfigurationError(key+".architecture_Net", "unsupported architecture %q", net.ArchitectureNet)
	}
	if net.NumHiddenLayers < 1 {
		return domain.NewConfigurationError(key+".num_hidden_layers", "must be at least 1, got %d", net.NumHiddenLayers)
	}
	if net.NumNeuronsPerLayer < 1 {
		return domain.NewConfigurationError(key+".num_neurons_per_layer", "must be at least 1, got %d", net.NumNeuronsPerLayer)
	}
	if net.OutputDim != 1 {
		return domain.NewConfigurationError(key+".output_dim", "scalar potential requires 1, got %d", net.OutputDim)
	}
	if net.FourierFeatures && net.NumFourierFeatures < 1 {
		return domain.NewConfigurationError(key+".num_fourier_features", "must be at least 1, got %d", net.NumFourierFeatures)
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
