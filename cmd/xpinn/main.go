package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"xpinn-pbe/internal/app"
	"xpinn-pbe/internal/domain"
	"xpinn-pbe/internal/infrastructure"
	"xpinn-pbe/pkg/field"
	"xpinn-pbe/pkg/network"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	moleculeDir := flag.String("molecule-dir", "molecules", "Directory with molecule data")
	resume := flag.String("resume", "", "Checkpoint iteration to resume from, or 'latest'")
	workers := flag.Int("workers", 0, "Number of workers (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	nIters := flag.Int("n-iters", -1, "First-order iterations (overrides config)")
	nSteps2 := flag.Int("n-steps-2", -1, "Quasi-Newton iterations (overrides config)")
	resultsPath := flag.String("results", "", "Results directory (overrides config)")
	flag.Parse()

	// Инициализация логгера
	logger := initLogger("info")
	defer logger.Sync()

	// Чтение конфигурации
	configReader := infrastructure.NewYAMLConfigReader(logger)
	config, err := configReader.ReadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to read config", zap.Error(err))
	}

	// Применяем аргументы командной строки
	if *workers > 0 {
		config.Workers = *workers
	}
	if *logLevel != "" {
		config.LogLevel = *logLevel
	}
	if *nIters >= 0 {
		config.NIters = *nIters
	}
	if *nSteps2 >= 0 {
		config.NSteps2 = *nSteps2
	}
	if *resultsPath != "" {
		config.ResultsPath = *resultsPath
	}
	if err := infrastructure.Validate(config); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	// Обновляем уровень логирования
	logger = initLogger(config.LogLevel, config.LogFile)

	if err := os.MkdirAll(config.ResultsPath, 0o755); err != nil {
		logger.Fatal("Failed to create results directory", zap.Error(err))
	}

	// Молекула и выборка точек
	fileReader := infrastructure.NewTXTFileReader(logger)
	molecule := config.DomainProperties.Molecule
	dir := filepath.Join(*moleculeDir, molecule)
	charges, err := fileReader.ReadCharges(filepath.Join(dir, molecule+".pqr"))
	if errors.Is(err, fs.ErrNotExist) && molecule == "born_ion" {
		charges = []domain.Charge{{Q: 1, Radius: 1, AtomName: "I", ResName: "ION", ResNum: 1}}
		logger.Info("Using unit Born ion", zap.Float64("radius", 1))
		err = nil
	}
	if err != nil {
		logger.Fatal("Failed to read charges", zap.Error(err))
	}

	formulation, err := domain.NewFormulation(config.Equation, config.Physics(), charges)
	if err != nil {
		logger.Fatal("Failed to build formulation", zap.Error(err))
	}

	var mesh domain.MeshProvider
	if molecule == "born_ion" {
		mesh, err = infrastructure.NewBornIonMesh(logger, config, charges[0])
		if err != nil {
			logger.Fatal("Failed to build mesh", zap.Error(err))
		}
	} else {
		mesh = infrastructure.NewPointFileMesh(logger, config, fileReader, dir)
	}
	samples, err := mesh.Samples(formulation)
	if err != nil {
		logger.Fatal("Failed to sample mesh", zap.Error(err))
	}
	train, validation := samples.Split(config.MeshProperties.ValidationShare)

	// Сети обеих подобластей
	dual, err := buildFields(config, mesh.Scales())
	if err != nil {
		logger.Fatal("Failed to build networks", zap.Error(err))
	}

	// Инициализация компонентов
	evaluator, err := app.NewResidualEvaluator(logger, config, formulation)
	if err != nil {
		logger.Fatal("Failed to build evaluator", zap.Error(err))
	}
	weights, err := app.NewWeightController(logger, config)
	if err != nil {
		logger.Fatal("Failed to build weight controller", zap.Error(err))
	}
	monitor := app.NewSolvationMonitor(logger, config, formulation)

	store, err := infrastructure.NewFileCheckpointStore(logger, filepath.Join(config.ResultsPath, "checkpoints"))
	if err != nil {
		logger.Fatal("Failed to open checkpoint store", zap.Error(err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// При продолжении журнал пишется под ключом из снимка
	resumeFrom := -1
	if *resume != "" {
		resumeFrom, err = resumeIteration(ctx, store, *resume)
		if err != nil {
			logger.Fatal("Failed to find checkpoint", zap.Error(err))
		}
	}
	runID, err := infrastructure.RunIDFor(ctx, store, resumeFrom, resumeFrom >= 0)
	if err != nil {
		logger.Fatal("Failed to read checkpoint", zap.Error(err))
	}
	history, err := infrastructure.NewHistoryStore(config.HistoryBackend, filepath.Join(config.ResultsPath, "history.db"), runID)
	if err != nil {
		logger.Fatal("Failed to open history store", zap.Error(err))
	}

	if err := history.Init(ctx); err != nil {
		logger.Fatal("Failed to init history store", zap.Error(err))
	}
	defer infrastructure.CloseIfSupported(history)

	opts := []app.SchedulerOption{app.WithRunID(runID)}
	if len(validation) > 0 {
		opts = append(opts, app.WithValidation(validation))
	}
	scheduler, err := app.NewOptimizationScheduler(logger, config, evaluator, weights, monitor, store, history, dual, train, opts...)
	if err != nil {
		logger.Fatal("Failed to build scheduler", zap.Error(err))
	}

	if resumeFrom >= 0 {
		if err := scheduler.Resume(ctx, resumeFrom); err != nil {
			logger.Fatal("Failed to resume", zap.Error(err))
		}
	}

	logger.Info("Starting XPINN training",
		zap.String("run_id", runID),
		zap.String("molecule", molecule),
		zap.String("equation", formulation.Name()),
		zap.Int("interior_points", train.Count(domain.TagR1)),
		zap.Int("exterior_points", train.Count(domain.TagR2)),
		zap.Int("workers", config.Workers))

	if err := scheduler.Run(ctx); err != nil {
		logger.Fatal("Training failed", zap.Error(err))
	}

	// Запись результатов
	fileWriter := infrastructure.NewTXTFileWriter(logger)
	for _, d := range domain.Domains {
		records, err := history.Losses(context.WithoutCancel(ctx), d)
		if err != nil {
			logger.Error("Failed to read loss history", zap.Error(err))
			continue
		}
		filename := filepath.Join(config.ResultsPath, "loss_"+d.String()+".txt")
		if err := fileWriter.WriteLosses(filename, records, infrastructure.Scientific); err != nil {
			logger.Error("Failed to write result", zap.String("file", filename), zap.Error(err))
		} else {
			logger.Info("Successfully written result", zap.String("file", filename))
		}
	}
	if energies, err := history.Energies(context.WithoutCancel(ctx)); err == nil {
		filename := filepath.Join(config.ResultsPath, "G_solv.txt")
		if err := fileWriter.WriteEnergies(filename, energies); err != nil {
			logger.Error("Failed to write result", zap.String("file", filename), zap.Error(err))
		}
	}

	state := scheduler.State()
	energy := app.SolvationEnergy(formulation, scheduler.Field())
	fields := []zap.Field{
		zap.Int("iteration", state.Iteration),
		zap.Bool("interrupted", state.Interrupted),
		zap.Float64("G_solv", energy),
	}
	if molecule == "born_ion" {
		phys := config.Physics()
		fields = append(fields, zap.Float64("G_born", domain.BornIonEnergy(charges[0].Q, charges[0].Radius, phys.Epsilon1, phys.Epsilon2)))
	}
	logger.Info("XPINN training completed", fields...)
}

func buildFields(config *domain.Config, scales map[domain.Domain]float64) (*field.DualField, error) {
	fields := make(map[domain.Domain]*field.Field, 2)
	for i, d := range domain.Domains {
		cfg := config.HyperparametersIn
		if d == domain.Exterior {
			cfg = config.HyperparametersOut
		}
		seed := config.Seed + uint64(i)
		net, err := network.NewFCNN(cfg, seed)
		if err != nil {
			return nil, err
		}
		f, err := field.NewField(net, net.Init(seed), scales[d])
		if err != nil {
			return nil, err
		}
		fields[d] = f
	}
	return field.NewDualField(fields[domain.Interior], fields[domain.Exterior])
}

func resumeIteration(ctx context.Context, store domain.CheckpointStore, arg string) (int, error) {
	if arg != "latest" {
		return strconv.Atoi(arg)
	}
	iteration, ok, err := store.Latest(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, domain.ErrCheckpointNotFound
	}
	return iteration, nil
}

// initLogger initializes the logger with the specified level and log file name.
func initLogger(level string, logfileName ...string) *zap.Logger {
	config := zap.NewProductionConfig()

	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	outputPath := []string{"stderr"}
	for _, item := range logfileName {
		if item != "" {
			outputPath = append(outputPath, item)
		}
	}

	config.OutputPaths = outputPath
	config.ErrorOutputPaths = outputPath
	config.EncoderConfig.TimeKey = "t"
	config.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	config.DisableCaller = false

	logger, _ := config.Build()
	return logger
}
