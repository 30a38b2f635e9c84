package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"xpinn-pbe/internal/domain"
)

const (
	checkpointPrefix = "iter_"
	stagingPrefix    = ".staging-"
	stateFileName    = "state.yaml"
)

// FileCheckpointStore хранит снимки в каталогах iter_<k>. Каждый снимок
// сначала пишется во временный каталог и затем переименовывается, поэтому
// каталог iter_<k> либо полон, либо отсутствует.
type FileCheckpointStore struct {
	logger *zap.Logger
	root   string
	rename func(oldpath, newpath string) error
}

func NewFileCheckpointStore(logger *zap.Logger, root string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint root: %w", err)
	}
	return &FileCheckpointStore{logger: logger, root: root, rename: os.Rename}, nil
}

type checkpointFile struct {
	Iteration   int                           `yaml:"iteration"`
	RunID       string                        `yaml:"run_id,omitempty"`
	Phase       string                        `yaml:"phase"`
	BestLoss    float64                       `yaml:"best_loss"`
	Interrupted bool                          `yaml:"interrupted"`
	Weights     map[string]map[string]float64 `yaml:"weights"`
	Scales      map[string]float64            `yaml:"scales"`
	Params      map[string]int                `yaml:"params"`
	Optimizers  map[string]optimizerFile      `yaml:"optimizers,omitempty"`
}

type optimizerFile struct {
	Method  string `yaml:"method"`
	Step    int    `yaml:"step"`
	Moment1 int    `yaml:"moment1"`
	Moment2 int    `yaml:"moment2"`
}

func (s *FileCheckpointStore) Save(ctx context.Context, cp domain.Checkpoint) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	staging := filepath.Join(s.root, stagingPrefix+uuid.NewString())
	if err := os.Mkdir(staging, 0o755); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(staging)
		}
	}()

	meta := checkpointFile{
		Iteration:   cp.State.Iteration,
		RunID:       cp.RunID,
		Phase:       cp.State.Phase.String(),
		BestLoss:    cp.State.BestLoss,
		Interrupted: cp.State.Interrupted,
		Weights:     make(map[string]map[string]float64),
		Scales:      make(map[string]float64),
		Params:      make(map[string]int),
		Optimizers:  make(map[string]optimizerFile),
	}
	for d, table := range cp.Weights {
		row := make(map[string]float64, len(table))
		for tag, w := range table {
			row[string(tag)] = w
		}
		meta.Weights[d.String()] = row
	}
	for d, scale := range cp.Scales {
		meta.Scales[d.String()] = scale
	}
	for d, params := range cp.Params {
		if err := writeVector(filepath.Join(staging, vectorFile("params", d)), params); err != nil {
			return err
		}
		meta.Params[d.String()] = len(params)
	}
	for d, st := range cp.State.Optimizers {
		if err := writeVector(filepath.Join(staging, vectorFile("moment1", d)), st.Moment1); err != nil {
			return err
		}
		if err := writeVector(filepath.Join(staging, vectorFile("moment2", d)), st.Moment2); err != nil {
			return err
		}
		meta.Optimizers[d.String()] = optimizerFile{
			Method:  st.Method,
			Step:    st.Step,
			Moment1: len(st.Moment1),
			Moment2: len(st.Moment2),
		}
	}

	data, err := yaml.Marshal(&meta)
	if err != nil {
		return err
	}
	if err := writeSynced(filepath.Join(staging, stateFileName), data); err != nil {
		return err
	}
	if err := syncDir(staging); err != nil {
		return err
	}

	if err := s.publish(staging, s.dir(cp.State.Iteration)); err != nil {
		return err
	}
	s.logger.Debug("Checkpoint written",
		zap.Int("iteration", cp.State.Iteration),
		zap.String("dir", s.dir(cp.State.Iteration)))
	return syncDir(s.root)
}

// publish moves a finished staging directory into place, replacing an
// earlier snapshot of the same iteration. The earlier snapshot is removed
// only once the new one is in place.
func (s *FileCheckpointStore) publish(staging, final string) error {
	if _, err := os.Stat(final); err != nil {
		return s.rename(staging, final)
	}

	trash := filepath.Join(s.root, stagingPrefix+uuid.NewString())
	if err := s.rename(final, trash); err != nil {
		return err
	}
	if err := s.rename(staging, final); err != nil {
		if rerr := s.rename(trash, final); rerr != nil {
			return errors.Join(err, fmt.Errorf("restore %s: %w", filepath.Base(final), rerr))
		}
		return err
	}
	if err := os.RemoveAll(trash); err != nil {
		s.logger.Warn("Failed to remove replaced checkpoint", zap.String("dir", trash), zap.Error(err))
	}
	return nil
}

func (s *FileCheckpointStore) Load(ctx context.Context, iteration int) (domain.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return domain.Checkpoint{}, err
	}

	dir := s.dir(iteration)
	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Checkpoint{}, fmt.Errorf("%w: iteration %d", domain.ErrCheckpointNotFound, iteration)
	}
	if err != nil {
		return domain.Checkpoint{}, err
	}

	var meta checkpointFile
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("%w: %s: %v", domain.ErrInvalidFileFormat, stateFileName, err)
	}
	phase, err := domain.ParsePhase(meta.Phase)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("%w: %v", domain.ErrInvalidFileFormat, err)
	}

	cp := domain.Checkpoint{
		State: domain.TrainingState{
			Iteration:   meta.Iteration,
			Phase:       phase,
			BestLoss:    meta.BestLoss,
			Interrupted: meta.Interrupted,
			Optimizers:  make(map[domain.Domain]domain.OptimizerState),
		},
		Weights: make(map[domain.Domain]domain.WeightTable),
		Params:  make(map[domain.Domain][]float64),
		Scales:  make(map[domain.Domain]float64),
		RunID:   meta.RunID,
	}
	for name, row := range meta.Weights {
		d, err := domain.ParseDomain(name)
		if err != nil {
			return domain.Checkpoint{}, fmt.Errorf("%w: %v", domain.ErrInvalidFileFormat, err)
		}
		table := make(domain.WeightTable, len(row))
		for tag, w := range row {
			table[domain.Tag(tag)] = w
		}
		cp.Weights[d] = table
	}
	for name, scale := range meta.Scales {
		d, err := domain.ParseDomain(name)
		if err != nil {
			return domain.Checkpoint{}, fmt.Errorf("%w: %v", domain.ErrInvalidFileFormat, err)
		}
		cp.Scales[d] = scale
	}
	for name, n := range meta.Params {
		d, err := domain.ParseDomain(name)
		if err != nil {
			return domain.Checkpoint{}, fmt.Errorf("%w: %v", domain.ErrInvalidFileFormat, err)
		}
		if cp.Params[d], err = readVector(filepath.Join(dir, vectorFile("params", d)), n); err != nil {
			return domain.Checkpoint{}, err
		}
	}
	for name, of := range meta.Optimizers {
		d, err := domain.ParseDomain(name)
		if err != nil {
			return domain.Checkpoint{}, fmt.Errorf("%w: %v", domain.ErrInvalidFileFormat, err)
		}
		st := domain.OptimizerState{Method: of.Method, Step: of.Step}
		if st.Moment1, err = readVector(filepath.Join(dir, vectorFile("moment1", d)), of.Moment1); err != nil {
			return domain.Checkpoint{}, err
		}
		if st.Moment2, err = readVector(filepath.Join(dir, vectorFile("moment2", d)), of.Moment2); err != nil {
			return domain.Checkpoint{}, err
		}
		cp.State.Optimizers[d] = st
	}
	return cp, nil
}

func (s *FileCheckpointStore) Latest(ctx context.Context) (int, bool, error) {
	iterations, err := s.List(ctx)
	if err != nil || len(iterations) == 0 {
		return 0, false, err
	}
	return iterations[len(iterations)-1], true, nil
}

// List возвращает итерации всех полных снимков по возрастанию.
func (s *FileCheckpointStore) List(ctx context.Context) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	var out []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), checkpointPrefix) {
			continue
		}
		k, err := strconv.Atoi(strings.TrimPrefix(e.Name(), checkpointPrefix))
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), stateFileName)); err != nil {
			s.logger.Warn("Skipping incomplete checkpoint", zap.String("dir", e.Name()))
			continue
		}
		out = append(out, k)
	}
	slices.Sort(out)
	return out, nil
}

func (s *FileCheckpointStore) dir(iteration int) string {
	return filepath.Join(s.root, checkpointPrefix+strconv.Itoa(iteration))
}

func vectorFile(kind string, d domain.Domain) string {
	return kind + "_" + d.String() + ".bin"
}

// writeVector сохраняет вектор в двоичном формате gonum/mat. Пустой вектор не
// пишется: его длина 0 хранится в state.yaml.
func writeVector(path string, data []float64) error {
	if len(data) == 0 {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	v := mat.NewVecDense(len(data), slices.Clone(data))
	if _, err := v.MarshalBinaryTo(f); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Sync()
}

func readVector(path string, n int) ([]float64, error) {
	if n == 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidFileFormat, err)
	}
	defer f.Close()

	var v mat.VecDense
	if _, err := v.UnmarshalBinaryFrom(f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidFileFormat, filepath.Base(path), err)
	}
	if v.Len() != n {
		return nil, fmt.Errorf("%w: %s has %d values, want %d", domain.ErrInvalidFileFormat, filepath.Base(path), v.Len(), n)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out, nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
