package infrastructure

import (
	"errors"
	"io/fs"
	"math"
	"path/filepath"

	"go.uber.org/zap"

	"xpinn-pbe/internal/domain"
)

// PointFileMesh берёт наборы точек из файлов <tag>.xyz каталога молекулы.
// Interface terms fall back to a shared I.xyz. Missing files give empty sets.
type PointFileMesh struct {
	logger *zap.Logger
	config *domain.Config
	reader domain.SampleReader
	dir    string
	scales map[domain.Domain]float64
}

func NewPointFileMesh(logger *zap.Logger, config *domain.Config, reader domain.SampleReader, dir string) *PointFileMesh {
	return &PointFileMesh{logger: logger, config: config, reader: reader, dir: dir}
}

func (m *PointFileMesh) Samples(f domain.Formulation) (domain.Samples, error) {
	samples := make(domain.Samples)
	seen := make(map[domain.Tag]bool)
	for _, d := range domain.Domains {
		for _, tag := range m.config.ActiveTags(d) {
			if seen[tag] || !f.Allows(tag) || tag.Kind() == domain.KindEnergy {
				continue
			}
			seen[tag] = true

			set, err := m.read(tag)
			if err != nil {
				return nil, err
			}
			if set == nil {
				m.logger.Warn("No points for loss term", zap.String("tag", string(tag)), zap.String("dir", m.dir))
				continue
			}
			samples[tag] = set
		}
	}

	m.scales = map[domain.Domain]float64{
		domain.Interior: radius(samples[domain.TagR1]),
		domain.Exterior: radius(samples[domain.TagR2]),
	}
	return samples, nil
}

func (m *PointFileMesh) read(tag domain.Tag) (*domain.SampleSet, error) {
	names := []string{string(tag) + ".xyz"}
	if tag.Kind() == domain.KindInterface {
		names = append(names, "I.xyz")
	}
	for _, name := range names {
		set, err := m.reader.ReadSampleSet(tag, filepath.Join(m.dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return set, err
	}
	return nil, nil
}

// Scales returns the largest distance from the centroid of each domain's
// residual points; 1 before Samples has run or for an empty set.
func (m *PointFileMesh) Scales() map[domain.Domain]float64 {
	out := map[domain.Domain]float64{domain.Interior: 1, domain.Exterior: 1}
	for d, s := range m.scales {
		out[d] = s
	}
	return out
}

func radius(set *domain.SampleSet) float64 {
	if set.Len() == 0 {
		return 1
	}
	var c domain.Point
	for _, p := range set.Points() {
		c = c.Add(p)
	}
	c = c.Scale(1 / float64(set.Len()))
	var r float64
	for _, p := range set.Points() {
		r = math.Max(r, p.Sub(c).Norm())
	}
	if r == 0 {
		return 1
	}
	return r
}
