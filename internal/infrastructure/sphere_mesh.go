package infrastructure

import (
	"math"
	"slices"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"xpinn-pbe/internal/domain"
	"xpinn-pbe/pkg/network"
)

// BornIonMesh выборка точек для иона Борна: шар радиуса R внутри и сферический
// слой толщины dR_exterior снаружи. Point counts follow the mesh properties:
// volumes are divided by vol_max_*, surfaces multiplied by density_*.
type BornIonMesh struct {
	logger *zap.Logger
	config *domain.Config
	charge domain.Charge
	seed   uint64
}

func NewBornIonMesh(logger *zap.Logger, config *domain.Config, charge domain.Charge) (*BornIonMesh, error) {
	if !positive(charge.Radius) {
		return nil, domain.NewConfigurationError("domain_properties.molecule", "born ion radius must be positive, got %v", charge.Radius)
	}
	if !positive(config.MeshProperties.DRExterior) {
		return nil, domain.NewConfigurationError("mesh_properties.dR_exterior", "must be positive, got %v", config.MeshProperties.DRExterior)
	}
	return &BornIonMesh{logger: logger, config: config, charge: charge, seed: config.Seed}, nil
}

func (m *BornIonMesh) Scales() map[domain.Domain]float64 {
	return map[domain.Domain]float64{
		domain.Interior: m.charge.Radius,
		domain.Exterior: m.outer(),
	}
}

func (m *BornIonMesh) outer() float64 {
	return m.charge.Radius + m.config.MeshProperties.DRExterior
}

func (m *BornIonMesh) Samples(f domain.Formulation) (domain.Samples, error) {
	mp := m.config.MeshProperties
	src := network.NewSource(m.seed)
	sampler := sphereSampler{
		normal:  distuv.Normal{Mu: 0, Sigma: 1, Src: src},
		uniform: distuv.Uniform{Min: 0, Max: 1, Src: src},
	}
	R, outer := m.charge.Radius, m.outer()
	center := m.charge.Position
	phys := f.Physics()

	active := make(map[domain.Tag]bool)
	for _, d := range domain.Domains {
		for _, tag := range m.config.ActiveTags(d) {
			active[tag] = f.Allows(tag)
		}
	}

	samples := make(domain.Samples)
	add := func(tag domain.Tag, points []domain.Point, opts ...domain.SampleOption) error {
		if !active[tag] {
			return nil
		}
		set, err := domain.NewSampleSet(tag, points, opts...)
		if err != nil {
			return err
		}
		samples[tag] = set
		return nil
	}
	analytic := func(points []domain.Point) []float64 {
		out := make([]float64, len(points))
		for i, p := range points {
			out[i] = domain.BornIonPotential(phys, m.charge.Q, R, p.Sub(center).Norm())
		}
		return out
	}

	nInterior := count(4.0 / 3 * math.Pi * R * R * R / mp.VolMaxInterior)
	nExterior := count(4.0 / 3 * math.Pi * (outer*outer*outer - R*R*R) / mp.VolMaxExterior)
	nInterface := count(4 * math.Pi * R * R * mp.DensityMol)
	nBorder := count(4 * math.Pi * outer * outer * mp.DensityBorder)

	interior := sampler.ball(center, 0, R, nInterior)
	if err := add(domain.TagR1, interior); err != nil {
		return nil, err
	}
	if err := add(domain.TagR2, sampler.ball(center, R, outer, nExterior)); err != nil {
		return nil, err
	}
	if err := add(domain.TagD2, sampler.sphere(center, outer, nBorder)); err != nil {
		return nil, err
	}

	// Точки интерфейса общие для Iu, Id и Ir
	iface := sampler.sphere(center, R, nInterface)
	normals := make([]domain.Point, len(iface))
	for i, p := range iface {
		normals[i] = p.Sub(center).Scale(1 / R)
	}
	for _, tag := range []domain.Tag{domain.TagIu, domain.TagId, domain.TagIr} {
		if err := add(tag, iface, domain.WithNormals(normals)); err != nil {
			return nil, err
		}
	}

	if active[domain.TagQ1] {
		rq := min(R, 5*phys.Sigma)
		if err := add(domain.TagQ1, sampler.ball(center, 0, rq, max(1, mp.NPq))); err != nil {
			return nil, err
		}
	}
	if active[domain.TagK1] {
		points := sampler.ball(center, 0, R, max(1, mp.NPq))
		if err := add(domain.TagK1, points, domain.WithTargets(analytic(points))); err != nil {
			return nil, err
		}
	}
	if active[domain.TagK2] {
		points := sampler.ball(center, R, outer, max(1, mp.NPq))
		if err := add(domain.TagK2, points, domain.WithTargets(analytic(points))); err != nil {
			return nil, err
		}
	}
	if active[domain.TagE2] {
		points := grid(center, R, outer, mp.DxExperimental)
		if err := add(domain.TagE2, points, domain.WithTargets(analytic(points))); err != nil {
			return nil, err
		}
	}

	m.logger.Info("Born ion mesh sampled",
		zap.Float64("radius", R),
		zap.Float64("outer_radius", outer),
		zap.Int("interior", samples.Count(domain.TagR1)),
		zap.Int("exterior", samples.Count(domain.TagR2)),
		zap.Int("interface", len(iface)),
		zap.Int("border", samples.Count(domain.TagD2)))
	return samples, nil
}

type sphereSampler struct {
	normal  distuv.Normal
	uniform distuv.Uniform
}

func (s sphereSampler) direction() domain.Point {
	for {
		p := domain.Point{s.normal.Rand(), s.normal.Rand(), s.normal.Rand()}
		if n := p.Norm(); n > 1e-12 {
			return p.Scale(1 / n)
		}
	}
}

// ball равномерно по объёму слоя rmin < r < rmax
func (s sphereSampler) ball(center domain.Point, rmin, rmax float64, n int) []domain.Point {
	lo, hi := rmin*rmin*rmin, rmax*rmax*rmax
	out := make([]domain.Point, n)
	for i := range out {
		var r float64
		for r <= rmin || r >= rmax {
			r = math.Cbrt(lo + (hi-lo)*s.uniform.Rand())
		}
		out[i] = center.Add(s.direction().Scale(r))
	}
	return out
}

func (s sphereSampler) sphere(center domain.Point, r float64, n int) []domain.Point {
	out := make([]domain.Point, n)
	for i := range out {
		out[i] = center.Add(s.direction().Scale(r))
	}
	return out
}

// grid узлы кубической решётки с шагом dx внутри слоя rmin < r < rmax
func grid(center domain.Point, rmin, rmax, dx float64) []domain.Point {
	if !positive(dx) {
		return nil
	}
	var out []domain.Point
	steps := int(math.Floor(rmax / dx))
	for i := -steps; i <= steps; i++ {
		for j := -steps; j <= steps; j++ {
			for k := -steps; k <= steps; k++ {
				d := domain.Point{float64(i) * dx, float64(j) * dx, float64(k) * dx}
				if r := d.Norm(); r > rmin && r < rmax {
					out = append(out, center.Add(d))
				}
			}
		}
	}
	return slices.Clip(out)
}

func count(v float64) int {
	if !positive(v) {
		return 1
	}
	return max(1, int(math.Ceil(v)))
}
