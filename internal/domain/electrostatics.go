package domain

import "math"

// Физические константы (СИ)
const (
	elementaryCharge   = 1.602176634e-19
	vacuumPermittivity = 8.8541878128e-12
	avogadro           = 6.02214076e23
	angstrom           = 1e-10
	joulesPerKcal      = 4184.0
)

// EnergyFactor converts q·φ, with φ in e/(ε0·Å), to kcal/mol.
var EnergyFactor = elementaryCharge * elementaryCharge * avogadro / (vacuumPermittivity * angstrom * joulesPerKcal)

// Physics параметры электростатической задачи
type Physics struct {
	Epsilon1  float64
	Epsilon2  float64
	Kappa     float64
	Sigma     float64
	Nonlinear bool
}

type electrostatics struct {
	phys    Physics
	charges []Charge
}

// coulomb потенциал свободных зарядов в среде ε1
func (e electrostatics) coulomb(x Point) float64 {
	var sum float64
	for _, c := range e.charges {
		r := x.Sub(c.Position).Norm()
		sum += c.Q / (4 * math.Pi * e.phys.Epsilon1 * r)
	}
	return sum
}

func (e electrostatics) coulombGradient(x Point) Point {
	var g Point
	for _, c := range e.charges {
		d := x.Sub(c.Position)
		r := d.Norm()
		g = g.Add(d.Scale(-c.Q / (4 * math.Pi * e.phys.Epsilon1 * r * r * r)))
	}
	return g
}

// yukawa экранированный потенциал в растворителе
func (e electrostatics) yukawa(x Point) float64 {
	var sum float64
	for _, c := range e.charges {
		r := x.Sub(c.Position).Norm()
		sum += c.Q * math.Exp(-e.phys.Kappa*r) / (4 * math.Pi * e.phys.Epsilon2 * r)
	}
	return sum
}

// gaussianSource правая часть для размазанных по Гауссу зарядов: Δφ = -ρ/ε1
func (e electrostatics) gaussianSource(x Point) float64 {
	s := e.phys.Sigma
	norm := math.Pow(2*math.Pi*s*s, -1.5)
	var rho float64
	for _, c := range e.charges {
		r := x.Sub(c.Position).Norm()
		rho += c.Q * norm * math.Exp(-r*r/(2*s*s))
	}
	return -rho / e.phys.Epsilon1
}

// smearedCoulomb is the free-space potential of the Gaussian charges; finite at the centres.
func (e electrostatics) smearedCoulomb(x Point) float64 {
	s := e.phys.Sigma
	var sum float64
	for _, c := range e.charges {
		r := x.Sub(c.Position).Norm()
		if r < 1e-12 {
			sum += c.Q / (4 * math.Pi * e.phys.Epsilon1) * math.Sqrt(2/math.Pi) / s
			continue
		}
		sum += c.Q * math.Erf(r/(math.Sqrt2*s)) / (4 * math.Pi * e.phys.Epsilon1 * r)
	}
	return sum
}

func (e electrostatics) Physics() Physics {
	return e.phys
}

func (e electrostatics) Charges() []Charge {
	out := make([]Charge, len(e.charges))
	copy(out, e.charges)
	return out
}

// SolvationEnergy вычисляет ΔG = ½ Σ q_k φ_react(x_k) в ккал/моль.
func SolvationEnergy(charges []Charge, reaction func(x Point) float64) float64 {
	var sum float64
	for _, c := range charges {
		sum += c.Q * reaction(c.Position)
	}
	return 0.5 * sum * EnergyFactor
}

// BornIonEnergy аналитическая энергия сольватации иона Борна
func BornIonEnergy(q, radius, eps1, eps2 float64) float64 {
	phiReact := q / (4 * math.Pi * radius) * (1/eps2 - 1/eps1)
	return 0.5 * q * phiReact * EnergyFactor
}

// BornIonPotential аналитический потенциал иона Борна радиуса radius с
// зарядом q в центре, на расстоянии r от центра.
func BornIonPotential(phys Physics, q, radius, r float64) float64 {
	k := phys.Kappa
	if r < radius {
		return q/(4*math.Pi*phys.Epsilon1)*(1/r-1/radius) +
			q/(4*math.Pi*phys.Epsilon2*radius*(1+k*radius))
	}
	return q * math.Exp(k*(radius-r)) / (4 * math.Pi * phys.Epsilon2 * (1 + k*radius) * r)
}
