package domain

import "slices"

// Formulation вариант постановки УПБ. Each variant fixes its loss-term set and
// the analytic singular part added to the network output of each domain.
type Formulation interface {
	Name() string
	Allows(tag Tag) bool
	Tags() []Tag
	// SingularPart is added to the network output to obtain the full potential.
	SingularPart(d Domain, x Point) float64
	SingularGradient(d Domain, x Point) Point
	// InteriorSource is the right-hand side of Δu1 = f in the interior.
	InteriorSource(x Point) float64
	// BoundaryValue is the D2 target for the exterior network output.
	BoundaryValue(x Point) float64
	// ReactionPotential converts the interior network output at x into φ_react.
	ReactionPotential(u1 float64, x Point) float64
	Physics() Physics
	Charges() []Charge
}

const (
	EquationStandard     = "standard"
	EquationRegularized1 = "regularized_scheme_1"
	EquationRegularized2 = "regularized_scheme_2"
)

func NewFormulation(name string, phys Physics, charges []Charge) (Formulation, error) {
	base := electrostatics{phys: phys, charges: slices.Clone(charges)}
	switch name {
	case EquationStandard:
		return standardFormulation{base}, nil
	case EquationRegularized1:
		return regularizedScheme1{base}, nil
	case EquationRegularized2:
		return regularizedScheme2{base}, nil
	}
	return nil, NewConfigurationError("equation", "unsupported PBE formulation %q", name)
}

var regularizedTags = []Tag{TagR1, TagR2, TagD2, TagIu, TagId, TagIr, TagK1, TagK2, TagE2, TagG}

// standardFormulation: сеть аппроксимирует полный потенциал, заряды размазаны по Гауссу.
type standardFormulation struct {
	electrostatics
}

func (standardFormulation) Name() string { return EquationStandard }

func (standardFormulation) Allows(tag Tag) bool { return slices.Contains(AllTags, tag) }

func (standardFormulation) Tags() []Tag { return slices.Clone(AllTags) }

func (standardFormulation) SingularPart(Domain, Point) float64 { return 0 }

func (standardFormulation) SingularGradient(Domain, Point) Point { return Point{} }

func (f standardFormulation) InteriorSource(x Point) float64 { return f.gaussianSource(x) }

func (f standardFormulation) BoundaryValue(x Point) float64 { return f.yukawa(x) }

func (f standardFormulation) ReactionPotential(u1 float64, x Point) float64 {
	return u1 - f.smearedCoulomb(x)
}

// regularizedScheme1: φ = G + u в обеих областях.
type regularizedScheme1 struct {
	electrostatics
}

func (regularizedScheme1) Name() string { return EquationRegularized1 }

func (regularizedScheme1) Allows(tag Tag) bool { return slices.Contains(regularizedTags, tag) }

func (regularizedScheme1) Tags() []Tag { return slices.Clone(regularizedTags) }

func (f regularizedScheme1) SingularPart(_ Domain, x Point) float64 { return f.coulomb(x) }

func (f regularizedScheme1) SingularGradient(_ Domain, x Point) Point { return f.coulombGradient(x) }

func (regularizedScheme1) InteriorSource(Point) float64 { return 0 }

func (f regularizedScheme1) BoundaryValue(x Point) float64 { return f.yukawa(x) - f.coulomb(x) }

func (regularizedScheme1) ReactionPotential(u1 float64, _ Point) float64 { return u1 }

// regularizedScheme2: φ1 = G + u1 внутри, φ2 = u2 в растворителе.
type regularizedScheme2 struct {
	electrostatics
}

func (regularizedScheme2) Name() string { return EquationRegularized2 }

func (regularizedScheme2) Allows(tag Tag) bool { return slices.Contains(regularizedTags, tag) }

func (regularizedScheme2) Tags() []Tag { return slices.Clone(regularizedTags) }

func (f regularizedScheme2) SingularPart(d Domain, x Point) float64 {
	if d == Interior {
		return f.coulomb(x)
	}
	return 0
}

func (f regularizedScheme2) SingularGradient(d Domain, x Point) Point {
	if d == Interior {
		return f.coulombGradient(x)
	}
	return Point{}
}

func (regularizedScheme2) InteriorSource(Point) float64 { return 0 }

func (f regularizedScheme2) BoundaryValue(x Point) float64 { return f.yukawa(x) }

func (regularizedScheme2) ReactionPotential(u1 float64, _ Point) float64 { return u1 }
