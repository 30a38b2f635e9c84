package app

import (
	"math"

	"xpinn-pbe/internal/domain"
	"xpinn-pbe/pkg/field"
)

// operators дифференциальные операторы УПБ для выбранной постановки.
type operators struct {
	formulation domain.Formulation
	phys        domain.Physics
}

// interiorResidual: Δu1 - f
func (o operators) interiorResidual(f *field.Field, x domain.Point) float64 {
	return f.Laplacian(x) - o.formulation.InteriorSource(x)
}

// exteriorResidual: Δu2 - κ²·F(u2 + S2), F = id (linear) or sinh (nonlinear).
// The singular part is harmonic outside the molecule.
func (o operators) exteriorResidual(f *field.Field, x domain.Point) float64 {
	phi := f.Value(x) + o.formulation.SingularPart(domain.Exterior, x)
	if o.phys.Nonlinear {
		phi = math.Sinh(phi)
	}
	return f.Laplacian(x) - o.phys.Kappa*o.phys.Kappa*phi
}

func (o operators) residual(d domain.Domain, f *field.Field, x domain.Point) float64 {
	if d == domain.Interior {
		return o.interiorResidual(f, x)
	}
	return o.exteriorResidual(f, x)
}

// potential полный потенциал φ = u + S
func (o operators) potential(d domain.Domain, f *field.Field, x domain.Point) float64 {
	return f.Value(x) + o.formulation.SingularPart(d, x)
}

// flux ε·∂φ/∂n
func (o operators) flux(d domain.Domain, f *field.Field, x, n domain.Point) float64 {
	eps := o.phys.Epsilon1
	if d == domain.Exterior {
		eps = o.phys.Epsilon2
	}
	grad := f.Gradient(x).Add(o.formulation.SingularGradient(d, x))
	return eps * grad.Dot(n)
}
