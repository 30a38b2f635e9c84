package field

import (
	"errors"
	"fmt"

	"xpinn-pbe/internal/domain"
)

// DualField пара полей (внутреннее, внешнее). The two parameter sets are
// never shared; the scheduler is their only mutator.
type DualField struct {
	interior *Field
	exterior *Field
}

func NewDualField(interior, exterior *Field) (*DualField, error) {
	if interior == nil || exterior == nil {
		return nil, errors.New("dual field: both domains need a field")
	}
	if interior == exterior {
		return nil, errors.New("dual field: domains cannot share a field")
	}
	return &DualField{interior: interior, exterior: exterior}, nil
}

func (d *DualField) Field(dom domain.Domain) *Field {
	if dom == domain.Interior {
		return d.interior
	}
	return d.exterior
}

// With returns a pair where only dom is evaluated at params.
func (d *DualField) With(dom domain.Domain, params []float64) *DualField {
	out := &DualField{interior: d.interior, exterior: d.exterior}
	if dom == domain.Interior {
		out.interior = d.interior.With(params)
	} else {
		out.exterior = d.exterior.With(params)
	}
	return out
}

func (d *DualField) Value(dom domain.Domain, x domain.Point) float64 {
	return d.Field(dom).Value(x)
}

func (d *DualField) Gradient(dom domain.Domain, x domain.Point) domain.Point {
	return d.Field(dom).Gradient(x)
}

func (d *DualField) Params(dom domain.Domain) []float64 {
	return d.Field(dom).Params()
}

func (d *DualField) SetParams(dom domain.Domain, params []float64) error {
	if err := d.Field(dom).setParams(params); err != nil {
		return fmt.Errorf("%s: %w", dom, err)
	}
	return nil
}

// Snapshot copies both parameter vectors.
func (d *DualField) Snapshot() map[domain.Domain][]float64 {
	return map[domain.Domain][]float64{
		domain.Interior: d.interior.Params(),
		domain.Exterior: d.exterior.Params(),
	}
}

func (d *DualField) Scales() map[domain.Domain]float64 {
	return map[domain.Domain]float64{
		domain.Interior: d.interior.scale,
		domain.Exterior: d.exterior.scale,
	}
}

// Concat joins interior and exterior parameters into one vector.
func (d *DualField) Concat() []float64 {
	out := d.interior.Params()
	return append(out, d.exterior.params...)
}

// Split is the inverse of Concat.
func (d *DualField) Split(x []float64) (interior, exterior []float64) {
	n := len(d.interior.params)
	return x[:n:n], x[n:]
}
