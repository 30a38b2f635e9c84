package app

import (
	"fmt"

	"xpinn-pbe/internal/domain"
	"xpinn-pbe/pkg/field"
)

// InterfaceCoupling связывает две подобласти: it is the only place where one
// domain's output enters the other domain's loss.
type InterfaceCoupling struct {
	ops operators
}

func NewInterfaceCoupling(formulation domain.Formulation) *InterfaceCoupling {
	return &InterfaceCoupling{ops: operators{formulation: formulation, phys: formulation.Physics()}}
}

// SquaredMismatch returns the squared interface mismatch of tag at the i-th
// point of set, evaluating both fields.
func (c *InterfaceCoupling) SquaredMismatch(tag domain.Tag, interior, exterior *field.Field, set *domain.SampleSet, i int) (float64, error) {
	x := set.Point(i)
	switch tag {
	case domain.TagIu:
		r := c.ops.potential(domain.Interior, interior, x) - c.ops.potential(domain.Exterior, exterior, x)
		return r * r, nil
	case domain.TagId:
		n := set.Normal(i)
		r := c.ops.flux(domain.Interior, interior, x, n) - c.ops.flux(domain.Exterior, exterior, x, n)
		return r * r, nil
	case domain.TagIr:
		r1 := c.ops.interiorResidual(interior, x)
		r2 := c.ops.exteriorResidual(exterior, x)
		return r1*r1 + r2*r2, nil
	}
	return 0, &domain.DataError{Tag: tag, Reason: fmt.Sprintf("%s is not an interface condition", tag)}
}
