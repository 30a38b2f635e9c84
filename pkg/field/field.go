package field

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/diff/fd"

	"xpinn-pbe/internal/domain"
)

// spatialStep is the finite-difference step (Å) for spatial derivatives.
const spatialStep = 1e-3

// Network непрозрачная дифференцируемая функция R^3 -> R с внешними параметрами.
type Network interface {
	NumParams() int
	Forward(params []float64, x domain.Point) float64
}

// Field обучаемое поле одной подобласти: сеть, её параметры и масштаб длины.
type Field struct {
	net    Network
	params []float64
	scale  float64
}

func NewField(net Network, params []float64, scale float64) (*Field, error) {
	if net == nil {
		return nil, errors.New("field: nil network")
	}
	if len(params) != net.NumParams() {
		return nil, fmt.Errorf("field: %d params for network with %d", len(params), net.NumParams())
	}
	if !(scale > 0) {
		return nil, fmt.Errorf("field: length scale must be positive, got %g", scale)
	}
	return &Field{net: net, params: slices.Clone(params), scale: scale}, nil
}

func (f *Field) NumParams() int {
	return len(f.params)
}

// Params returns a copy of the parameter vector.
func (f *Field) Params() []float64 {
	return slices.Clone(f.params)
}

func (f *Field) Scale() float64 {
	return f.scale
}

// With returns a field sharing the network but evaluated at params.
func (f *Field) With(params []float64) *Field {
	return &Field{net: f.net, params: slices.Clone(params), scale: f.scale}
}

func (f *Field) setParams(params []float64) error {
	if len(params) != len(f.params) {
		return fmt.Errorf("field: %d params, want %d", len(params), len(f.params))
	}
	copy(f.params, params)
	return nil
}

// Value значение поля в физических координатах.
func (f *Field) Value(x domain.Point) float64 {
	return f.net.Forward(f.params, x.Scale(1/f.scale))
}

func (f *Field) eval(x []float64) float64 {
	return f.Value(domain.Point{x[0], x[1], x[2]})
}

func (f *Field) Gradient(x domain.Point) domain.Point {
	var g domain.Point
	fd.Gradient(g[:], f.eval, x[:], &fd.Settings{Formula: fd.Central, Step: spatialStep})
	return g
}

func (f *Field) Laplacian(x domain.Point) float64 {
	return fd.Laplacian(f.eval, x[:], &fd.Settings{Formula: fd.Central2nd, Step: spatialStep})
}
