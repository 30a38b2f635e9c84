package network

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"xpinn-pbe/internal/domain"
)

// adaptiveScale is the fixed factor n of layer-wise adaptive activations σ(n·a·z).
const adaptiveScale = 10.0

type layer struct {
	in, out int
	w, b    int // offsets in the parameter vector
}

// FCNN полносвязная сеть R^3 -> R с адаптивной функцией активации и
// необязательными фурье-признаками. Parameters live outside the network so a
// single FCNN can be evaluated at many parameter vectors.
type FCNN struct {
	act      activationFunc
	layers   []layer
	adaptive bool
	slopes   int
	fourier  *mat.Dense
	total    int
}

func NewFCNN(cfg domain.NetworkConfig, seed uint64) (*FCNN, error) {
	if cfg.ArchitectureNet != "" && cfg.ArchitectureNet != "FCNN" {
		return nil, fmt.Errorf("unsupported architecture %q", cfg.ArchitectureNet)
	}
	if cfg.OutputDim > 1 {
		return nil, fmt.Errorf("output_dim %d: only scalar potentials are supported", cfg.OutputDim)
	}
	if cfg.NumHiddenLayers < 1 || cfg.NumNeuronsPerLayer < 1 {
		return nil, fmt.Errorf("network needs at least one hidden layer and neuron")
	}
	act, err := lookupActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}

	n := &FCNN{act: act, adaptive: cfg.AdaptativeActivation}
	inputs := 3
	if cfg.FourierFeatures {
		if cfg.NumFourierFeatures < 1 {
			return nil, fmt.Errorf("fourier features enabled with %d features", cfg.NumFourierFeatures)
		}
		sigma := cfg.FourierSigma
		if sigma == 0 {
			sigma = 1
		}
		dist := distuv.Normal{Mu: 0, Sigma: sigma, Src: NewSource(seed ^ 0xf0f0)}
		data := make([]float64, cfg.NumFourierFeatures*3)
		for i := range data {
			data[i] = dist.Rand()
		}
		n.fourier = mat.NewDense(cfg.NumFourierFeatures, 3, data)
		inputs = 2 * cfg.NumFourierFeatures
	}

	sizes := []int{inputs}
	for range cfg.NumHiddenLayers {
		sizes = append(sizes, cfg.NumNeuronsPerLayer)
	}
	sizes = append(sizes, 1)

	offset := 0
	for i := 0; i+1 < len(sizes); i++ {
		l := layer{in: sizes[i], out: sizes[i+1], w: offset}
		offset += l.in * l.out
		l.b = offset
		offset += l.out
		n.layers = append(n.layers, l)
	}
	n.slopes = offset
	if n.adaptive {
		offset += cfg.NumHiddenLayers
	}
	n.total = offset
	return n, nil
}

func (n *FCNN) NumParams() int {
	return n.total
}

// Init возвращает параметры, инициализированные по Глороту.
func (n *FCNN) Init(seed uint64) []float64 {
	params := make([]float64, n.total)
	src := NewSource(seed)
	for _, l := range n.layers {
		dist := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2 / float64(l.in+l.out)), Src: src}
		for i := l.w; i < l.b; i++ {
			params[i] = dist.Rand()
		}
	}
	if n.adaptive {
		for i := n.slopes; i < n.total; i++ {
			params[i] = 1 / adaptiveScale
		}
	}
	return params
}

// Forward вычисляет выход сети в точке x (уже обезразмеренной).
func (n *FCNN) Forward(params []float64, x domain.Point) float64 {
	h := mat.NewVecDense(3, []float64{x[0], x[1], x[2]})
	if n.fourier != nil {
		var proj mat.VecDense
		proj.MulVec(n.fourier, h)
		k := proj.Len()
		feat := make([]float64, 2*k)
		for i := range k {
			arg := 2 * math.Pi * proj.AtVec(i)
			feat[i] = math.Sin(arg)
			feat[k+i] = math.Cos(arg)
		}
		h = mat.NewVecDense(2*k, feat)
	}

	last := len(n.layers) - 1
	for li, l := range n.layers {
		w := mat.NewDense(l.out, l.in, params[l.w:l.b])
		z := mat.NewVecDense(l.out, nil)
		z.MulVec(w, h)
		z.AddVec(z, mat.NewVecDense(l.out, params[l.b:l.b+l.out]))
		if li == last {
			return z.AtVec(0)
		}
		slope := 1.0
		if n.adaptive {
			slope = adaptiveScale * params[n.slopes+li]
		}
		for i := range l.out {
			z.SetVec(i, n.act(slope*z.AtVec(i)))
		}
		h = z
	}
	return h.AtVec(0)
}
