package network

import "math/rand/v2"

const pcgStream = 0x9e3779b97f4a7c15

// Source is a seedable PCG generator usable as Src of gonum distributions.
type Source struct {
	pcg *rand.PCG
}

func NewSource(seed uint64) *Source {
	return &Source{pcg: rand.NewPCG(seed, seed^pcgStream)}
}

func (s *Source) Uint64() uint64 {
	return s.pcg.Uint64()
}

func (s *Source) Seed(seed uint64) {
	s.pcg.Seed(seed, seed^pcgStream)
}
