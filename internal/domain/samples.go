package domain

import (
	"fmt"
	"math"
	"slices"
)

// SourceFunc вычисляет целевое значение в точке (лениво)
type SourceFunc func(x Point) float64

// SampleSet неизменяемый набор точек одного слагаемого.
// A set is never modified after construction; re-sampling builds a new one.
type SampleSet struct {
	tag     Tag
	points  []Point
	normals []Point
	targets []float64
	source  SourceFunc
}

type SampleOption func(*SampleSet)

// WithNormals задаёт внешние нормали (для точек интерфейса)
func WithNormals(normals []Point) SampleOption {
	return func(s *SampleSet) {
		s.normals = slices.Clone(normals)
	}
}

func WithTargets(targets []float64) SampleOption {
	return func(s *SampleSet) {
		s.targets = slices.Clone(targets)
	}
}

func WithSource(source SourceFunc) SampleOption {
	return func(s *SampleSet) {
		s.source = source
	}
}

func NewSampleSet(tag Tag, points []Point, opts ...SampleOption) (*SampleSet, error) {
	if _, err := ParseTag(string(tag)); err != nil {
		return nil, &DataError{Tag: tag, Reason: err.Error()}
	}
	s := &SampleSet{tag: tag, points: slices.Clone(points)}
	for _, opt := range opts {
		opt(s)
	}

	if s.normals != nil && len(s.normals) != len(s.points) {
		return nil, &DataError{Tag: tag, Reason: fmt.Sprintf("%d normals for %d points", len(s.normals), len(s.points))}
	}
	if s.targets != nil && len(s.targets) != len(s.points) {
		return nil, &DataError{Tag: tag, Reason: fmt.Sprintf("%d targets for %d points", len(s.targets), len(s.points))}
	}
	for i, p := range s.points {
		for _, v := range p {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &DataError{Tag: tag, Reason: fmt.Sprintf("non-finite coordinate at point %d", i)}
			}
		}
	}
	if tag == TagId && len(s.points) > 0 && s.normals == nil {
		return nil, &DataError{Tag: tag, Reason: "flux continuity requires interface normals"}
	}
	return s, nil
}

func (s *SampleSet) Tag() Tag {
	return s.tag
}

func (s *SampleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.points)
}

func (s *SampleSet) Point(i int) Point {
	return s.points[i]
}

func (s *SampleSet) Points() []Point {
	return slices.Clone(s.points)
}

func (s *SampleSet) HasNormals() bool {
	return s.normals != nil
}

func (s *SampleSet) Normal(i int) Point {
	return s.normals[i]
}

// HasTarget reports whether per-point targets or a source function are attached.
func (s *SampleSet) HasTarget() bool {
	return s.targets != nil || s.source != nil
}

// Target возвращает целевое значение i-й точки
func (s *SampleSet) Target(i int) (float64, bool) {
	if s.targets != nil {
		return s.targets[i], true
	}
	if s.source != nil {
		return s.source(s.points[i]), true
	}
	return 0, false
}

// Subset returns a new set made of the points at idx.
func (s *SampleSet) Subset(idx []int) *SampleSet {
	out := &SampleSet{tag: s.tag, source: s.source}
	out.points = make([]Point, len(idx))
	if s.normals != nil {
		out.normals = make([]Point, len(idx))
	}
	if s.targets != nil {
		out.targets = make([]float64, len(idx))
	}
	for j, i := range idx {
		out.points[j] = s.points[i]
		if s.normals != nil {
			out.normals[j] = s.normals[i]
		}
		if s.targets != nil {
			out.targets[j] = s.targets[i]
		}
	}
	return out
}

// Samples наборы точек по слагаемым
type Samples map[Tag]*SampleSet

func (s Samples) Count(tag Tag) int {
	return s[tag].Len()
}

// Split divides every set into a training and a validation part. Every
// k-th point goes to validation where k = round(1/share).
func (s Samples) Split(share float64) (train, validation Samples) {
	train, validation = make(Samples, len(s)), make(Samples, len(s))
	if share <= 0 || share >= 1 {
		for tag, set := range s {
			train[tag] = set
		}
		return train, validation
	}
	k := max(2, int(math.Round(1/share)))
	for tag, set := range s {
		var tr, va []int
		for i := range set.Len() {
			if i%k == k-1 {
				va = append(va, i)
			} else {
				tr = append(tr, i)
			}
		}
		train[tag] = set.Subset(tr)
		if len(va) > 0 {
			validation[tag] = set.Subset(va)
		}
	}
	return train, validation
}
