package domain

import (
	"fmt"
	"slices"
	"sort"
)

// Tag идентификатор слагаемого функции потерь
type Tag string

const (
	TagR1 Tag = "R1" // невязка УПБ внутри молекулы
	TagQ1 Tag = "Q1" // невязка вблизи точечных зарядов
	TagR2 Tag = "R2" // невязка УПБ в растворителе
	TagD2 Tag = "D2" // условие Дирихле на внешней границе
	TagIu Tag = "Iu" // непрерывность потенциала на интерфейсе
	TagId Tag = "Id" // непрерывность потока на интерфейсе
	TagIr Tag = "Ir" // невязки обеих областей на интерфейсе
	TagK1 Tag = "K1" // известные значения внутри
	TagK2 Tag = "K2" // известные значения снаружи
	TagE2 Tag = "E2" // экспериментальные данные
	TagG  Tag = "G"  // известная энергия сольватации
)

// AllTags canonical ordering used for logs, history and checkpoints.
var AllTags = []Tag{TagR1, TagQ1, TagR2, TagD2, TagIu, TagId, TagIr, TagK1, TagK2, TagE2, TagG}

type TermKind int

const (
	KindResidual TermKind = iota
	KindBoundary
	KindData
	KindInterface
	KindEnergy
)

func ParseTag(s string) (Tag, error) {
	tag := Tag(s)
	if !slices.Contains(AllTags, tag) {
		return "", fmt.Errorf("unknown loss term %q", s)
	}
	return tag, nil
}

func (t Tag) Kind() TermKind {
	switch t {
	case TagR1, TagQ1, TagR2:
		return KindResidual
	case TagD2:
		return KindBoundary
	case TagK1, TagK2, TagE2:
		return KindData
	case TagG:
		return KindEnergy
	default:
		return KindInterface
	}
}

// IsInterface reports whether the term couples both domains.
func (t Tag) IsInterface() bool {
	switch t {
	case TagIu, TagId, TagIr, TagG:
		return true
	}
	return false
}

// Owner returns the domain whose field the term constrains. Interface terms have none.
func (t Tag) Owner() (Domain, bool) {
	switch t {
	case TagR1, TagQ1, TagK1:
		return Interior, true
	case TagR2, TagD2, TagK2, TagE2:
		return Exterior, true
	}
	return 0, false
}

func (t Tag) AppliesTo(d Domain) bool {
	if t.IsInterface() {
		return true
	}
	owner, _ := t.Owner()
	return owner == d
}

// ResidualTag главное PDE-слагаемое подобласти
func ResidualTag(d Domain) Tag {
	if d == Interior {
		return TagR1
	}
	return TagR2
}

func SortedTags[V any](m map[Tag]V) []Tag {
	tags := make([]Tag, 0, len(m))
	for tag := range m {
		tags = append(tags, tag)
	}
	order := func(t Tag) int {
		if i := slices.Index(AllTags, t); i >= 0 {
			return i
		}
		return len(AllTags)
	}
	sort.Slice(tags, func(i, j int) bool {
		oi, oj := order(tags[i]), order(tags[j])
		if oi != oj {
			return oi < oj
		}
		return tags[i] < tags[j]
	})
	return tags
}
