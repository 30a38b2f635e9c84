package domain

// MeshProvider поставляет наборы точек и масштабы длины подобластей
type MeshProvider interface {
	Samples(f Formulation) (Samples, error)
	Scales() map[Domain]float64
}

// PointBatch диапазон точек, обрабатываемый одним воркером
type PointBatch struct {
	Index    int
	From, To int
}

// Batches splits n points into at most workers contiguous ranges.
func Batches(n, workers int) []PointBatch {
	if n == 0 {
		return nil
	}
	workers = max(1, min(workers, n))
	size := (n + workers - 1) / workers
	var out []PointBatch
	for from := 0; from < n; from += size {
		out = append(out, PointBatch{Index: len(out), From: from, To: min(n, from+size)})
	}
	return out
}
