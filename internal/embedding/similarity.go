package embedding

import "gonum.org/v1/gonum/mat"

// Cos returns the dot product of a and b. Both vectors are assumed
// already unit-length, so this is cosine similarity without the
// normalization division.
func Cos(a, b []float32) float32 {
	var sum float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Mv computes the similarity of query against every row of candidates
// (an N-by-d matrix of unit vectors) via a single matrix-vector product,
// returning one score per candidate.
func Mv(query []float32, candidates *mat.Dense) []float64 {
	rows, cols := candidates.Dims()
	q := make([]float64, cols)
	for i, x := range query {
		if i >= cols {
			break
		}
		q[i] = float64(x)
	}
	qVec := mat.NewVecDense(cols, q)

	result := mat.NewVecDense(rows, nil)
	result.MulVec(candidates, qVec)

	out := make([]float64, rows)
	for i := 0; i < rows; i++ {
		out[i] = result.AtVec(i)
	}
	return out
}

// BuildMatrix stacks unit vectors (each len == dim) into a dense N-by-dim
// matrix suitable for Mv, the way the gradient table rebuilds its lazily
// dirtied similarity matrix.
func BuildMatrix(vectors [][]float32, dim int) *mat.Dense {
	m := mat.NewDense(len(vectors), dim, nil)
	for i, v := range vectors {
		for j := 0; j < dim && j < len(v); j++ {
			m.Set(i, j, float64(v[j]))
		}
	}
	return m
}
