package tensor

import (
	"math/rand/v2"

	"golang.org/x/sync/errgroup"
)

// Mat represents a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Out-of-range indices panic.
type Mat struct {
	R, C int
	Data []float32
}

// NewMat allocates a zero initialised matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Data: make([]float32, r*c)}
}

// NewMatFromData wraps existing data. It checks that len(data) == r*c.
func NewMatFromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	if r*c != len(data) {
		return Mat{}, errDataSizeMismatch
	}
	return Mat{R: r, C: c, Data: data}, nil
}

// Row returns a view of the i-th row.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.C
	return m.Data[start : start+m.C]
}

// FillRand fills the matrix with reproducible values in (-scale, scale).
func FillRand(m *Mat, seed uint64, scale float32) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * scale
	}
}

// MatVec computes dst = m * x. len(dst) must be m.R and len(x) m.C.
func MatVec(dst []float32, m *Mat, x []float32) {
	matVecRows(dst, m, x, 0, m.R)
}

// minParallelRows keeps small projections on the calling goroutine.
const minParallelRows = 256

// MatVecParallel splits the rows of m across up to workers goroutines.
func MatVecParallel(dst []float32, m *Mat, x []float32, workers int) {
	if workers <= 1 || m.R < minParallelRows {
		MatVec(dst, m, x)
		return
	}
	chunk := (m.R + workers - 1) / workers
	var g errgroup.Group
	for start := 0; start < m.R; start += chunk {
		end := min(start+chunk, m.R)
		g.Go(func() error {
			matVecRows(dst, m, x, start, end)
			return nil
		})
	}
	_ = g.Wait()
}

func matVecRows(dst []float32, m *Mat, x []float32, start, end int) {
	for r := start; r < end; r++ {
		dst[r] = Dot(m.Data[r*m.C:(r+1)*m.C], x)
	}
}

var (
	errNegativeDim      = fmtError("negative dimension for matrix")
	errDataSizeMismatch = fmtError("data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
