package tensor

import "math/rand"

// Mat is a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows; for matrices created
// here it equals C. Out-of-range indices panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed r×c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData wraps existing row-major data. len(data) must equal r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i-th row. Writes through the slice update m.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C : start+m.C]
}

// RowTo copies the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	copy(dst[:m.C], m.Row(i))
}

// FillRand fills the matrix with reproducible values uniform in (-amp, amp).
// The same seed always produces the same matrix.
func FillRand(m *Mat, seed int64, amp float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * amp
	}
}
