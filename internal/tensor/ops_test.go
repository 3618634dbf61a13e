package tensor

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestSoftmaxSumsToOne(t *testing.T) {
	t.Parallel()

	x := []float32{1, 2, 3, -100}
	Softmax(x)
	var sum float32
	for _, v := range x {
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Fatalf("expected sum 1, got %v", sum)
	}
	if !(x[2] > x[1] && x[1] > x[0]) {
		t.Fatalf("expected order preserved, got %v", x)
	}
}

func TestRMSNormUnitWeight(t *testing.T) {
	t.Parallel()

	src := []float32{3, 4}
	dst := make([]float32, 2)
	RMSNorm(dst, src, []float32{1, 1}, 0)
	rms := float32(math.Sqrt((9 + 16) / 2.0))
	want := []float32{3 / rms, 4 / rms}
	if diff := cmp.Diff(want, dst, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRoPEComposes(t *testing.T) {
	t.Parallel()

	freqs := RoPEFreqs(4, 10000)
	a := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	b := append([]float32(nil), a...)

	ApplyRoPE(a, 2, 4, 7, freqs)
	ApplyRoPE(b, 2, 4, 3, freqs)
	ApplyRoPE(b, 2, 4, 4, freqs)
	if diff := cmp.Diff(a, b, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Fatalf("rotation by 3 then 4 should equal rotation by 7 (-want +got):\n%s", diff)
	}

	ApplyRoPE(b, 2, 4, -7, freqs)
	want := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	if diff := cmp.Diff(want, b, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Fatalf("negative rotation should undo (-want +got):\n%s", diff)
	}
}

func TestMatVecParallelMatchesSerial(t *testing.T) {
	t.Parallel()

	m := NewMat(600, 17)
	FillRand(&m, 42, 1)
	x := make([]float32, 17)
	for i := range x {
		x[i] = float32(i) / 10
	}
	serial := make([]float32, m.R)
	parallel := make([]float32, m.R)
	MatVec(serial, &m, x)
	MatVecParallel(parallel, &m, x, 4)
	if diff := cmp.Diff(serial, parallel); diff != "" {
		t.Fatalf("mismatch (-serial +parallel):\n%s", diff)
	}
}

func TestFillRandDeterministic(t *testing.T) {
	t.Parallel()

	a := NewMat(3, 3)
	b := NewMat(3, 3)
	FillRand(&a, 7, 0.5)
	FillRand(&b, 7, 0.5)
	if diff := cmp.Diff(a.Data, b.Data); diff != "" {
		t.Fatalf("expected identical data:\n%s", diff)
	}
	for _, v := range a.Data {
		if v <= -0.5 || v >= 0.5 {
			t.Fatalf("value %v outside scale", v)
		}
	}
}

func TestNewMatFromDataChecksSize(t *testing.T) {
	t.Parallel()

	if _, err := NewMatFromData(2, 2, make([]float32, 3)); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestNorms(t *testing.T) {
	t.Parallel()

	x := []float32{3, -4}
	if got := L2(x); math.Abs(got-5) > 1e-9 {
		t.Fatalf("expected l2 5, got %v", got)
	}
	if got := SumAbs(x); got != 7 {
		t.Fatalf("expected taxicab 7, got %v", got)
	}
	if got := MaxAbs(x); got != 4 {
		t.Fatalf("expected max abs 4, got %v", got)
	}
	dst := make([]float32, 2)
	ScaleInto(dst, x, 0)
	if dst[0] != 0 || dst[1] != 0 {
		t.Fatalf("expected zeros for zero divisor, got %v", dst)
	}
}
