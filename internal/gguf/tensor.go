package gguf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

var ErrUnsupportedType = errors.New("gguf: unsupported tensor type")

type TensorType uint32

const (
	TypeF32  TensorType = 0
	TypeF16  TensorType = 1
	TypeQ4_0 TensorType = 2
	TypeQ4_1 TensorType = 3
	TypeQ5_0 TensorType = 6
	TypeQ5_1 TensorType = 7
	TypeQ8_0 TensorType = 8
	TypeQ8_1 TensorType = 9
	TypeQ2_K TensorType = 10
	TypeQ3_K TensorType = 11
	TypeQ4_K TensorType = 12
	TypeQ5_K TensorType = 13
	TypeQ6_K TensorType = 14
	TypeQ8_K TensorType = 15
	TypeI8   TensorType = 24
	TypeI16  TensorType = 25
	TypeI32  TensorType = 26
	TypeI64  TensorType = 27
	TypeF64  TensorType = 28
	TypeBF16 TensorType = 30
)

// q8BlockSize is the element count of one Q8_0 block; each block stores a
// half-precision scale followed by 32 signed bytes.
const q8BlockSize = 32

func (t TensorType) String() string {
	switch t {
	case TypeF32:
		return "F32"
	case TypeF16:
		return "F16"
	case TypeQ4_0:
		return "Q4_0"
	case TypeQ4_1:
		return "Q4_1"
	case TypeQ5_0:
		return "Q5_0"
	case TypeQ5_1:
		return "Q5_1"
	case TypeQ8_0:
		return "Q8_0"
	case TypeQ8_1:
		return "Q8_1"
	case TypeQ2_K:
		return "Q2_K"
	case TypeQ3_K:
		return "Q3_K"
	case TypeQ4_K:
		return "Q4_K"
	case TypeQ5_K:
		return "Q5_K"
	case TypeQ6_K:
		return "Q6_K"
	case TypeQ8_K:
		return "Q8_K"
	case TypeI8:
		return "I8"
	case TypeI16:
		return "I16"
	case TypeI32:
		return "I32"
	case TypeI64:
		return "I64"
	case TypeF64:
		return "F64"
	case TypeBF16:
		return "BF16"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// IsFloat reports whether the payload can be decoded with DecodeF32.
func (t TensorType) IsFloat() bool {
	switch t {
	case TypeF32, TypeF16, TypeBF16, TypeQ8_0:
		return true
	}
	return false
}

// RowSize returns the payload size in bytes of n elements.
func (t TensorType) RowSize(n uint64) (uint64, error) {
	switch t {
	case TypeF32, TypeI32:
		return n * 4, nil
	case TypeF16, TypeBF16, TypeI16:
		return n * 2, nil
	case TypeI8:
		return n, nil
	case TypeF64, TypeI64:
		return n * 8, nil
	case TypeQ8_0:
		if n%q8BlockSize != 0 {
			return 0, fmt.Errorf("q8_0: %d elements is not a multiple of %d", n, q8BlockSize)
		}
		return n / q8BlockSize * (2 + q8BlockSize), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
}

// DecodeF32 expands a raw payload of n elements into float32.
func DecodeF32(t TensorType, buf []byte, n int) ([]float32, error) {
	want, err := t.RowSize(uint64(n))
	if err != nil {
		return nil, err
	}
	if uint64(len(buf)) != want {
		return nil, fmt.Errorf("%s: invalid data length %d for n=%d", t, len(buf), n)
	}
	switch t {
	case TypeF32:
		out := make([]float32, n)
		for i := range n {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return out, nil
	case TypeF16:
		out := make([]float32, n)
		for i := range n {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
		}
		return out, nil
	case TypeBF16:
		return bfloat16.DecodeFloat32(buf), nil
	case TypeQ8_0:
		return dequantizeQ8_0(buf, n), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
}

func dequantizeQ8_0(buf []byte, n int) []float32 {
	out := make([]float32, n)
	blockBytes := 2 + q8BlockSize
	for b := range n / q8BlockSize {
		blk := buf[b*blockBytes:]
		d := float16.Frombits(binary.LittleEndian.Uint16(blk)).Float32()
		qs := blk[2 : 2+q8BlockSize]
		y := out[b*q8BlockSize:]
		for j := range q8BlockSize {
			y[j] = d * float32(int8(qs[j]))
		}
	}
	return out
}

// EncodeF32 packs float32 values into a payload of the given type.
func EncodeF32(t TensorType, vals []float32) ([]byte, error) {
	switch t {
	case TypeF32:
		out := make([]byte, len(vals)*4)
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case TypeF16:
		out := make([]byte, len(vals)*2)
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case TypeBF16:
		return bfloat16.EncodeFloat32(vals), nil
	case TypeQ8_0:
		if len(vals)%q8BlockSize != 0 {
			return nil, fmt.Errorf("q8_0: %d elements is not a multiple of %d", len(vals), q8BlockSize)
		}
		return quantizeQ8_0(vals), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
}

func quantizeQ8_0(vals []float32) []byte {
	blockBytes := 2 + q8BlockSize
	out := make([]byte, len(vals)/q8BlockSize*blockBytes)
	for b := range len(vals) / q8BlockSize {
		x := vals[b*q8BlockSize : (b+1)*q8BlockSize]
		amax := float32(0)
		for _, v := range x {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		d := amax / 127
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		blk := out[b*blockBytes:]
		binary.LittleEndian.PutUint16(blk, float16.Fromfloat32(d).Bits())
		for j, v := range x {
			blk[2+j] = byte(int8(math.Round(float64(v * id))))
		}
	}
	return out
}

// ReadTensorF32 loads a tensor by name and returns its data as float32 along
// with its dims.
func (f *File) ReadTensorF32(name string) ([]float32, []uint64, error) {
	info, ok := f.TensorByName(name)
	if !ok {
		return nil, nil, fmt.Errorf("tensor not found: %s", name)
	}
	buf, err := f.TensorBytes(info)
	if err != nil {
		return nil, nil, err
	}
	out, err := DecodeF32(info.Type, buf, int(info.Elements()))
	if err != nil {
		return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info.Dims, nil
}
