package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
)

// Writer assembles a GGUF container in memory and serialises it with
// WriteTo. Keys are written in insertion order, tensors in the order added.
type Writer struct {
	Alignment uint64

	keys    []string
	kv      map[string]Value
	tensors []pendingTensor
}

type pendingTensor struct {
	info TensorInfo
	data []byte
}

func NewWriter() *Writer {
	return &Writer{
		Alignment: defaultAlignment,
		kv:        make(map[string]Value),
	}
}

// Set records a metadata value. Supported Go types are the GGUF scalars,
// string, and slices of string, int32, uint32, float32.
func (w *Writer) Set(key string, v any) error {
	val, err := toValue(v)
	if err != nil {
		return fmt.Errorf("gguf: key %s: %w", key, err)
	}
	if _, ok := w.kv[key]; !ok {
		w.keys = append(w.keys, key)
	}
	w.kv[key] = val
	return nil
}

func toValue(v any) (Value, error) {
	switch t := v.(type) {
	case uint8:
		return Value{Type: TypeUint8, Value: t}, nil
	case int8:
		return Value{Type: TypeInt8, Value: t}, nil
	case uint16:
		return Value{Type: TypeUint16, Value: t}, nil
	case int16:
		return Value{Type: TypeInt16, Value: t}, nil
	case uint32:
		return Value{Type: TypeUint32, Value: t}, nil
	case int32:
		return Value{Type: TypeInt32, Value: t}, nil
	case uint64:
		return Value{Type: TypeUint64, Value: t}, nil
	case int64:
		return Value{Type: TypeInt64, Value: t}, nil
	case float32:
		return Value{Type: TypeFloat32, Value: t}, nil
	case float64:
		return Value{Type: TypeFloat64, Value: t}, nil
	case bool:
		return Value{Type: TypeBool, Value: t}, nil
	case string:
		return Value{Type: TypeString, Value: t}, nil
	case []string:
		return arrayOf(TypeString, t), nil
	case []int32:
		return arrayOf(TypeInt32, t), nil
	case []uint32:
		return arrayOf(TypeUint32, t), nil
	case []float32:
		return arrayOf(TypeFloat32, t), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

func arrayOf[T any](elem ValueType, vals []T) Value {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return Value{Type: TypeArray, Value: ArrayValue{ElemType: elem, Values: out}}
}

// AddTensor appends a tensor with an already encoded payload.
func (w *Writer) AddTensor(name string, typ TensorType, dims []uint64, data []byte) error {
	info := TensorInfo{Name: name, Dims: slices.Clone(dims), Type: typ}
	size, err := info.Size()
	if err != nil {
		return fmt.Errorf("gguf: tensor %s: %w", name, err)
	}
	if uint64(len(data)) != size {
		return fmt.Errorf("gguf: tensor %s: payload is %d bytes, want %d", name, len(data), size)
	}
	for _, t := range w.tensors {
		if t.info.Name == name {
			return fmt.Errorf("gguf: duplicate tensor %s", name)
		}
	}
	w.tensors = append(w.tensors, pendingTensor{info: info, data: data})
	return nil
}

// AddF32 encodes vals as typ and appends the tensor.
func (w *Writer) AddF32(name string, typ TensorType, dims []uint64, vals []float32) error {
	data, err := EncodeF32(typ, vals)
	if err != nil {
		return fmt.Errorf("gguf: tensor %s: %w", name, err)
	}
	return w.AddTensor(name, typ, dims, data)
}

// WriteFile writes the container to path, replacing any existing file.
func (w *Writer) WriteFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	bw := bufio.NewWriter(f)
	if _, err := w.WriteTo(bw); err != nil {
		return err
	}
	return bw.Flush()
}

func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	alignment := w.Alignment
	if alignment == 0 {
		alignment = defaultAlignment
	}
	cw := &countingWriter{w: dst}

	keys := w.keys
	if alignment != defaultAlignment {
		if _, ok := w.kv["general.alignment"]; !ok {
			keys = append(slices.Clone(keys), "general.alignment")
			w.kv["general.alignment"] = Value{Type: TypeUint32, Value: uint32(alignment)}
		}
	}

	cw.write([]byte(magicGGUF))
	cw.u32(Version)
	cw.u64(uint64(len(w.tensors)))
	cw.u64(uint64(len(keys)))
	for _, k := range keys {
		v := w.kv[k]
		cw.str(k)
		cw.u32(uint32(v.Type))
		cw.value(v.Type, v.Value)
	}

	var offset uint64
	offsets := make([]uint64, len(w.tensors))
	for i, t := range w.tensors {
		offset = align(offset, alignment)
		offsets[i] = offset
		cw.str(t.info.Name)
		cw.u32(uint32(len(t.info.Dims)))
		for _, d := range t.info.Dims {
			cw.u64(d)
		}
		cw.u32(uint32(t.info.Type))
		cw.u64(offset)
		offset += uint64(len(t.data))
	}

	cw.pad(alignment)
	base := uint64(cw.n)
	for i, t := range w.tensors {
		cw.pad(alignment)
		if uint64(cw.n)-base != offsets[i] {
			return cw.n, fmt.Errorf("gguf: tensor %s offset drift", t.info.Name)
		}
		cw.write(t.data)
	}
	return cw.n, cw.err
}

// countingWriter keeps the first error and turns later writes into no-ops.
type countingWriter struct {
	w   io.Writer
	n   int64
	err error
	buf [8]byte
}

func (c *countingWriter) write(b []byte) {
	if c.err != nil {
		return
	}
	n, err := c.w.Write(b)
	c.n += int64(n)
	c.err = err
}

func (c *countingWriter) u8(v uint8) { c.write([]byte{v}) }

func (c *countingWriter) u16(v uint16) {
	binary.LittleEndian.PutUint16(c.buf[:2], v)
	c.write(c.buf[:2])
}

func (c *countingWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(c.buf[:4], v)
	c.write(c.buf[:4])
}

func (c *countingWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(c.buf[:8], v)
	c.write(c.buf[:8])
}

func (c *countingWriter) str(s string) {
	c.u64(uint64(len(s)))
	c.write([]byte(s))
}

func (c *countingWriter) pad(alignment uint64) {
	if n := align(uint64(c.n), alignment) - uint64(c.n); n > 0 {
		c.write(make([]byte, n))
	}
}

func (c *countingWriter) value(t ValueType, v any) {
	switch t {
	case TypeUint8:
		c.u8(v.(uint8))
	case TypeInt8:
		c.u8(uint8(v.(int8)))
	case TypeUint16:
		c.u16(v.(uint16))
	case TypeInt16:
		c.u16(uint16(v.(int16)))
	case TypeUint32:
		c.u32(v.(uint32))
	case TypeInt32:
		c.u32(uint32(v.(int32)))
	case TypeUint64:
		c.u64(v.(uint64))
	case TypeInt64:
		c.u64(uint64(v.(int64)))
	case TypeFloat32:
		c.u32(math.Float32bits(v.(float32)))
	case TypeFloat64:
		c.u64(math.Float64bits(v.(float64)))
	case TypeBool:
		if v.(bool) {
			c.u8(1)
		} else {
			c.u8(0)
		}
	case TypeString:
		c.str(v.(string))
	case TypeArray:
		arr := v.(ArrayValue)
		c.u32(uint32(arr.ElemType))
		c.u64(uint64(len(arr.Values)))
		for _, item := range arr.Values {
			c.value(arr.ElemType, item)
		}
	}
}
