package gguf

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const (
	magicGGUF = "GGUF"

	// Version is the container version produced by Writer.
	Version uint32 = 3

	defaultAlignment = 32
)

var ErrInvalidFile = errors.New("gguf: invalid file")

type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

func (t ValueType) String() string {
	switch t {
	case TypeUint8:
		return "u8"
	case TypeInt8:
		return "i8"
	case TypeUint16:
		return "u16"
	case TypeInt16:
		return "i16"
	case TypeUint32:
		return "u32"
	case TypeInt32:
		return "i32"
	case TypeUint64:
		return "u64"
	case TypeInt64:
		return "i64"
	case TypeFloat32:
		return "f32"
	case TypeFloat64:
		return "f64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

type ArrayValue struct {
	ElemType ValueType
	Values   []any
}

type Value struct {
	Type  ValueType
	Value any
}

type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   TensorType
	Offset uint64
}

// Elements is the product of all dimensions.
func (t TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// Size is the byte size of the tensor payload.
func (t TensorInfo) Size() (uint64, error) {
	return t.Type.RowSize(t.Elements())
}

// OpenOptions selects how the tensor data region is brought into memory.
type OpenOptions struct {
	// UseMmap maps the file read-only instead of reading it into the heap.
	UseMmap bool
}

type File struct {
	Path       string
	Header     Header
	KV         map[string]Value
	Tensors    []TensorInfo
	Alignment  uint64
	DataOffset uint64

	data   []byte
	mapped bool
	locked bool
	closed bool
}

// Open parses the container at path. Tensor payloads are not decoded.
func Open(path string, opts OpenOptions) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < int64(len(magicGGUF)) {
		return nil, fmt.Errorf("%w: %s is too small (%d bytes)", ErrInvalidFile, path, size)
	}

	var data []byte
	mapped := false
	if opts.UseMmap {
		b, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("mmap %s: %w", path, err)
		}
		data = b
		mapped = true
	} else {
		data = make([]byte, size)
		if _, err := io.ReadFull(f, data); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	out := &File{Path: path, data: data, mapped: mapped}
	if err := out.parse(); err != nil {
		_ = out.Close()
		return nil, err
	}
	return out, nil
}

func (f *File) parse() error {
	r := newReader(f.data)

	magic, err := r.readN(4)
	if err != nil {
		return err
	}
	if string(magic) != magicGGUF {
		return fmt.Errorf("%w: bad magic %q", ErrInvalidFile, string(magic))
	}

	version, err := r.readU32()
	if err != nil {
		return err
	}
	if version < 2 {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidFile, version)
	}
	tensorCount, err := r.readU64()
	if err != nil {
		return err
	}
	kvCount, err := r.readU64()
	if err != nil {
		return err
	}

	kv := make(map[string]Value, min(kvCount, 1<<16))
	for i := range kvCount {
		key, err := r.readString()
		if err != nil {
			return fmt.Errorf("read key %d: %w", i, err)
		}
		vtypeU32, err := r.readU32()
		if err != nil {
			return fmt.Errorf("read value type for %s: %w", key, err)
		}
		vtype := ValueType(vtypeU32)
		val, err := readValue(r, vtype)
		if err != nil {
			return fmt.Errorf("read value for %s: %w", key, err)
		}
		kv[key] = Value{Type: vtype, Value: val}
	}

	tensors := make([]TensorInfo, 0, min(tensorCount, 1<<16))
	for i := range tensorCount {
		name, err := r.readString()
		if err != nil {
			return fmt.Errorf("read tensor name %d: %w", i, err)
		}
		nDim, err := r.readU32()
		if err != nil {
			return fmt.Errorf("read tensor dims %s: %w", name, err)
		}
		if nDim > 4 {
			return fmt.Errorf("%w: tensor %s has %d dims", ErrInvalidFile, name, nDim)
		}
		dims := make([]uint64, nDim)
		for d := range nDim {
			v, err := r.readU64()
			if err != nil {
				return fmt.Errorf("read tensor dim %s[%d]: %w", name, d, err)
			}
			dims[d] = v
		}
		ttypeU32, err := r.readU32()
		if err != nil {
			return fmt.Errorf("read tensor type %s: %w", name, err)
		}
		offset, err := r.readU64()
		if err != nil {
			return fmt.Errorf("read tensor offset %s: %w", name, err)
		}
		tensors = append(tensors, TensorInfo{
			Name:   name,
			Dims:   dims,
			Type:   TensorType(ttypeU32),
			Offset: offset,
		})
	}

	alignment := uint64(defaultAlignment)
	if v, ok := kv["general.alignment"]; ok {
		if u, ok := asUint64(v.Value); ok && u > 0 {
			alignment = u
		}
	}

	f.Header = Header{Version: version, TensorCount: tensorCount, KVCount: kvCount}
	f.KV = kv
	f.Tensors = tensors
	f.Alignment = alignment
	f.DataOffset = align(uint64(r.off), alignment)
	return nil
}

// Mapped reports whether the file contents are memory mapped.
func (f *File) Mapped() bool { return f.mapped }

// Lock pins the file contents in RAM.
func (f *File) Lock() error {
	if f.locked || len(f.data) == 0 {
		return nil
	}
	if err := unix.Mlock(f.data); err != nil {
		return fmt.Errorf("mlock %s: %w", f.Path, err)
	}
	f.locked = true
	return nil
}

// Close releases the lock and the mapping. It is safe to call more than once.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	var errs []error
	if f.locked {
		errs = append(errs, unix.Munlock(f.data))
		f.locked = false
	}
	if f.mapped {
		errs = append(errs, unix.Munmap(f.data))
		f.mapped = false
	}
	f.data = nil
	return errors.Join(errs...)
}

// TensorByName returns the tensor info for the given name.
func (f *File) TensorByName(name string) (TensorInfo, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return TensorInfo{}, false
}

// TensorBytes returns the raw payload of a tensor. The slice aliases the
// file contents and must not be modified or used after Close.
func (f *File) TensorBytes(info TensorInfo) ([]byte, error) {
	if f.closed {
		return nil, fmt.Errorf("gguf: %s is closed", f.Path)
	}
	size, err := info.Size()
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", info.Name, err)
	}
	start := f.DataOffset + info.Offset
	end := start + size
	if end < start || end > uint64(len(f.data)) {
		return nil, fmt.Errorf("%w: tensor %s [%d,%d) exceeds file size %d", ErrInvalidFile, info.Name, start, end, len(f.data))
	}
	return f.data[start:end], nil
}

// TensorDataSize is the total payload size of all tensors.
func (f *File) TensorDataSize() uint64 {
	var total uint64
	for _, t := range f.Tensors {
		if n, err := t.Size(); err == nil {
			total += n
		}
	}
	return total
}

func readValue(r *reader, vtype ValueType) (any, error) {
	switch vtype {
	case TypeUint8:
		return r.readU8()
	case TypeInt8:
		return r.readI8()
	case TypeUint16:
		return r.readU16()
	case TypeInt16:
		return r.readI16()
	case TypeUint32:
		return r.readU32()
	case TypeInt32:
		return r.readI32()
	case TypeUint64:
		return r.readU64()
	case TypeInt64:
		return r.readI64()
	case TypeFloat32:
		return r.readF32()
	case TypeFloat64:
		return r.readF64()
	case TypeBool:
		v, err := r.readU8()
		if err != nil {
			return false, err
		}
		return v != 0, nil
	case TypeString:
		return r.readString()
	case TypeArray:
		elemTypeU32, err := r.readU32()
		if err != nil {
			return nil, err
		}
		elemType := ValueType(elemTypeU32)
		count, err := r.readU64()
		if err != nil {
			return nil, err
		}
		if count > uint64(r.size) {
			return nil, fmt.Errorf("array length too large: %d", count)
		}
		values := make([]any, 0, count)
		for range count {
			v, err := readValue(r, elemType)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return ArrayValue{ElemType: elemType, Values: values}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %d", uint32(vtype))
	}
}

func align(offset, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	rem := offset % alignment
	if rem == 0 {
		return offset
	}
	return offset + (alignment - rem)
}
