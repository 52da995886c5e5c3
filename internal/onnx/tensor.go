package onnx

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// NewInt64Tensor builds an INT64 tensor stored as little-endian raw data.
func NewInt64Tensor(name string, dims []int64, vals []int64) *Tensor {
	raw := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
	}
	return &Tensor{Name: name, Dims: dims, DataType: DataTypeInt64, RawData: raw}
}

// NewFloatTensor builds a FLOAT tensor stored as little-endian raw data.
func NewFloatTensor(name string, dims []int64, vals []float32) *Tensor {
	raw := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return &Tensor{Name: name, Dims: dims, DataType: DataTypeFloat, RawData: raw}
}

// NumElements is the product of the tensor dimensions.
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// Int64s returns the values of an INT64 or INT32 tensor.
func (t *Tensor) Int64s() ([]int64, error) {
	switch t.DataType {
	case DataTypeInt64:
		if t.RawData != nil {
			if len(t.RawData)%8 != 0 {
				return nil, fmt.Errorf("tensor %q: raw data length %d is not a multiple of 8", t.Name, len(t.RawData))
			}
			out := make([]int64, len(t.RawData)/8)
			for i := range out {
				out[i] = int64(binary.LittleEndian.Uint64(t.RawData[8*i:]))
			}
			return out, nil
		}
		return append([]int64(nil), t.Int64Data...), nil
	case DataTypeInt32:
		if t.RawData != nil {
			if len(t.RawData)%4 != 0 {
				return nil, fmt.Errorf("tensor %q: raw data length %d is not a multiple of 4", t.Name, len(t.RawData))
			}
			out := make([]int64, len(t.RawData)/4)
			for i := range out {
				out[i] = int64(int32(binary.LittleEndian.Uint32(t.RawData[4*i:])))
			}
			return out, nil
		}
		out := make([]int64, len(t.Int32Data))
		for i, v := range t.Int32Data {
			out[i] = int64(v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("tensor %q: data type %d is not an integer type", t.Name, t.DataType)
}

// Float32s returns the values of a FLOAT tensor.
func (t *Tensor) Float32s() ([]float32, error) {
	if t.DataType != DataTypeFloat {
		return nil, fmt.Errorf("tensor %q: data type %d is not float", t.Name, t.DataType)
	}
	if t.RawData != nil {
		if len(t.RawData)%4 != 0 {
			return nil, fmt.Errorf("tensor %q: raw data length %d is not a multiple of 4", t.Name, len(t.RawData))
		}
		out := make([]float32, len(t.RawData)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[4*i:]))
		}
		return out, nil
	}
	return append([]float32(nil), t.FloatData...), nil
}

// NewTensorValueInfo declares a tensor value with a fully static shape.
func NewTensorValueInfo(name string, elem DataType, dims []int64) *ValueInfo {
	var shape []byte
	v := &ValueInfo{Name: name, ElemType: elem, Shape: make([]Dim, len(dims))}
	for i, d := range dims {
		v.Shape[i] = Dim{Value: d}
		var dim []byte
		dim = appendVarintField(dim, 1, d)
		shape = appendMessage(shape, 1, dim)
	}
	var tt []byte
	tt = appendVarintField(tt, 1, int64(elem))
	tt = protowire.AppendTag(tt, 2, protowire.BytesType)
	tt = protowire.AppendBytes(tt, shape)
	v.typeRaw = appendMessage(nil, 1, tt)
	return v
}
