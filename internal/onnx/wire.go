package onnx

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// field is one decoded protobuf field. raw holds the complete encoding
// (tag included) so unhandled fields can be written back unchanged.
type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
	val []byte
	u   uint64
}

func malformed(n int) error {
	return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
}

// eachField walks the fields of a message. Fields for which fn reports false
// are collected and returned as the message's extra bytes.
func eachField(b []byte, fn func(f field) (bool, error)) ([]byte, error) {
	var extra []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(n)
		}
		m := protowire.ConsumeFieldValue(num, typ, b[n:])
		if m < 0 {
			return nil, malformed(m)
		}
		f := field{num: num, typ: typ, raw: b[:n+m]}
		v := b[n : n+m]
		switch typ {
		case protowire.VarintType:
			f.u, _ = protowire.ConsumeVarint(v)
		case protowire.Fixed32Type:
			x, _ := protowire.ConsumeFixed32(v)
			f.u = uint64(x)
		case protowire.Fixed64Type:
			f.u, _ = protowire.ConsumeFixed64(v)
		case protowire.BytesType:
			f.val, _ = protowire.ConsumeBytes(v)
		}
		handled, err := fn(f)
		if err != nil {
			return nil, err
		}
		if !handled {
			extra = append(extra, f.raw...)
		}
		b = b[n+m:]
	}
	return extra, nil
}

func wireTypeError(f field) error {
	return fmt.Errorf("%w: field %d has unexpected wire type %d", ErrMalformed, f.num, f.typ)
}

// Repeated scalars may arrive packed or unpacked regardless of the schema.

func appendVarints(dst []int64, f field) ([]int64, error) {
	switch f.typ {
	case protowire.VarintType:
		return append(dst, int64(f.u)), nil
	case protowire.BytesType:
		b := f.val
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed(n)
			}
			dst = append(dst, int64(v))
			b = b[n:]
		}
		return dst, nil
	}
	return nil, wireTypeError(f)
}

func appendFloats(dst []float32, f field) ([]float32, error) {
	switch f.typ {
	case protowire.Fixed32Type:
		return append(dst, math.Float32frombits(uint32(f.u))), nil
	case protowire.BytesType:
		b := f.val
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, malformed(n)
			}
			dst = append(dst, math.Float32frombits(v))
			b = b[n:]
		}
		return dst, nil
	}
	return nil, wireTypeError(f)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarintField(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendPackedVarints(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	var p []byte
	for _, v := range vs {
		p = protowire.AppendVarint(p, uint64(v))
	}
	return appendMessage(b, num, p)
}

func appendPackedFloats(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	p := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		p = protowire.AppendFixed32(p, math.Float32bits(v))
	}
	return appendMessage(b, num, p)
}
