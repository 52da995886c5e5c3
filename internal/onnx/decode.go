package onnx

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Unmarshal decodes a serialized ModelProto.
func Unmarshal(data []byte) (*Model, error) {
	m := &Model{}
	extra, err := eachField(data, func(f field) (bool, error) {
		switch {
		case f.num == 1 && f.typ == protowire.VarintType:
			m.IRVersion = int64(f.u)
		case f.num == 8 && f.typ == protowire.BytesType:
			o, err := decodeOpset(f.val)
			if err != nil {
				return false, err
			}
			m.Opsets = append(m.Opsets, o)
		case f.num == 7 && f.typ == protowire.BytesType:
			g, err := decodeGraph(f.val)
			if err != nil {
				return false, err
			}
			m.Graph = g
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	m.extra = extra
	return m, nil
}

func decodeOpset(b []byte) (OperatorSet, error) {
	var o OperatorSet
	_, err := eachField(b, func(f field) (bool, error) {
		switch {
		case f.num == 1 && f.typ == protowire.BytesType:
			o.Domain = string(f.val)
		case f.num == 2 && f.typ == protowire.VarintType:
			o.Version = int64(f.u)
		default:
			return false, nil
		}
		return true, nil
	})
	return o, err
}

func decodeGraph(b []byte) (*Graph, error) {
	g := &Graph{}
	extra, err := eachField(b, func(f field) (bool, error) {
		if f.typ != protowire.BytesType {
			return false, nil
		}
		switch f.num {
		case 1:
			n, err := decodeNode(f.val)
			if err != nil {
				return false, err
			}
			g.Nodes = append(g.Nodes, n)
		case 2:
			g.Name = string(f.val)
		case 5:
			t, err := decodeTensor(f.val)
			if err != nil {
				return false, err
			}
			g.Initializers = append(g.Initializers, t)
		case 11, 12, 13:
			v, err := decodeValueInfo(f.val)
			if err != nil {
				return false, err
			}
			switch f.num {
			case 11:
				g.Inputs = append(g.Inputs, v)
			case 12:
				g.Outputs = append(g.Outputs, v)
			default:
				g.ValueInfo = append(g.ValueInfo, v)
			}
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	g.extra = extra
	return g, nil
}

func decodeNode(b []byte) (*Node, error) {
	n := &Node{}
	extra, err := eachField(b, func(f field) (bool, error) {
		if f.typ != protowire.BytesType {
			return false, nil
		}
		switch f.num {
		case 1:
			n.Inputs = append(n.Inputs, string(f.val))
		case 2:
			n.Outputs = append(n.Outputs, string(f.val))
		case 3:
			n.Name = string(f.val)
		case 4:
			n.OpType = string(f.val)
		case 5:
			a, err := decodeAttribute(f.val)
			if err != nil {
				return false, err
			}
			n.Attributes = append(n.Attributes, a)
		case 7:
			n.Domain = string(f.val)
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	n.extra = extra
	return n, nil
}

func decodeAttribute(b []byte) (*Attribute, error) {
	a := &Attribute{}
	extra, err := eachField(b, func(f field) (bool, error) {
		var err error
		switch {
		case f.num == 1 && f.typ == protowire.BytesType:
			a.Name = string(f.val)
		case f.num == 20 && f.typ == protowire.VarintType:
			a.Type = AttributeType(f.u)
		case f.num == 2 && f.typ == protowire.Fixed32Type:
			a.F, err = firstFloat(f)
		case f.num == 3 && f.typ == protowire.VarintType:
			a.I = int64(f.u)
		case f.num == 4 && f.typ == protowire.BytesType:
			a.S = f.val
		case f.num == 5 && f.typ == protowire.BytesType:
			a.T, err = decodeTensor(f.val)
		case f.num == 7:
			a.Floats, err = appendFloats(a.Floats, f)
		case f.num == 8:
			a.Ints, err = appendVarints(a.Ints, f)
		case f.num == 9 && f.typ == protowire.BytesType:
			a.Strings = append(a.Strings, f.val)
		default:
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return nil, err
	}
	a.extra = extra
	return a, nil
}

func firstFloat(f field) (float32, error) {
	vs, err := appendFloats(nil, f)
	if err != nil || len(vs) == 0 {
		return 0, err
	}
	return vs[0], nil
}

func decodeTensor(b []byte) (*Tensor, error) {
	t := &Tensor{}
	extra, err := eachField(b, func(f field) (bool, error) {
		var err error
		switch {
		case f.num == 1:
			t.Dims, err = appendVarints(t.Dims, f)
		case f.num == 2 && f.typ == protowire.VarintType:
			t.DataType = DataType(f.u)
		case f.num == 4:
			t.FloatData, err = appendFloats(t.FloatData, f)
		case f.num == 5:
			var vs []int64
			vs, err = appendVarints(nil, f)
			for _, v := range vs {
				t.Int32Data = append(t.Int32Data, int32(v))
			}
		case f.num == 7:
			t.Int64Data, err = appendVarints(t.Int64Data, f)
		case f.num == 8 && f.typ == protowire.BytesType:
			t.Name = string(f.val)
		case f.num == 9 && f.typ == protowire.BytesType:
			t.RawData = f.val
		default:
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return nil, err
	}
	t.extra = extra
	return t, nil
}

func decodeValueInfo(b []byte) (*ValueInfo, error) {
	v := &ValueInfo{}
	extra, err := eachField(b, func(f field) (bool, error) {
		if f.typ != protowire.BytesType {
			return false, nil
		}
		switch f.num {
		case 1:
			v.Name = string(f.val)
		case 2:
			v.typeRaw = f.val
			if err := v.parseType(f.val); err != nil {
				return false, err
			}
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	v.extra = extra
	return v, nil
}

// parseType extracts elem_type and shape from TypeProto.tensor_type. Other
// type kinds (sequence, map, optional) leave Shape nil.
func (v *ValueInfo) parseType(b []byte) error {
	_, err := eachField(b, func(f field) (bool, error) {
		if f.num != 1 || f.typ != protowire.BytesType {
			return false, nil
		}
		_, err := eachField(f.val, func(tf field) (bool, error) {
			switch {
			case tf.num == 1 && tf.typ == protowire.VarintType:
				v.ElemType = DataType(tf.u)
			case tf.num == 2 && tf.typ == protowire.BytesType:
				v.Shape = []Dim{}
				return eachDim(tf.val, func(d Dim) { v.Shape = append(v.Shape, d) })
			}
			return true, nil
		})
		return true, err
	})
	return err
}

func eachDim(b []byte, fn func(Dim)) (bool, error) {
	_, err := eachField(b, func(f field) (bool, error) {
		if f.num != 1 || f.typ != protowire.BytesType {
			return false, nil
		}
		var d Dim
		_, err := eachField(f.val, func(df field) (bool, error) {
			switch {
			case df.num == 1 && df.typ == protowire.VarintType:
				d.Value = int64(df.u)
			case df.num == 2 && df.typ == protowire.BytesType:
				d.Param = string(df.val)
			}
			return true, nil
		})
		fn(d)
		return true, err
	})
	return true, err
}
