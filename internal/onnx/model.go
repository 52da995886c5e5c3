// Package onnx holds an in-memory view of an ONNX model that is rich enough
// for graph surgery. Fields the package does not interpret are kept as raw
// protobuf bytes and written back verbatim, so a decode/encode cycle leaves
// everything outside the touched nodes untouched.
package onnx

import (
	"errors"
	"fmt"
	"os"
)

// ErrMalformed is returned when model bytes are not a valid protobuf message.
var ErrMalformed = errors.New("onnx: malformed model")

// AttributeType mirrors AttributeProto.AttributeType.
type AttributeType int32

const (
	AttrUndefined AttributeType = 0
	AttrFloat     AttributeType = 1
	AttrInt       AttributeType = 2
	AttrString    AttributeType = 3
	AttrTensor    AttributeType = 4
	AttrGraph     AttributeType = 5
	AttrFloats    AttributeType = 6
	AttrInts      AttributeType = 7
	AttrStrings   AttributeType = 8
)

// DataType mirrors TensorProto.DataType for the element types we read.
type DataType int32

const (
	DataTypeUndefined DataType = 0
	DataTypeFloat     DataType = 1
	DataTypeInt32     DataType = 6
	DataTypeInt64     DataType = 7
	DataTypeDouble    DataType = 11
)

// Model is a decoded ModelProto.
type Model struct {
	IRVersion int64
	Opsets    []OperatorSet
	Graph     *Graph

	extra []byte
}

// OperatorSet is one opset_import entry.
type OperatorSet struct {
	Domain  string
	Version int64
}

// Graph is a decoded GraphProto.
type Graph struct {
	Name         string
	Nodes        []*Node
	Initializers []*Tensor
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo
	ValueInfo    []*ValueInfo

	extra []byte
}

// Node is a decoded NodeProto.
type Node struct {
	Name       string
	OpType     string
	Domain     string
	Inputs     []string
	Outputs    []string
	Attributes []*Attribute

	extra []byte
}

// Attribute is a decoded AttributeProto. Only the scalar and list payloads are
// interpreted; graph-valued attributes stay in extra.
type Attribute struct {
	Name    string
	Type    AttributeType
	F       float32
	I       int64
	S       []byte
	T       *Tensor
	Floats  []float32
	Ints    []int64
	Strings [][]byte

	extra []byte
}

// Tensor is a decoded TensorProto. RawData is shared with the source buffer
// and must be treated as read-only.
type Tensor struct {
	Name      string
	Dims      []int64
	DataType  DataType
	RawData   []byte
	FloatData []float32
	Int32Data []int32
	Int64Data []int64

	extra []byte
}

// Dim is one TensorShapeProto dimension: either a fixed value or a symbolic
// parameter.
type Dim struct {
	Value int64
	Param string
}

// ValueInfo is a decoded ValueInfoProto. The type is kept verbatim; Shape is
// parsed out of it when it describes a tensor.
type ValueInfo struct {
	Name     string
	ElemType DataType
	Shape    []Dim

	typeRaw []byte
	extra   []byte
}

// Load reads and decodes an ONNX file.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	return Unmarshal(data)
}

// Opset returns the imported version of the default operator set, or 0 when
// the model does not declare one.
func (m *Model) Opset() int64 {
	for _, o := range m.Opsets {
		if o.Domain == "" || o.Domain == "ai.onnx" {
			return o.Version
		}
	}
	return 0
}

// Attr returns the named attribute or nil.
func (n *Node) Attr(name string) *Attribute {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Int returns an INT attribute value, or def when absent.
func (n *Node) Int(name string, def int64) int64 {
	if a := n.Attr(name); a != nil && a.Type == AttrInt {
		return a.I
	}
	return def
}

// String returns a STRING attribute value, or def when absent.
func (n *Node) String(name string, def string) string {
	if a := n.Attr(name); a != nil && a.Type == AttrString {
		return string(a.S)
	}
	return def
}

// Ints returns an INTS attribute value, or nil when absent.
func (n *Node) Ints(name string) []int64 {
	if a := n.Attr(name); a != nil && a.Type == AttrInts {
		return a.Ints
	}
	return nil
}

// SetInts replaces or adds an INTS attribute.
func (n *Node) SetInts(name string, vals []int64) {
	if a := n.Attr(name); a != nil {
		*a = Attribute{Name: name, Type: AttrInts, Ints: vals}
		return
	}
	n.Attributes = append(n.Attributes, &Attribute{Name: name, Type: AttrInts, Ints: vals})
}

// SetString replaces or adds a STRING attribute.
func (n *Node) SetString(name, val string) {
	if a := n.Attr(name); a != nil {
		*a = Attribute{Name: name, Type: AttrString, S: []byte(val)}
		return
	}
	n.Attributes = append(n.Attributes, &Attribute{Name: name, Type: AttrString, S: []byte(val)})
}

// StaticShape returns the dimensions when every one of them is a fixed value.
func (v *ValueInfo) StaticShape() ([]int64, bool) {
	if v == nil || v.Shape == nil {
		return nil, false
	}
	dims := make([]int64, len(v.Shape))
	for i, d := range v.Shape {
		if d.Param != "" || d.Value <= 0 {
			return nil, false
		}
		dims[i] = d.Value
	}
	return dims, true
}
