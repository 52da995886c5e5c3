package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleModel() *Model {
	pool := &Node{
		Name:    "pool0",
		OpType:  "MaxPool",
		Inputs:  []string{"images"},
		Outputs: []string{"pooled"},
		Attributes: []*Attribute{
			{Name: "kernel_shape", Type: AttrInts, Ints: []int64{3, 3}},
			{Name: "pads", Type: AttrInts, Ints: []int64{1, 1, 1, 1}},
			{Name: "auto_pad", Type: AttrString, S: []byte("NOTSET")},
			{Name: "ceil_mode", Type: AttrInt, I: 0},
		},
	}
	resize := &Node{
		Name:    "resize0",
		OpType:  "Resize",
		Inputs:  []string{"pooled", "", "scales"},
		Outputs: []string{"output0"},
	}
	return &Model{
		IRVersion: 8,
		Opsets:    []OperatorSet{{Domain: "", Version: 17}},
		Graph: &Graph{
			Name:         "main",
			Nodes:        []*Node{pool, resize},
			Initializers: []*Tensor{NewFloatTensor("scales", []int64{4}, []float32{1, 1, 1, 1})},
			Inputs:       []*ValueInfo{NewTensorValueInfo("images", DataTypeFloat, []int64{1, 3, 640, 640})},
			Outputs:      []*ValueInfo{NewTensorValueInfo("output0", DataTypeFloat, []int64{1, 3, 640, 640})},
		},
	}
}

func TestMarshalUnmarshalKeepsGraph(t *testing.T) {
	data := sampleModel().Marshal()

	m, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, int64(8), m.IRVersion)
	assert.Equal(t, int64(17), m.Opset())
	require.Len(t, m.Graph.Nodes, 2)

	pool := m.Graph.Nodes[0]
	assert.Equal(t, "MaxPool", pool.OpType)
	assert.Equal(t, []int64{1, 1, 1, 1}, pool.Ints("pads"))
	assert.Equal(t, "NOTSET", pool.String("auto_pad", ""))
	assert.Equal(t, int64(0), pool.Int("ceil_mode", -1), "zero-valued INT attribute must survive")

	resize := m.Graph.Nodes[1]
	assert.Equal(t, []string{"pooled", "", "scales"}, resize.Inputs, "skipped optional input must survive")

	shape, ok := m.Graph.DeclaredShape("images")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 3, 640, 640}, shape)

	scales, ok := m.Graph.ConstantTensor("scales")
	require.True(t, ok)
	vals, err := scales.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1, 1}, vals)

	assert.Equal(t, data, m.Marshal())
}

func TestUnknownFieldsArePreserved(t *testing.T) {
	data := sampleModel().Marshal()
	// producer_name (field 2) is not interpreted by the package.
	data = protowire.AppendTag(data, 2, protowire.BytesType)
	data = protowire.AppendString(data, "pytorch")

	m, err := Unmarshal(data)
	require.NoError(t, err)

	out := m.Marshal()
	again, err := Unmarshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(again.extra), "pytorch")
}

func TestUnmarshalRejectsTruncatedInput(t *testing.T) {
	data := sampleModel().Marshal()

	_, err := Unmarshal(data[:len(data)-3])
	require.ErrorIs(t, err, ErrMalformed)
}

func TestInt64sDecodesUnpackedAndRaw(t *testing.T) {
	raw := NewInt64Tensor("pads", []int64{4}, []int64{0, -1, 2, 3})
	vals, err := raw.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{0, -1, 2, 3}, vals)

	// An unpacked int64_data encoding, as older exporters emit it.
	var b []byte
	b = appendVarintField(b, 2, int64(DataTypeInt64))
	for _, v := range []int64{5, 6} {
		b = appendVarintField(b, 7, v)
	}
	tensor, err := decodeTensor(b)
	require.NoError(t, err)
	vals, err = tensor.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6}, vals)
}

func TestInputNamesSkipInitializers(t *testing.T) {
	g := sampleModel().Graph
	g.Inputs = append(g.Inputs, NewTensorValueInfo("scales", DataTypeFloat, []int64{4}))

	assert.Equal(t, []string{"images"}, g.InputNames())
	assert.Equal(t, []string{"output0"}, g.OutputNames())
}

func TestCloneIsIndependent(t *testing.T) {
	g := sampleModel().Graph
	c := g.Clone()

	c.Nodes[0].SetInts("pads", []int64{0, 0, 0, 0})
	c.Nodes[1].Inputs[0] = "other"

	assert.Equal(t, []int64{1, 1, 1, 1}, g.Nodes[0].Ints("pads"))
	assert.Equal(t, "pooled", g.Nodes[1].Inputs[0])
}

func TestUniqueName(t *testing.T) {
	g := sampleModel().Graph

	assert.Equal(t, "fresh", g.UniqueName("fresh"))
	assert.Equal(t, "pooled_1", g.UniqueName("pooled"))
}
