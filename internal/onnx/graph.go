package onnx

import (
	"fmt"
)

// Clone returns a deep copy of the graph structure. Tensor payloads are
// shared, they are never written in place.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Name:         g.Name,
		Nodes:        make([]*Node, len(g.Nodes)),
		Initializers: make([]*Tensor, len(g.Initializers)),
		Inputs:       cloneValueInfos(g.Inputs),
		Outputs:      cloneValueInfos(g.Outputs),
		ValueInfo:    cloneValueInfos(g.ValueInfo),
		extra:        g.extra,
	}
	for i, n := range g.Nodes {
		c.Nodes[i] = n.Clone()
	}
	for i, t := range g.Initializers {
		c.Initializers[i] = t.Clone()
	}
	return c
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	c.Inputs = append([]string(nil), n.Inputs...)
	c.Outputs = append([]string(nil), n.Outputs...)
	c.Attributes = make([]*Attribute, len(n.Attributes))
	for i, a := range n.Attributes {
		ac := *a
		ac.Floats = append([]float32(nil), a.Floats...)
		ac.Ints = append([]int64(nil), a.Ints...)
		ac.Strings = append([][]byte(nil), a.Strings...)
		if a.T != nil {
			ac.T = a.T.Clone()
		}
		c.Attributes[i] = &ac
	}
	return &c
}

// Clone copies the tensor header; the payload slices are shared.
func (t *Tensor) Clone() *Tensor {
	c := *t
	c.Dims = append([]int64(nil), t.Dims...)
	return &c
}

func cloneValueInfos(vs []*ValueInfo) []*ValueInfo {
	out := make([]*ValueInfo, len(vs))
	for i, v := range vs {
		c := *v
		if v.Shape != nil {
			c.Shape = make([]Dim, len(v.Shape))
			copy(c.Shape, v.Shape)
		}
		out[i] = &c
	}
	return out
}

// Initializer returns the initializer with the given name, or nil.
func (g *Graph) Initializer(name string) *Tensor {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// ConstantTensor resolves a value name to a constant, either an initializer
// or the output of a Constant node.
func (g *Graph) ConstantTensor(name string) (*Tensor, bool) {
	if name == "" {
		return nil, false
	}
	if t := g.Initializer(name); t != nil {
		return t, true
	}
	for _, n := range g.Nodes {
		if n.OpType != "Constant" || len(n.Outputs) == 0 || n.Outputs[0] != name {
			continue
		}
		if a := n.Attr("value"); a != nil && a.T != nil {
			return a.T, true
		}
	}
	return nil, false
}

// DeclaredShape looks for a static shape declared for a value in the graph
// inputs, value_info or outputs.
func (g *Graph) DeclaredShape(name string) ([]int64, bool) {
	for _, list := range [][]*ValueInfo{g.Inputs, g.ValueInfo, g.Outputs} {
		for _, v := range list {
			if v.Name == name {
				if dims, ok := v.StaticShape(); ok {
					return dims, true
				}
			}
		}
	}
	return nil, false
}

// InputNames lists the graph inputs that are fed at runtime, i.e. excluding
// inputs that only exist to override initializers.
func (g *Graph) InputNames() []string {
	var names []string
	for _, v := range g.Inputs {
		if g.Initializer(v.Name) == nil {
			names = append(names, v.Name)
		}
	}
	return names
}

// OutputNames lists the declared graph outputs.
func (g *Graph) OutputNames() []string {
	names := make([]string, len(g.Outputs))
	for i, v := range g.Outputs {
		names[i] = v.Name
	}
	return names
}

// UniqueName returns base, or base with a numeric suffix, such that it does
// not collide with any node, value or initializer name in the graph.
func (g *Graph) UniqueName(base string) string {
	used := make(map[string]bool)
	for _, n := range g.Nodes {
		used[n.Name] = true
		for _, s := range n.Inputs {
			used[s] = true
		}
		for _, s := range n.Outputs {
			used[s] = true
		}
	}
	for _, t := range g.Initializers {
		used[t.Name] = true
	}
	for _, v := range g.Inputs {
		used[v.Name] = true
	}
	if !used[base] {
		return base
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s_%d", base, i)
		if !used[name] {
			return name
		}
	}
}

// Producer returns the index of the node producing value name, or -1.
func (g *Graph) Producer(name string) int {
	for i, n := range g.Nodes {
		for _, out := range n.Outputs {
			if out == name {
				return i
			}
		}
	}
	return -1
}
