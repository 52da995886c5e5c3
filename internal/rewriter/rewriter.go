// Package rewriter patches ONNX graphs so that operator configurations the
// inference backend cannot execute are replaced by equivalent sequences it
// can. Rewrite never mutates its input and is idempotent.
package rewriter

import (
	"fmt"
	"slices"

	"bongo/internal/onnx"
)

// Pad modes accepted by the ONNX Pad operator.
const (
	PadModeConstant = "constant"
	PadModeReflect  = "reflect"
	PadModeEdge     = "edge"
)

// Options configures a rewrite pass.
type Options struct {
	// PadMode is used for the Pad node inserted in front of MaxPool. Edge
	// reproduces the implicit -inf padding exactly when every pad is smaller
	// than the kernel. Reflect mirrors interior samples, so it is exact only
	// when 2*pad <= kernel-1 and the axis is longer than the pad. Pools that
	// do not meet the condition for the chosen mode are left unchanged.
	PadMode string

	// Opset selects how Pad receives its pads: as an input (>= 11) or as an
	// attribute. Zero means 11.
	Opset int64

	// ResizeSupported reports whether the backend executes a Resize node.
	// Nil means no Resize is supported.
	ResizeSupported func(g *onnx.Graph, n *onnx.Node) bool
}

// DefaultOptions matches the behaviour wanted for YOLO-style detectors.
func DefaultOptions() Options {
	return Options{PadMode: PadModeReflect, Opset: 11}
}

// Change describes one rewrite that was applied.
type Change struct {
	Node string
	Kind string
}

// Report lists what a pass changed and what it had to leave alone.
type Report struct {
	Changes   []Change
	Unchanged []string
}

func (r *Report) changed(node, kind string) {
	r.Changes = append(r.Changes, Change{Node: node, Kind: kind})
}

func (r *Report) skip(format string, args ...any) {
	r.Unchanged = append(r.Unchanged, fmt.Sprintf(format, args...))
}

// Rewrite returns a patched copy of g.
func Rewrite(g *onnx.Graph, opts Options) (*onnx.Graph, Report) {
	if opts.PadMode == "" {
		opts.PadMode = PadModeReflect
	}
	if opts.Opset == 0 {
		opts.Opset = 11
	}

	out := g.Clone()
	var report Report

	nodes := make([]*onnx.Node, 0, len(out.Nodes))
	for _, n := range out.Nodes {
		switch n.OpType {
		case "MaxPool", "AveragePool":
			if pad := explicitPadding(out, n, opts, &report); pad != nil {
				nodes = append(nodes, pad)
			}
		case "Resize":
			if opts.ResizeSupported == nil || !opts.ResizeSupported(out, n) {
				replaceResize(out, n, &report)
			}
		}
		nodes = append(nodes, n)
	}
	out.Nodes = nodes

	return out, report
}

// explicitPadding moves a pooling node's pads into a Pad node placed right
// before it. The pool keeps its kernel and strides but pads nothing. It
// returns the inserted node, or nil when the node is left untouched.
func explicitPadding(g *onnx.Graph, n *onnx.Node, opts Options, report *Report) *onnx.Node {
	pads := n.Ints("pads")
	if !slices.ContainsFunc(pads, func(p int64) bool { return p != 0 }) {
		return nil
	}
	if autoPad := n.String("auto_pad", "NOTSET"); autoPad != "NOTSET" && autoPad != "" {
		report.skip("%s: auto_pad %s with explicit pads", n.Name, autoPad)
		return nil
	}
	if len(pads)%2 != 0 || len(n.Inputs) == 0 || len(n.Outputs) == 0 {
		report.skip("%s: malformed pads %v", n.Name, pads)
		return nil
	}

	mode := opts.PadMode
	switch n.OpType {
	case "MaxPool":
		if mode == PadModeConstant {
			// Zeros would win over negative activations.
			report.skip("%s: constant padding changes MaxPool results", n.Name)
			return nil
		}
		shape, _ := g.DeclaredShape(n.Inputs[0])
		if reason := inexactPadding(mode, pads, n, shape); reason != "" {
			report.skip("%s: %s", n.Name, reason)
			return nil
		}
	case "AveragePool":
		if n.Int("count_include_pad", 0) != 1 {
			report.skip("%s: AveragePool excludes padding from its average", n.Name)
			return nil
		}
		mode = PadModeConstant
	}

	spatial := len(pads) / 2
	full := make([]int64, 2*(spatial+2))
	copy(full[2:2+spatial], pads[:spatial])
	copy(full[spatial+4:], pads[spatial:])

	base := n.Name
	if base == "" {
		base = n.Outputs[0]
	}
	padded := g.UniqueName(base + "_padded")
	pad := &onnx.Node{
		Name:    g.UniqueName(base + "_pad"),
		OpType:  "Pad",
		Inputs:  []string{n.Inputs[0]},
		Outputs: []string{padded},
	}
	pad.SetString("mode", mode)

	if opts.Opset >= 11 {
		padsName := g.UniqueName(base + "_pads")
		g.Initializers = append(g.Initializers, onnx.NewInt64Tensor(padsName, []int64{int64(len(full))}, full))
		pad.Inputs = append(pad.Inputs, padsName)
	} else {
		pad.SetInts("pads", full)
	}

	n.Inputs[0] = padded
	n.SetInts("pads", make([]int64, len(pads)))
	report.changed(n.Name, "explicit-pad")
	return pad
}

// inexactPadding returns why padding the input of MaxPool node n with mode
// would change its output, or "" when the rewrite is exact. shape is the
// declared input shape, nil when unknown.
func inexactPadding(mode string, pads []int64, n *onnx.Node, shape []int64) string {
	kernel := n.Ints("kernel_shape")
	spatial := len(pads) / 2
	if len(kernel) != spatial {
		return fmt.Sprintf("kernel %v does not match pads %v", kernel, pads)
	}
	if slices.ContainsFunc(n.Ints("dilations"), func(d int64) bool { return d != 1 }) {
		return fmt.Sprintf("dilations %v with %s padding", n.Ints("dilations"), mode)
	}

	for i := 0; i < spatial; i++ {
		p := max(pads[i], pads[i+spatial])
		k := kernel[i]
		switch mode {
		case PadModeEdge:
			if p >= k {
				return fmt.Sprintf("pads %v not covered by kernel %v", pads, kernel)
			}
		case PadModeReflect:
			// The window starting p samples early sees x[0..k-1-p] and the
			// mirrored x[1..p].
			if 2*p > k-1 {
				return fmt.Sprintf("pads %v too large for reflect with kernel %v", pads, kernel)
			}
			if len(shape) == spatial+2 && shape[i+2] > 0 && shape[i+2] <= p {
				return fmt.Sprintf("axis %d of size %d cannot be reflected by %d", i+2, shape[i+2], p)
			}
		default:
			return fmt.Sprintf("unsupported pad mode %q", mode)
		}
	}
	return ""
}

// replaceResize turns a Resize that provably keeps its input shape into an
// Identity. Anything else is reported and left in place.
func replaceResize(g *onnx.Graph, n *onnx.Node, report *Report) {
	if len(n.Inputs) == 0 || len(n.Outputs) != 1 {
		report.skip("%s: unexpected Resize arity", n.Name)
		return
	}
	if !resizeIsNoop(g, n) {
		report.skip("%s: Resize changes the tensor shape", n.Name)
		return
	}
	n.OpType = "Identity"
	n.Domain = ""
	n.Inputs = n.Inputs[:1]
	n.Attributes = nil
	report.changed(n.Name, "identity-resize")
}

// Resize inputs are X, roi, scales, sizes (opset >= 11) or X, scales (opset 10).
func resizeIsNoop(g *onnx.Graph, n *onnx.Node) bool {
	scalesIdx, sizesIdx := 2, 3
	if len(n.Inputs) == 2 {
		scalesIdx, sizesIdx = 1, -1
	}

	if scalesIdx < len(n.Inputs) {
		if t, ok := g.ConstantTensor(n.Inputs[scalesIdx]); ok && t.NumElements() > 0 {
			scales, err := t.Float32s()
			return err == nil && !slices.ContainsFunc(scales, func(s float32) bool { return s != 1 })
		}
	}

	if sizesIdx > 0 && sizesIdx < len(n.Inputs) {
		t, ok := g.ConstantTensor(n.Inputs[sizesIdx])
		if !ok {
			return false
		}
		sizes, err := t.Int64s()
		if err != nil {
			return false
		}
		shape, ok := g.DeclaredShape(n.Inputs[0])
		return ok && slices.Equal(sizes, shape)
	}
	return false
}
