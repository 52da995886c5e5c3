package detection

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"bongo/internal/pipeline"
)

// ErrOutputShape is returned when the model output is not a
// [1, 4+classes, predictions] or [4+classes, predictions] tensor.
var ErrOutputShape = errors.New("unexpected model output shape")

// Decode reads YOLO predictions: one column per prediction holding cx, cy,
// w, h followed by class scores. Predictions whose best class score is not
// above conf are dropped.
func Decode(data []float32, shape []int64, conf float32) ([]pipeline.Box, error) {
	if len(shape) == 3 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 2 || shape[0] <= 4 || shape[1] < 0 {
		return nil, fmt.Errorf("%w: %v", ErrOutputShape, shape)
	}
	rows, cols := int(shape[0]), int(shape[1])
	if len(data) != rows*cols {
		return nil, fmt.Errorf("%w: %v with %d values", ErrOutputShape, shape, len(data))
	}
	if cols == 0 {
		return nil, nil
	}

	vals := make([]float64, len(data))
	for i, v := range data {
		vals[i] = float64(v)
	}
	preds := mat.NewDense(rows, cols, vals)

	var boxes []pipeline.Box
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, preds)
		scores := col[4:]
		class := floats.MaxIdx(scores)
		score := float32(scores[class])
		if score <= conf {
			continue
		}
		cx, cy, w, h := float32(col[0]), float32(col[1]), float32(col[2]), float32(col[3])
		boxes = append(boxes, pipeline.Box{
			XMin:       cx - w/2,
			YMin:       cy - h/2,
			XMax:       cx + w/2,
			YMax:       cy + h/2,
			Confidence: score,
			ClassIndex: class,
		})
	}
	return boxes, nil
}

// IoU is the intersection over union of two boxes.
func IoU(a, b pipeline.Box) float32 {
	inter := pipeline.Box{
		XMin: max(a.XMin, b.XMin),
		YMin: max(a.YMin, b.YMin),
		XMax: min(a.XMax, b.XMax),
		YMax: min(a.YMax, b.YMax),
	}.Area()
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NMS runs greedy non-maximum suppression independently for each class.
// Within a class, boxes are visited by decreasing confidence and dropped when
// they overlap a kept box by more than threshold. The result is grouped by
// class in ascending class order.
func NMS(boxes []pipeline.Box, threshold float32) []pipeline.Box {
	byClass := make(map[int][]pipeline.Box)
	for _, b := range boxes {
		byClass[b.ClassIndex] = append(byClass[b.ClassIndex], b)
	}
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	slices.Sort(classes)

	var kept []pipeline.Box
	for _, c := range classes {
		group := byClass[c]
		slices.SortStableFunc(group, func(a, b pipeline.Box) int {
			switch {
			case a.Confidence > b.Confidence:
				return -1
			case a.Confidence < b.Confidence:
				return 1
			default:
				return 0
			}
		})

		start := len(kept)
	candidates:
		for _, b := range group {
			for _, k := range kept[start:] {
				if IoU(b, k) > threshold {
					continue candidates
				}
			}
			kept = append(kept, b)
		}
	}
	return kept
}
