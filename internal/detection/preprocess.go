package detection

import (
	"image"

	"golang.org/x/image/draw"
)

// centerSquare returns the largest centred square inside r.
func centerSquare(r image.Rectangle) image.Rectangle {
	side := min(r.Dx(), r.Dy())
	x0 := r.Min.X + (r.Dx()-side)/2
	y0 := r.Min.Y + (r.Dy()-side)/2
	return image.Rect(x0, y0, x0+side, y0+side)
}

// Preprocess crops img to its centre square, scales it to size x size with
// Catmull-Rom and lays it out as a 1x3xHxW float32 tensor in [0,1].
func Preprocess(img image.Image, size int) []float32 {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, centerSquare(img.Bounds()), draw.Src, nil)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < size; x++ {
			p := row[x*4:]
			i := y*size + x
			out[i] = float32(p[0]) / 255
			out[plane+i] = float32(p[1]) / 255
			out[2*plane+i] = float32(p[2]) / 255
		}
	}
	return out
}
