// Package testdata synthesizes camera frames for tests.
package testdata

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Default fixture resolution.
const (
	Width  = 640
	Height = 480
)

// BlankFrame returns a black BGR frame of the given size.
func BlankFrame(w, h int) *gocv.Mat {
	m := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	m.SetTo(gocv.NewScalar(0, 0, 0, 0))
	return &m
}

// FaceFrame returns a gray frame with a light ellipse filling face, enough for
// drawing and encoding tests. It does not fool a real detector.
func FaceFrame(w, h int, face image.Rectangle) *gocv.Mat {
	m := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	m.SetTo(gocv.NewScalar(64, 64, 64, 0))

	center := image.Pt((face.Min.X+face.Max.X)/2, (face.Min.Y+face.Max.Y)/2)
	axes := image.Pt(face.Dx()/2, face.Dy()/2)
	gocv.Ellipse(&m, center, axes, 0, 0, 360, color.RGBA{R: 200, G: 180, B: 160, A: 0}, -1)
	return &m
}

// Sequence returns n blank frames of the default size.
func Sequence(n int) []*gocv.Mat {
	frames := make([]*gocv.Mat, n)
	for i := range frames {
		frames[i] = BlankFrame(Width, Height)
	}
	return frames
}

// Encode returns frame as JPEG bytes.
func Encode(frame *gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(".jpg", *frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// CloseAll releases every frame.
func CloseAll(frames []*gocv.Mat) {
	for _, f := range frames {
		if f != nil {
			f.Close()
		}
	}
}
