package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/moodlens/internal/track"
)

var (
	boxColor      = color.RGBA{R: 0, G: 200, B: 255, A: 0}
	landmarkColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}
	labelColor    = color.RGBA{R: 255, G: 255, B: 255, A: 0}
)

// Canvas draws overlays on a display-sized Mat that can be composited over
// camera frames.
type Canvas struct {
	mu     sync.Mutex
	mat    gocv.Mat
	size   track.Size
	drawn  bool
	closed bool
}

// NewCanvas creates an empty canvas. Its size is taken from the first overlay.
func NewCanvas() *Canvas {
	return &Canvas{mat: gocv.NewMat()}
}

// Clear erases the previous drawing.
func (c *Canvas) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("canvas closed")
	}
	if !c.mat.Empty() {
		c.mat.SetTo(gocv.NewScalar(0, 0, 0, 0))
	}
	c.drawn = false
	return nil
}

// Draw paints the box, landmarks and mood label.
func (c *Canvas) Draw(ctx context.Context, o Overlay) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("canvas closed")
	}
	if o.Display.Empty() {
		return track.ErrZeroSize
	}
	if o.Detection.Box == nil {
		return errors.New("overlay without box")
	}

	if c.size != o.Display || c.mat.Empty() {
		c.mat.Close()
		c.mat = gocv.NewMatWithSize(o.Display.Height, o.Display.Width, gocv.MatTypeCV8UC3)
		c.mat.SetTo(gocv.NewScalar(0, 0, 0, 0))
		c.size = o.Display
	}

	b := o.Detection.Box
	rect := image.Rect(
		int(math.Round(b.X)),
		int(math.Round(b.Y)),
		int(math.Round(b.X+b.Width)),
		int(math.Round(b.Y+b.Height)),
	)
	gocv.Rectangle(&c.mat, rect, boxColor, 2)

	for _, p := range o.Detection.Landmarks {
		gocv.Circle(&c.mat, image.Pt(int(math.Round(p.X)), int(math.Round(p.Y))), 2, landmarkColor, -1)
	}

	if o.Mood.Known() {
		label := fmt.Sprintf("%s (%.2f)", o.Mood.Label, o.Mood.Score)
		org := image.Pt(rect.Min.X, rect.Max.Y+18)
		if org.Y > o.Display.Height-4 {
			org.Y = rect.Min.Y - 6
		}
		gocv.PutText(&c.mat, label, org, gocv.FontHersheySimplex, 0.6, labelColor, 2)
	}

	c.drawn = true
	return nil
}

// Size returns the current canvas size.
func (c *Canvas) Size() track.Size {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Drawn reports whether the canvas holds a drawing since the last Clear.
func (c *Canvas) Drawn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drawn
}

// Compose returns frame resized to the canvas size with the overlay painted
// on top. The caller owns the returned Mat. Before the first Draw the frame is
// returned unscaled.
func (c *Canvas) Compose(frame *gocv.Mat) (gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if frame == nil || frame.Empty() {
		return gocv.NewMat(), errors.New("empty frame")
	}

	out := gocv.NewMat()
	if c.mat.Empty() || c.size.Empty() {
		frame.CopyTo(&out)
		return out, nil
	}

	gocv.Resize(*frame, &out, image.Pt(c.size.Width, c.size.Height), 0, 0, gocv.InterpolationLinear)
	if !c.drawn {
		return out, nil
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(c.mat, &gray, gocv.ColorBGRToGray)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(gray, &mask, 0, 255, gocv.ThresholdBinary)

	c.mat.CopyToWithMask(&out, mask)
	return out, nil
}

// Close releases the canvas Mat.
func (c *Canvas) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.mat.Close()
}
