package track

import (
	"errors"

	"github.com/ayusman/moodlens/internal/detector"
)

// ErrZeroSize is returned when a source or display size has a zero dimension.
var ErrZeroSize = errors.New("zero size")

// Size is a pixel resolution.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether either dimension is not positive.
func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Scale maps d from source coordinates into display coordinates. Box x and
// width and every landmark x scale by to.Width/from.Width; the y values by
// to.Height/from.Height. Expressions and score pass through.
func Scale(d detector.Detection, from, to Size) (detector.Detection, error) {
	if from.Empty() || to.Empty() {
		return detector.Detection{}, ErrZeroSize
	}

	sx := float64(to.Width) / float64(from.Width)
	sy := float64(to.Height) / float64(from.Height)

	out := d.Clone()
	if out.Box != nil {
		out.Box.X *= sx
		out.Box.Y *= sy
		out.Box.Width *= sx
		out.Box.Height *= sy
	}
	for i := range out.Landmarks {
		out.Landmarks[i].X *= sx
		out.Landmarks[i].Y *= sy
	}
	return out, nil
}
