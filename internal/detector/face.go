// Package detector provides face detection interfaces and types for the overlay pipeline.
package detector

import (
	"math"
	"sort"
)

// Expression labels produced by the expression classifier.
const (
	Neutral   = "neutral"
	Happy     = "happy"
	Sad       = "sad"
	Angry     = "angry"
	Fearful   = "fearful"
	Disgusted = "disgusted"
	Surprised = "surprised"
)

// ExpressionLabels lists the classifier outputs in model order.
var ExpressionLabels = []string{Neutral, Happy, Sad, Angry, Fearful, Disgusted, Surprised}

// Point represents a 2D point in pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BoundingBox is an axis-aligned face box. Width and height are never negative
// for a valid detection.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns width * height.
func (b BoundingBox) Area() float64 {
	return b.Width * b.Height
}

// Expressions maps an expression label to its confidence in [0,1].
// Scores need not sum to 1.
type Expressions map[string]float64

// Top returns the highest scoring label. Ties resolve to the label that sorts
// first. ok is false for an empty map.
func (e Expressions) Top() (label string, score float64, ok bool) {
	if len(e) == 0 {
		return "", 0, false
	}

	labels := make([]string, 0, len(e))
	for l := range e {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	label, score = labels[0], e[labels[0]]
	for _, l := range labels[1:] {
		if e[l] > score {
			label, score = l, e[l]
		}
	}
	return label, score, true
}

// Clone returns a copy of the map.
func (e Expressions) Clone() Expressions {
	if e == nil {
		return nil
	}
	out := make(Expressions, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Detection is one frame's observation of a face.
// A nil Box marks a malformed entry.
type Detection struct {
	Box         *BoundingBox `json:"box"`
	Landmarks   []Point      `json:"landmarks"`
	Expressions Expressions  `json:"expressions"`
	Score       float64      `json:"score"`
}

// Valid reports whether the detection carries a usable bounding box.
func (d *Detection) Valid() bool {
	if d == nil || d.Box == nil {
		return false
	}
	b := d.Box
	for _, v := range []float64{b.X, b.Y, b.Width, b.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.Width >= 0 && b.Height >= 0
}

// Clone returns a deep copy so retained state never aliases detector buffers.
func (d Detection) Clone() Detection {
	out := Detection{
		Expressions: d.Expressions.Clone(),
		Score:       d.Score,
	}
	if d.Box != nil {
		box := *d.Box
		out.Box = &box
	}
	if d.Landmarks != nil {
		out.Landmarks = make([]Point, len(d.Landmarks))
		copy(out.Landmarks, d.Landmarks)
	}
	return out
}
