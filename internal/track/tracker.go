package track

import (
	"time"

	"github.com/ayusman/moodlens/internal/detector"
)

// DefaultSmoothingFactor weights the current box against the previous one.
const DefaultSmoothingFactor = 0.5

// State is the single retained smoothed detection of a pipeline run.
// The zero value is empty.
type State struct {
	last *detector.Detection
}

// StateOf returns a State holding a copy of d.
func StateOf(d detector.Detection) State {
	c := d.Clone()
	return State{last: &c}
}

// Empty reports whether no prior track exists.
func (s State) Empty() bool {
	return s.last == nil
}

// Last returns a copy of the retained detection.
func (s State) Last() (detector.Detection, bool) {
	if s.last == nil {
		return detector.Detection{}, false
	}
	return s.last.Clone(), true
}

// Smooth blends current with prev using DefaultSmoothingFactor.
func Smooth(current *detector.Detection, prev State) (*detector.Detection, State) {
	return SmoothWith(DefaultSmoothingFactor, current, prev)
}

// SmoothWith applies one exponential moving average step to the box:
// new = alpha*current + (1-alpha)*previous for x, y, width and height.
// Landmarks, expressions and score come from current unmodified.
//
// A nil current yields nil and leaves prev untouched. An empty prev yields a
// copy of current. alpha outside (0,1] is treated as DefaultSmoothingFactor.
func SmoothWith(alpha float64, current *detector.Detection, prev State) (*detector.Detection, State) {
	if current == nil {
		return nil, prev
	}
	if !(alpha > 0 && alpha <= 1) {
		alpha = DefaultSmoothingFactor
	}

	out := current.Clone()
	if prev.last == nil || prev.last.Box == nil || out.Box == nil {
		next := StateOf(out)
		return &out, next
	}

	p := prev.last.Box
	out.Box = &detector.BoundingBox{
		X:      blend(alpha, out.Box.X, p.X),
		Y:      blend(alpha, out.Box.Y, p.Y),
		Width:  blend(alpha, out.Box.Width, p.Width),
		Height: blend(alpha, out.Box.Height, p.Height),
	}
	next := StateOf(out)
	return &out, next
}

func blend(alpha, cur, prev float64) float64 {
	return alpha*cur + (1-alpha)*prev
}

// Tracker owns the State of one pipeline run. It is not safe for concurrent
// use; the scheduler guarantees a single tick in flight.
type Tracker struct {
	alpha      float64
	staleAfter time.Duration
	state      State
	updated    time.Time
}

// NewTracker creates a tracker. A staleAfter of zero retains the last state
// indefinitely when no face is seen; otherwise a prior older than staleAfter
// is ignored and the next face starts a fresh track.
func NewTracker(alpha float64, staleAfter time.Duration) *Tracker {
	if !(alpha > 0 && alpha <= 1) {
		alpha = DefaultSmoothingFactor
	}
	return &Tracker{alpha: alpha, staleAfter: staleAfter}
}

// Alpha returns the smoothing factor.
func (t *Tracker) Alpha() float64 {
	return t.alpha
}

// State returns the committed state.
func (t *Tracker) State() State {
	return t.state
}

// Prior returns the state to smooth against at time now.
func (t *Tracker) Prior(now time.Time) State {
	if t.staleAfter > 0 && !t.state.Empty() && now.Sub(t.updated) > t.staleAfter {
		return State{}
	}
	return t.state
}

// Propose smooths current against Prior(now) without committing.
func (t *Tracker) Propose(current *detector.Detection, now time.Time) (*detector.Detection, State) {
	return SmoothWith(t.alpha, current, t.Prior(now))
}

// Commit stores s as the retained state.
func (t *Tracker) Commit(s State, now time.Time) {
	t.state = s
	t.updated = now
}

// Reset clears the retained state.
func (t *Tracker) Reset() {
	t.state = State{}
	t.updated = time.Time{}
}
