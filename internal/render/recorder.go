package render

import (
	"context"
	"sync"
)

// Call is one recorded Sink invocation.
type Call struct {
	Op      string
	Overlay Overlay
}

// Recorder is a Sink that remembers every call. Used by tests.
type Recorder struct {
	mu       sync.Mutex
	calls    []Call
	clearErr error
	drawErr  error
	drawn    chan struct{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{drawn: make(chan struct{}, 64)}
}

// SetClearError makes subsequent Clear calls fail.
func (r *Recorder) SetClearError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearErr = err
}

// SetDrawError makes subsequent Draw calls fail.
func (r *Recorder) SetDrawError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drawErr = err
}

// Clear records a clear call.
func (r *Recorder) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: "clear"})
	return r.clearErr
}

// Draw records a draw call and signals Drawn.
func (r *Recorder) Draw(ctx context.Context, o Overlay) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drawErr != nil {
		r.calls = append(r.calls, Call{Op: "draw-failed", Overlay: o})
		return r.drawErr
	}
	r.calls = append(r.calls, Call{Op: "draw", Overlay: o})
	select {
	case r.drawn <- struct{}{}:
	default:
	}
	return nil
}

// Drawn is signalled after each successful Draw.
func (r *Recorder) Drawn() <-chan struct{} {
	return r.drawn
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Draws returns the overlays of successful Draw calls.
func (r *Recorder) Draws() []Overlay {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Overlay
	for _, c := range r.calls {
		if c.Op == "draw" {
			out = append(out, c.Overlay)
		}
	}
	return out
}

// Reset forgets all calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
