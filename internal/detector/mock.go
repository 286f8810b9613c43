package detector

import (
	"context"
	"sync"

	"gocv.io/x/gocv"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results frame by frame.
type MockDetector struct {
	mu     sync.Mutex
	faces  []Detection
	script [][]Detection
	errs   []error
	err    error
	gate   chan struct{}
	calls  int
	closed bool
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetFaces sets the faces returned by every Detect call once the script is exhausted.
func (m *MockDetector) SetFaces(faces []Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faces = faces
}

// SetError sets the error returned by every Detect call once the script is exhausted.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Enqueue appends one scripted result. Scripted results are consumed in order
// before falling back to SetFaces/SetError.
func (m *MockDetector) Enqueue(faces []Detection, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, faces)
	m.errs = append(m.errs, err)
}

// Block makes Detect wait until Release is called or the context ends.
func (m *MockDetector) Block() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
}

// Release unblocks a pending and all future Detect calls.
func (m *MockDetector) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// Calls returns how many times Detect has been invoked.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called.
func (m *MockDetector) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Detect returns the next scripted result, or the pre-configured faces or error.
func (m *MockDetector) Detect(ctx context.Context, frame *gocv.Mat) ([]Detection, error) {
	m.mu.Lock()
	m.calls++
	gate := m.gate
	var faces []Detection
	var err error
	if len(m.script) > 0 {
		faces, err = m.script[0], m.errs[0]
		m.script, m.errs = m.script[1:], m.errs[1:]
	} else {
		faces, err = m.faces, m.err
	}
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}
	return faces, nil
}

// Close marks the detector closed.
func (m *MockDetector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FaceAt returns a detection with the given box, five landmarks placed on it
// and a neutral-leaning expression map.
func FaceAt(x, y, w, h float64) Detection {
	return Detection{
		Box: &BoundingBox{X: x, Y: y, Width: w, Height: h},
		Landmarks: []Point{
			{X: x + w*0.3, Y: y + h*0.4},
			{X: x + w*0.7, Y: y + h*0.4},
			{X: x + w*0.5, Y: y + h*0.6},
			{X: x + w*0.35, Y: y + h*0.8},
			{X: x + w*0.65, Y: y + h*0.8},
		},
		Expressions: Expressions{Neutral: 0.7, Happy: 0.2, Surprised: 0.1},
		Score:       0.95,
	}
}

// SmilingFaceAt returns FaceAt with a happy-dominant expression map.
func SmilingFaceAt(x, y, w, h float64) Detection {
	d := FaceAt(x, y, w, h)
	d.Expressions = Expressions{Neutral: 0.1, Happy: 0.85, Surprised: 0.05}
	return d
}
