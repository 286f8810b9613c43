package server

import (
	"fmt"
	"net/http"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/moodlens/internal/render"
)

// FrameSource yields the latest camera frame. The caller owns the returned
// Mat.
type FrameSource interface {
	Frame() (gocv.Mat, bool)
}

// StreamHandler serves MJPEG frames from the pipeline, with the overlay
// composited on top when a canvas is set.
type StreamHandler struct {
	source   FrameSource
	canvas   *render.Canvas
	interval time.Duration
}

// NewStreamHandler creates a new StreamHandler. canvas may be nil.
func NewStreamHandler(source FrameSource, canvas *render.Canvas) *StreamHandler {
	return &StreamHandler{
		source:   source,
		canvas:   canvas,
		interval: 66 * time.Millisecond, // ~15 FPS
	}
}

// ServeHTTP streams MJPEG frames to connected clients.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		buf, err := h.encode()
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		fmt.Fprintf(w, "--frame\r\n")
		fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(buf))
		w.Write(buf)
		fmt.Fprintf(w, "\r\n")

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		time.Sleep(h.interval)
	}
}

// encode returns the latest frame as JPEG bytes.
func (h *StreamHandler) encode() ([]byte, error) {
	frame, ok := h.source.Frame()
	if !ok {
		frame.Close()
		return nil, fmt.Errorf("no frame yet")
	}
	defer frame.Close()

	out := frame
	if h.canvas != nil && h.canvas.Drawn() {
		composed, err := h.canvas.Compose(&frame)
		if err != nil {
			return nil, err
		}
		defer composed.Close()
		out = composed
	}

	buf, err := gocv.IMEncode(".jpg", out)
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, nil
}
