// Package capture reads camera frames through gocv.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Default camera settings
const (
	DefaultFPS    = 10
	DefaultWidth  = 640
	DefaultHeight = 480
)

var (
	// ErrCameraNotOpen is returned when trying to read from a camera that is not open.
	ErrCameraNotOpen = errors.New("camera is not open")
	// ErrCameraUnavailable is returned by Open when the device is missing or
	// access was denied.
	ErrCameraUnavailable = errors.New("camera unavailable")
	// ErrEmptyFrame is returned when the device delivered no pixels. Devices
	// do this while warming up.
	ErrEmptyFrame = errors.New("captured frame is empty")
)

// Camera defines the interface for camera capture implementations.
type Camera interface {
	Open() error
	Close() error
	ReadFrame() (*gocv.Mat, error)
	SetFPS(fps int)
	FPS() int
	IsOpen() bool
	// Resolution returns the intrinsic frame size reported by the device,
	// or a zero point when unknown.
	Resolution() image.Point
}

// Options selects the capture device and the frame size and rate requested
// from it. The device may negotiate a different size.
type Options struct {
	DeviceID int
	Width    int
	Height   int
	FPS      int
}

func (o *Options) applyDefaults() {
	if o.Width <= 0 || o.Height <= 0 {
		o.Width, o.Height = DefaultWidth, DefaultHeight
	}
	if o.FPS <= 0 {
		o.FPS = DefaultFPS
	}
}

// deviceCamera captures from a local video device through gocv.
type deviceCamera struct {
	opts Options

	mu      sync.Mutex
	capture *gocv.VideoCapture
}

// NewCamera creates a Camera for the device in opts. Nothing is opened until
// Open.
func NewCamera(opts Options) Camera {
	opts.applyDefaults()
	return &deviceCamera{opts: opts}
}

func (c *deviceCamera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture != nil {
		return nil
	}

	vc, err := gocv.OpenVideoCapture(c.opts.DeviceID)
	if err != nil {
		return fmt.Errorf("device %d: %w: %v", c.opts.DeviceID, ErrCameraUnavailable, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("device %d: %w", c.opts.DeviceID, ErrCameraUnavailable)
	}

	vc.Set(gocv.VideoCaptureFrameWidth, float64(c.opts.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(c.opts.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(c.opts.FPS))

	c.capture = vc
	return nil
}

func (c *deviceCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil
	}
	err := c.capture.Close()
	c.capture = nil
	return err
}

// ReadFrame reads a single frame. The caller is responsible for closing the
// returned Mat.
func (c *deviceCamera) ReadFrame() (*gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil, ErrCameraNotOpen
	}

	mat := gocv.NewMat()
	if ok := c.capture.Read(&mat); !ok {
		mat.Close()
		return nil, fmt.Errorf("device %d: read failed", c.opts.DeviceID)
	}
	if mat.Empty() {
		mat.Close()
		return nil, ErrEmptyFrame
	}
	return &mat, nil
}

// SetFPS changes the requested rate. Values less than or equal to 0 are ignored.
func (c *deviceCamera) SetFPS(fps int) {
	if fps <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.FPS = fps
	if c.capture != nil {
		c.capture.Set(gocv.VideoCaptureFPS, float64(fps))
	}
}

func (c *deviceCamera) FPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.FPS
}

func (c *deviceCamera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capture != nil
}

// Resolution returns the frame size negotiated with the device.
func (c *deviceCamera) Resolution() image.Point {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return image.Point{}
	}
	return image.Pt(
		int(c.capture.Get(gocv.VideoCaptureFrameWidth)),
		int(c.capture.Get(gocv.VideoCaptureFrameHeight)),
	)
}

// WaitReady blocks until the camera delivers its first non-empty frame, which
// is taken as the stream-playing signal, and returns the frame size. Read
// errors before that point are retried every interval until ctx ends.
func WaitReady(ctx context.Context, c Camera, interval time.Duration) (image.Point, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	for {
		frame, err := c.ReadFrame()
		if err == nil {
			size := image.Pt(frame.Cols(), frame.Rows())
			frame.Close()
			if size.X > 0 && size.Y > 0 {
				return size, nil
			}
		} else if errors.Is(err, ErrCameraNotOpen) {
			return image.Point{}, err
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return image.Point{}, errors.Join(ctx.Err(), err)
			}
			return image.Point{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}
