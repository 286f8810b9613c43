// Package render paints tracked faces onto display targets.
package render

import (
	"context"
	"errors"
	"time"

	"github.com/ayusman/moodlens/internal/detector"
	"github.com/ayusman/moodlens/internal/track"
)

// Overlay is one frame's render payload. Detection is in display coordinates.
type Overlay struct {
	Detection detector.Detection
	Display   track.Size
	Mood      Mood
	At        time.Time
}

// Sink consumes overlays. Clear removes the previous frame's drawing and is
// always called before Draw within a tick.
type Sink interface {
	Clear(ctx context.Context) error
	Draw(ctx context.Context, o Overlay) error
}

// Fanout forwards every call to each sink in order.
type Fanout []Sink

// Clear clears every sink and joins their errors.
func (f Fanout) Clear(ctx context.Context) error {
	var errs []error
	for _, s := range f {
		if err := s.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Draw draws on every sink and joins their errors.
func (f Fanout) Draw(ctx context.Context, o Overlay) error {
	var errs []error
	for _, s := range f {
		if err := s.Draw(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
