package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/ayusman/moodlens/internal/hook"
	"github.com/ayusman/moodlens/internal/render"
	"github.com/ayusman/moodlens/internal/store"
	"github.com/ayusman/moodlens/internal/track"
)

// errLate marks a tick whose run was stopped while it was in flight.
var errLate = errors.New("run stopped during tick")

// loop owns the ticker. Each period starts one tick goroutine unless the
// previous tick is still running, in which case the period is skipped.
func (a *App) loop(r *run, t Ticker) {
	defer close(r.loopDone)
	defer t.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case at := <-t.C():
			if !a.IsEnabled() {
				continue
			}
			if !r.busy.CompareAndSwap(false, true) {
				r.skipped.Add(1)
				a.log.WithField("session", r.id).Debug("tick skipped, previous tick still running")
				continue
			}
			r.ticks.Add(1)
			go a.tick(r, at)
		}
	}
}

// tick runs detect, select, smooth, scale and render for one period. Any
// failure abandons the tick and leaves the tracker state untouched.
func (a *App) tick(r *run, at time.Time) {
	defer r.ticks.Done()
	defer r.busy.Store(false)

	log := a.log.WithFields(logrus.Fields{"session": r.id, "tick": at.UnixMilli()})

	defer func() {
		if p := recover(); p != nil {
			r.failed.Add(1)
			log.WithField("panic", p).Error("tick panicked")
		}
	}()

	err := a.process(r, at, log)
	switch {
	case err == nil:
	case errors.Is(err, errLate):
		log.Debug("discarding result of stopped run")
	case errors.Is(err, track.ErrZeroSize):
		r.empty.Add(1)
		log.Debug("display has zero size, tick skipped")
	default:
		r.failed.Add(1)
		log.WithError(err).Warn("tick failed")
	}
}

func (a *App) process(r *run, at time.Time, log logrus.FieldLogger) error {
	cam := a.Camera()
	frame, err := cam.ReadFrame()
	if err != nil {
		return fmt.Errorf("failed to read frame: %w", err)
	}
	defer frame.Close()
	a.keepFrame(frame)

	dets, err := r.detector.Detect(r.ctx, frame)
	if r.ctx.Err() != nil {
		return errLate
	}
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}

	primary, skipped := track.SelectPrimary(dets)
	for _, i := range skipped {
		log.WithField("index", i).Warn("skipping malformed detection")
	}
	if primary == nil {
		r.empty.Add(1)
		log.WithField("detections", len(dets)).Debug("no face this tick")
		return nil
	}

	a.mu.RLock()
	display := r.display
	a.mu.RUnlock()
	if display.Empty() || r.source.Empty() {
		return track.ErrZeroSize
	}

	now := a.now()
	smoothed, next := r.tracker.Propose(primary, now)
	scaled, err := track.Scale(*smoothed, r.source, display)
	if err != nil {
		return err
	}

	mood := render.MoodOf(scaled.Expressions)
	overlay := render.Overlay{
		Detection: scaled,
		Display:   display,
		Mood:      mood,
		At:        at,
	}

	if r.ctx.Err() != nil {
		return errLate
	}
	if a.config.Sink != nil {
		if err := a.config.Sink.Clear(r.ctx); err != nil {
			return fmt.Errorf("failed to clear overlay: %w", err)
		}
		if err := a.config.Sink.Draw(r.ctx, overlay); err != nil {
			return fmt.Errorf("failed to draw overlay: %w", err)
		}
	}

	r.tracker.Commit(next, now)
	r.rendered.Add(1)

	a.mu.Lock()
	a.lastRender = now
	a.mu.Unlock()

	a.observeMood(r, mood, scaled.Box.X, scaled.Box.Y, scaled.Box.Width, scaled.Box.Height)
	return nil
}

// keepFrame retains a copy of the latest frame for the video stream.
func (a *App) keepFrame(frame *gocv.Mat) {
	clone := frame.Clone()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hasFrame {
		a.frame.Close()
	}
	a.frame = clone
	a.hasFrame = true
}

// observeMood reports a change of the top expression to the store, hooks and
// listeners. Moods below MinMoodScore are ignored.
func (a *App) observeMood(r *run, mood render.Mood, x, y, w, h float64) {
	if !mood.Known() || mood.Score < a.config.MinMoodScore {
		return
	}

	a.mu.Lock()
	prev := a.mood
	if prev.Label == mood.Label {
		a.mood.Score = mood.Score
		a.mu.Unlock()
		return
	}
	a.mood = mood
	listeners := append([]func(render.Mood){}, a.listeners...)
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"session":  r.id,
		"mood":     mood.Label,
		"previous": prev.Label,
		"score":    mood.Score,
	}).Info("mood changed")

	if a.config.Store != nil {
		err := a.config.Store.Moods().Add(&store.MoodEvent{
			SessionID: r.id,
			Label:     mood.Label,
			Score:     mood.Score,
			X:         x,
			Y:         y,
			Width:     w,
			Height:    h,
		})
		if err != nil {
			a.log.WithError(err).Warn("failed to record mood event")
		}
	}

	if a.config.Hooks != nil {
		a.config.Hooks.Notify(hook.Request{
			Event:     hook.EventMoodChanged,
			SessionID: r.id,
			Mood:      mood.Label,
			Previous:  prev.Label,
			Score:     mood.Score,
			Emoji:     mood.Emoji,
			Box:       &hook.Box{X: x, Y: y, Width: w, Height: h},
			Timestamp: a.now().UnixMilli(),
		})
	}

	for _, fn := range listeners {
		fn(mood)
	}
}

// recordHookRun stores the outcome of a hook run.
func (a *App) recordHookRun(res hook.Result) {
	run := &store.HookRun{
		ID:         uuid.NewString(),
		SessionID:  res.Request.SessionID,
		HookName:   res.Hook,
		Mood:       res.Request.Mood,
		Success:    res.Err == nil,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		run.Message = res.Err.Error()
	}
	if err := a.config.Store.HookRuns().Create(run); err != nil {
		a.log.WithError(err).WithField("hook", res.Hook).Warn("failed to record hook run")
	}
}
