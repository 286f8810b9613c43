// Package app runs the face tracking pipeline: it owns the camera, the
// detector and the tick scheduler, and moves through the states
// Idle, Initializing, Playing, Ticking and Stopped.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/ayusman/moodlens/internal/capture"
	"github.com/ayusman/moodlens/internal/detector"
	"github.com/ayusman/moodlens/internal/hook"
	"github.com/ayusman/moodlens/internal/models"
	"github.com/ayusman/moodlens/internal/render"
	"github.com/ayusman/moodlens/internal/store"
	"github.com/ayusman/moodlens/internal/track"
)

// Scheduler defaults.
const (
	DefaultTickPeriod   = 100 * time.Millisecond
	DefaultDrainTimeout = 2 * time.Second
	DefaultReadyTimeout = 10 * time.Second
)

// Detector kinds accepted by Config.DetectorKind.
const (
	DetectorYuNet   = "yunet"
	DetectorService = "service"
)

// ErrAlreadyRunning is returned by Start when a run is in progress.
var ErrAlreadyRunning = errors.New("pipeline already running")

// State is the pipeline lifecycle state.
type State int32

const (
	Idle State = iota
	Initializing
	Playing
	Ticking
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Playing:
		return "playing"
	case Ticking:
		return "ticking"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds configuration options for the application.
type Config struct {
	Store  *store.Store
	Hooks  *hook.Dispatcher
	Sink   render.Sink
	Logger logrus.FieldLogger

	ModelDir       string
	Models         []models.Spec
	DetectorKind   string
	ServiceScript  string
	DetectorConfig detector.Config

	CameraID  int
	CameraFPS int
	// CameraSize is the capture size requested from the device.
	CameraSize track.Size

	// Display is the render target size. Zero means the camera resolution.
	Display track.Size

	TickPeriod   time.Duration
	Alpha        float64
	StaleAfter   time.Duration
	DrainTimeout time.Duration
	ReadyTimeout time.Duration

	// MinMoodScore is the lowest top-expression score reported as a mood change.
	MinMoodScore float64
}

func (c *Config) applyDefaults() {
	if c.TickPeriod <= 0 {
		c.TickPeriod = DefaultTickPeriod
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = track.DefaultSmoothingFactor
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.CameraFPS <= 0 {
		c.CameraFPS = capture.DefaultFPS
	}
	if c.DetectorKind == "" {
		c.DetectorKind = DetectorYuNet
	}
	if c.Models == nil {
		c.Models = models.DefaultSpecs()
	}
	if c.DetectorConfig == (detector.Config{}) {
		c.DetectorConfig = detector.DefaultConfig()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Stats counts tick outcomes for the current run. Empty ticks found no face
// or had no display area to draw on.
type Stats struct {
	Rendered int64 `json:"rendered"`
	Failed   int64 `json:"failed"`
	Skipped  int64 `json:"skipped"`
	Empty    int64 `json:"empty"`
}

// Status is a snapshot of the pipeline for status surfaces.
type Status struct {
	State      string      `json:"state"`
	Enabled    bool        `json:"enabled"`
	SessionID  string      `json:"session_id,omitempty"`
	Source     track.Size  `json:"source"`
	Display    track.Size  `json:"display"`
	Mood       render.Mood `json:"mood"`
	MoodText   string      `json:"mood_text"`
	Stats      Stats       `json:"stats"`
	LastRender *time.Time  `json:"last_render,omitempty"`
}

// run is the state of one Start..Stop cycle.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc

	// setupCancel aborts Start while it is still initializing; setupDone
	// closes once that Start call has returned.
	setupCancel context.CancelFunc
	setupDone   chan struct{}

	id       string
	source   track.Size
	display  track.Size
	tracker  *track.Tracker
	detector detector.Detector
	models   *models.Set
	owned    bool

	busy     atomic.Bool
	ticks    sync.WaitGroup
	loopDone chan struct{}

	rendered atomic.Int64
	failed   atomic.Int64
	skipped  atomic.Int64
	empty    atomic.Int64
}

func (r *run) stats() Stats {
	return Stats{
		Rendered: r.rendered.Load(),
		Failed:   r.failed.Load(),
		Skipped:  r.skipped.Load(),
		Empty:    r.empty.Load(),
	}
}

// App is the main application that orchestrates detection and rendering.
type App struct {
	config    Config
	log       logrus.FieldLogger
	newTicker TickerFactory
	now       func() time.Time

	mu         sync.RWMutex
	state      State
	enabled    bool
	camera     capture.Camera
	detector   detector.Detector
	run        *run
	pending    *run
	last       Stats
	mood       render.Mood
	lastRender time.Time
	frame      gocv.Mat
	hasFrame   bool
	listeners  []func(render.Mood)
}

// New creates an App in the Idle state with detection enabled.
func New(config Config) *App {
	config.applyDefaults()

	a := &App{
		config:    config,
		log:       config.Logger.WithField("component", "pipeline"),
		newTicker: NewRealTicker,
		now:       time.Now,
		state:     Idle,
		enabled:   true,
		camera: capture.NewCamera(capture.Options{
			DeviceID: config.CameraID,
			Width:    config.CameraSize.Width,
			Height:   config.CameraSize.Height,
			FPS:      config.CameraFPS,
		}),
	}

	if config.Hooks != nil && config.Store != nil {
		config.Hooks.OnResult(a.recordHookRun)
	}

	return a
}

// SetCamera replaces the camera. It takes effect on the next Start.
func (a *App) SetCamera(c capture.Camera) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.camera = c
}

// SetDetector injects a detector, skipping model loading on Start. An
// injected detector is owned by the caller and is not closed by Stop.
func (a *App) SetDetector(d detector.Detector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detector = d
}

// SetTickerFactory replaces the ticker used by subsequent runs.
func (a *App) SetTickerFactory(f TickerFactory) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.newTicker = f
}

// SetEnabled pauses or resumes ticking without stopping the run.
func (a *App) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
}

// IsEnabled returns whether ticks are processed.
func (a *App) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// State returns the lifecycle state.
func (a *App) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Camera returns the camera instance.
func (a *App) Camera() capture.Camera {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.camera
}

// OnMood registers a callback for mood changes.
func (a *App) OnMood(fn func(render.Mood)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Resize changes the display size of the current run. A zero size makes
// ticks no-ops until a non-zero size is set.
func (a *App) Resize(size track.Size) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.run == nil {
		return errors.New("pipeline not running")
	}
	a.run.display = size
	return nil
}

// Stats returns the tick counters of the current or last run.
func (a *App) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.run != nil {
		return a.run.stats()
	}
	return a.last
}

// Status returns a snapshot of the pipeline.
func (a *App) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()

	mood := a.mood
	if mood.Emoji == "" {
		mood.Emoji = render.DefaultEmoji
	}
	s := Status{
		State:    a.state.String(),
		Enabled:  a.enabled,
		Mood:     mood,
		MoodText: mood.Text() + " " + mood.Emoji,
		Stats:    a.last,
	}
	if r := a.run; r != nil {
		s.SessionID = r.id
		s.Source = r.source
		s.Display = r.display
		s.Stats = r.stats()
	}
	if !a.lastRender.IsZero() {
		t := a.lastRender
		s.LastRender = &t
	}
	return s
}

// Frame returns a copy of the most recent camera frame. The caller owns it.
func (a *App) Frame() (gocv.Mat, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.hasFrame {
		return gocv.NewMat(), false
	}
	return a.frame.Clone(), true
}

// Start moves Idle to Ticking: it builds the detector, opens the camera,
// waits for the first frame and starts the ticker. Any setup failure leaves
// the pipeline Stopped with no ticker and is returned once. ctx bounds setup
// only; the run lasts until Stop.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case Initializing, Playing, Ticking:
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	setupCtx, setupCancel := context.WithCancel(ctx)
	defer setupCancel()
	r := &run{
		id:          uuid.NewString(),
		loopDone:    make(chan struct{}),
		setupCancel: setupCancel,
		setupDone:   make(chan struct{}),
	}
	defer close(r.setupDone)

	a.state = Initializing
	a.pending = r
	cam := a.camera
	injected := a.detector
	newTicker := a.newTicker
	a.mood = render.Mood{}
	a.lastRender = time.Time{}
	a.mu.Unlock()

	log := a.log.WithField("session", r.id)

	session := &store.Session{ID: r.id, Detector: a.config.DetectorKind}
	if injected != nil {
		session.Detector = fmt.Sprintf("%T", injected)
	}
	if a.config.Store != nil {
		if err := a.config.Store.Sessions().Create(session); err != nil {
			log.WithError(err).Warn("failed to record session")
		}
	}

	if err := a.setup(setupCtx, r, cam, injected); err != nil {
		a.teardown(r, cam)
		a.mu.Lock()
		stopped := a.pending != r
		if !stopped {
			a.pending = nil
			a.state = Stopped
		}
		a.last = Stats{}
		a.mu.Unlock()

		if stopped {
			log.Info("pipeline stopped during setup")
			a.finishSession(session, store.SessionFinished, Stats{}, nil)
			return context.Canceled
		}
		log.WithError(err).Error("pipeline setup failed")
		a.finishSession(session, store.SessionFailed, Stats{}, err)
		return err
	}

	if a.config.Store != nil {
		err := a.config.Store.Sessions().SetSizes(r.id, r.source.Width, r.source.Height, r.display.Width, r.display.Height)
		if err != nil {
			log.WithError(err).Warn("failed to record session sizes")
		}
	}

	a.mu.Lock()
	if a.pending != r {
		// Stop was called during setup.
		a.last = Stats{}
		a.mu.Unlock()
		r.cancel()
		a.teardown(r, cam)
		log.Info("pipeline stopped during setup")
		a.finishSession(session, store.SessionFinished, Stats{}, nil)
		return context.Canceled
	}
	a.pending = nil
	a.run = r
	a.state = Ticking
	a.mu.Unlock()

	if a.config.StaleAfter == 0 {
		log.Warn("tracker staleness disabled; a face that leaves keeps its last box")
	}

	ticker := newTicker(a.config.TickPeriod)
	go a.loop(r, ticker)

	log.WithFields(logrus.Fields{
		"source":  fmt.Sprintf("%dx%d", r.source.Width, r.source.Height),
		"display": fmt.Sprintf("%dx%d", r.display.Width, r.display.Height),
		"period":  a.config.TickPeriod,
	}).Info("pipeline started")
	return nil
}

// setup runs the Initializing and Playing transitions.
func (a *App) setup(ctx context.Context, r *run, cam capture.Camera, injected detector.Detector) error {
	if injected != nil {
		r.detector = injected
	} else {
		d, set, err := a.buildDetector()
		if err != nil {
			return err
		}
		r.detector, r.models, r.owned = d, set, true
	}

	if err := cam.Open(); err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	cam.SetFPS(a.config.CameraFPS)

	readyCtx, cancel := context.WithTimeout(ctx, a.config.ReadyTimeout)
	defer cancel()
	res, err := capture.WaitReady(readyCtx, cam, 0)
	if err != nil {
		return fmt.Errorf("camera never became ready: %w", err)
	}

	r.source = track.Size{Width: res.X, Height: res.Y}
	r.display = a.config.Display
	if r.display.Empty() {
		r.display = r.source
	}
	r.tracker = track.NewTracker(a.config.Alpha, a.config.StaleAfter)
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == r {
		a.state = Playing
	}
	return nil
}

func (a *App) buildDetector() (detector.Detector, *models.Set, error) {
	switch a.config.DetectorKind {
	case DetectorService:
		d, err := detector.NewServiceDetector(a.config.ServiceScript, a.config.DetectorConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start detection service: %w", err)
		}
		return d, nil, nil
	case DetectorYuNet:
		set, err := models.Load(a.config.ModelDir, a.config.Models, a.log)
		if err != nil {
			return nil, nil, err
		}
		d, err := detector.NewYuNetDetector(set, a.config.DetectorConfig)
		if err != nil {
			set.Close()
			return nil, nil, fmt.Errorf("failed to create detector: %w", err)
		}
		return d, set, nil
	default:
		return nil, nil, fmt.Errorf("unknown detector kind %q", a.config.DetectorKind)
	}
}

// teardown releases what setup acquired. Owned detectors are closed once no
// tick uses them.
func (a *App) teardown(r *run, cam capture.Camera) {
	if err := cam.Close(); err != nil {
		a.log.WithError(err).Warn("error closing camera")
	}

	closeDetector := func() {
		if r.owned && r.detector != nil {
			if err := r.detector.Close(); err != nil {
				a.log.WithError(err).Warn("error closing detector")
			}
		}
		if r.models != nil {
			if err := r.models.Close(); err != nil {
				a.log.WithError(err).Warn("error closing models")
			}
		}
	}

	if !waitTimeout(&r.ticks, a.config.DrainTimeout) {
		a.log.WithField("timeout", a.config.DrainTimeout).Warn("tick still in flight at stop; abandoning it")
		go func() {
			r.ticks.Wait()
			closeDetector()
		}()
		return
	}

	if r.tracker != nil {
		r.tracker.Reset()
	}
	closeDetector()
}

// Stop moves a running pipeline to Stopped: it cancels the ticker, waits up
// to DrainTimeout for the tick in flight, resets the tracker and releases the
// camera and owned detector. A Stop during setup aborts it and returns once
// the interrupted Start has released the camera. Safe to call repeatedly.
func (a *App) Stop() {
	a.mu.Lock()
	r := a.run
	pending := a.pending
	cam := a.camera
	switch a.state {
	case Idle, Stopped:
		a.mu.Unlock()
		return
	}
	a.state = Stopped
	a.run = nil
	a.pending = nil
	a.mu.Unlock()

	if pending != nil {
		// Start is still initializing. It tears down on its own; wait for
		// it so a later Start never shares the camera with it.
		pending.setupCancel()
		<-pending.setupDone
		return
	}
	if r == nil {
		return
	}

	r.cancel()
	<-r.loopDone
	a.teardown(r, cam)

	stats := r.stats()
	a.mu.Lock()
	a.last = stats
	if a.hasFrame {
		a.frame.Close()
		a.hasFrame = false
	}
	a.mu.Unlock()

	a.finishSession(&store.Session{ID: r.id}, store.SessionFinished, stats, nil)

	a.log.WithFields(logrus.Fields{
		"session":  r.id,
		"rendered": stats.Rendered,
		"failed":   stats.Failed,
		"skipped":  stats.Skipped,
	}).Info("pipeline stopped")
}

func (a *App) finishSession(s *store.Session, status store.SessionStatus, stats Stats, cause error) {
	if a.config.Store == nil {
		return
	}
	s.Status = status
	s.Rendered, s.Failed, s.Skipped = stats.Rendered, stats.Failed, stats.Skipped
	if cause != nil {
		s.Error = cause.Error()
	}
	if err := a.config.Store.Sessions().Finish(s); err != nil {
		a.log.WithError(err).WithField("session", s.ID).Warn("failed to finish session")
	}
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
