package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/ayusman/moodlens/internal/capture"
	"github.com/ayusman/moodlens/internal/detector"
	"github.com/ayusman/moodlens/internal/hook"
	"github.com/ayusman/moodlens/internal/render"
	"github.com/ayusman/moodlens/internal/store"
	"github.com/ayusman/moodlens/internal/track"
	"github.com/ayusman/moodlens/testdata"
)

const waitFor = 2 * time.Second

// manualTicker delivers ticks only when fire is called. fire returns once the
// loop has received the tick.
type manualTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (t *manualTicker) C() <-chan time.Time { return t.c }
func (t *manualTicker) Stop()               { t.stopped.Store(true) }

func (t *manualTicker) fire() {
	t.c <- time.Now()
}

type harness struct {
	app      *App
	camera   *capture.MockCamera
	detector *detector.MockDetector
	sink     *render.Recorder
	ticker   *manualTicker
	tickers  atomic.Int32
	logs     *test.Hook
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	frames := testdata.Sequence(2)
	t.Cleanup(func() { testdata.CloseAll(frames) })

	log, logs := test.NewNullLogger()
	h := &harness{
		logs:     logs,
		camera:   capture.NewMockCamera(frames, true),
		detector: detector.NewMockDetector(),
		sink:     render.NewRecorder(),
		ticker:   &manualTicker{c: make(chan time.Time)},
	}

	cfg := Config{
		Sink:         h.sink,
		Logger:       log,
		DrainTimeout: time.Second,
		ReadyTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h.app = New(cfg)
	h.app.SetCamera(h.camera)
	h.app.SetDetector(h.detector)
	h.app.SetTickerFactory(func(time.Duration) Ticker {
		h.tickers.Add(1)
		return h.ticker
	})

	t.Cleanup(h.app.Stop)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.app.Start(context.Background()))
	require.Equal(t, Ticking, h.app.State())
}

// settle waits until no tick is in flight.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.app.mu.RLock()
		r := h.app.run
		h.app.mu.RUnlock()
		return r == nil || !r.busy.Load()
	}, waitFor, time.Millisecond)
}

// fire delivers one tick once the previous tick has finished.
func (h *harness) fire(t *testing.T) {
	t.Helper()
	h.settle(t)
	h.ticker.fire()
}

// awaitDraw waits for the next successful Draw to complete its tick and
// returns the drawn overlay.
func (h *harness) awaitDraw(t *testing.T) render.Overlay {
	t.Helper()
	select {
	case <-h.sink.Drawn():
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for draw")
	}
	h.settle(t)
	draws := h.sink.Draws()
	return draws[len(draws)-1]
}

func face(x, y, w, h float64) detector.Detection {
	return detector.FaceAt(x, y, w, h)
}

func boxOf(o render.Overlay) detector.BoundingBox {
	return *o.Detection.Box
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Idle, "idle"},
		{Initializing, "initializing"},
		{Playing, "playing"},
		{Ticking, "ticking"},
		{Stopped, "stopped"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestApp_StartStop(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, Idle, h.app.State())

	h.start(t)
	assert.True(t, h.camera.IsOpen())

	status := h.app.Status()
	assert.Equal(t, "ticking", status.State)
	assert.Equal(t, track.Size{Width: testdata.Width, Height: testdata.Height}, status.Source)
	assert.Equal(t, status.Source, status.Display, "display defaults to the camera resolution")
	assert.NotEmpty(t, status.SessionID)

	assert.ErrorIs(t, h.app.Start(context.Background()), ErrAlreadyRunning)

	h.app.Stop()
	assert.Equal(t, Stopped, h.app.State())
	assert.False(t, h.camera.IsOpen())
	assert.True(t, h.ticker.stopped.Load())
	assert.False(t, h.detector.Closed(), "injected detector belongs to the caller")

	h.app.Stop()
	assert.Equal(t, Stopped, h.app.State())

	// restart after stop
	h.ticker.stopped.Store(false)
	h.start(t)
	assert.Equal(t, int32(2), h.tickers.Load())
}

func TestApp_ConfiguredDisplaySize(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Display = track.Size{Width: 320, Height: 240}
	})
	h.detector.SetFaces([]detector.Detection{face(100, 100, 40, 60)})
	h.start(t)

	h.fire(t)
	o := h.awaitDraw(t)

	assert.Equal(t, track.Size{Width: 320, Height: 240}, o.Display)
	assert.Equal(t, detector.BoundingBox{X: 50, Y: 50, Width: 20, Height: 30}, boxOf(o))
}

func TestApp_EndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.Enqueue([]detector.Detection{face(0, 0, 10, 10), face(5, 5, 20, 20)}, nil)
	h.detector.Enqueue([]detector.Detection{face(7, 7, 20, 20)}, nil)
	h.start(t)

	h.fire(t)
	first := h.awaitDraw(t)
	assert.Equal(t, detector.BoundingBox{X: 5, Y: 5, Width: 20, Height: 20}, boxOf(first))

	h.fire(t)
	second := h.awaitDraw(t)
	assert.Equal(t, detector.BoundingBox{X: 6, Y: 6, Width: 20, Height: 20}, boxOf(second))

	// landmarks and expressions come from the current detection
	want := face(7, 7, 20, 20)
	if diff := cmp.Diff(want.Landmarks, second.Detection.Landmarks); diff != "" {
		t.Errorf("landmarks mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, detector.Neutral, second.Mood.Label)

	calls := h.sink.Calls()
	require.Len(t, calls, 4)
	for i, op := range []string{"clear", "draw", "clear", "draw"} {
		assert.Equal(t, op, calls[i].Op, "call %d", i)
	}
	assert.Equal(t, int64(2), h.app.Stats().Rendered)
}

func TestApp_DetectorFailureKeepsState(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.Enqueue([]detector.Detection{face(0, 0, 10, 10)}, nil)
	h.detector.Enqueue(nil, errors.New("inference failed"))
	h.detector.Enqueue([]detector.Detection{face(10, 10, 10, 10)}, nil)
	h.start(t)

	h.fire(t)
	h.awaitDraw(t)

	h.fire(t)
	require.Eventually(t, func() bool { return h.app.Stats().Failed == 1 }, waitFor, 5*time.Millisecond)

	h.fire(t)
	o := h.awaitDraw(t)
	assert.Equal(t, detector.BoundingBox{X: 5, Y: 5, Width: 10, Height: 10}, boxOf(o),
		"tick after failure smooths against the state from before it")
	assert.Equal(t, Stats{Rendered: 2, Failed: 1}, h.app.Stats())
}

func TestApp_RenderFailureKeepsState(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.Enqueue([]detector.Detection{face(0, 0, 10, 10)}, nil)
	h.detector.Enqueue([]detector.Detection{face(100, 100, 10, 10)}, nil)
	h.detector.Enqueue([]detector.Detection{face(10, 10, 10, 10)}, nil)
	h.start(t)

	h.fire(t)
	h.awaitDraw(t)

	h.sink.SetDrawError(errors.New("display gone"))
	h.fire(t)
	require.Eventually(t, func() bool { return h.app.Stats().Failed == 1 }, waitFor, 5*time.Millisecond)
	h.sink.SetDrawError(nil)

	h.fire(t)
	o := h.awaitDraw(t)
	assert.Equal(t, detector.BoundingBox{X: 5, Y: 5, Width: 10, Height: 10}, boxOf(o))
}

func TestApp_NoFaceRetainsState(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.Enqueue([]detector.Detection{face(0, 0, 10, 10)}, nil)
	h.detector.Enqueue(nil, nil)
	h.detector.Enqueue([]detector.Detection{{}, {Box: &detector.BoundingBox{Width: -1, Height: 4}}}, nil) // malformed only
	h.detector.Enqueue([]detector.Detection{face(20, 20, 10, 10)}, nil)
	h.start(t)

	h.fire(t)
	h.awaitDraw(t)

	h.fire(t)
	h.fire(t)
	require.Eventually(t, func() bool { return h.app.Stats().Empty == 2 }, waitFor, 5*time.Millisecond)

	h.fire(t)
	o := h.awaitDraw(t)
	assert.Equal(t, detector.BoundingBox{X: 10, Y: 10, Width: 10, Height: 10}, boxOf(o))
	assert.Len(t, h.sink.Draws(), 2, "no-face ticks render nothing")

	var skipped []any
	for _, e := range h.logs.AllEntries() {
		if e.Message == "skipping malformed detection" {
			assert.Equal(t, logrus.WarnLevel, e.Level)
			skipped = append(skipped, e.Data["index"])
		}
	}
	assert.Equal(t, []any{0, 1}, skipped, "one warning per malformed detection")
	assert.Zero(t, h.app.Stats().Failed, "malformed detections are not tick failures")
}

func TestApp_StaleStateStartsFresh(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.StaleAfter = time.Minute
	})
	now := time.Unix(1000, 0)
	var clock atomic.Int64
	clock.Store(now.UnixNano())
	h.app.now = func() time.Time { return time.Unix(0, clock.Load()) }

	h.detector.Enqueue([]detector.Detection{face(0, 0, 10, 10)}, nil)
	h.detector.Enqueue([]detector.Detection{face(20, 20, 10, 10)}, nil)
	h.start(t)

	h.fire(t)
	h.awaitDraw(t)

	clock.Store(now.Add(2 * time.Minute).UnixNano())
	h.fire(t)
	o := h.awaitDraw(t)
	assert.Equal(t, detector.BoundingBox{X: 20, Y: 20, Width: 10, Height: 10}, boxOf(o))
}

func TestApp_ZeroDisplaySize(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.SetFaces([]detector.Detection{face(0, 0, 10, 10)})
	h.start(t)

	require.NoError(t, h.app.Resize(track.Size{Width: 0, Height: 480}))
	h.fire(t)
	require.Eventually(t, func() bool { return h.app.Stats().Empty == 1 }, waitFor, 5*time.Millisecond)
	h.settle(t)

	assert.Empty(t, h.sink.Calls(), "zero display size must not reach the sink")
	assert.True(t, h.app.run.tracker.State().Empty(), "tracker state unchanged")

	require.NoError(t, h.app.Resize(track.Size{Width: 640, Height: 480}))
	h.fire(t)
	h.awaitDraw(t)
}

func TestApp_SlowDetectorSkipsTicks(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.SetFaces([]detector.Detection{face(0, 0, 10, 10)})
	h.detector.Block()
	h.start(t)

	h.fire(t)
	require.Eventually(t, func() bool { return h.detector.Calls() == 1 }, waitFor, 5*time.Millisecond)

	h.ticker.fire()
	h.ticker.fire()
	require.Eventually(t, func() bool { return h.app.Stats().Skipped == 2 }, waitFor, 5*time.Millisecond)

	h.detector.Release()
	h.awaitDraw(t)

	assert.Equal(t, 1, h.detector.Calls(), "overlapping ticks never reach the detector")
	assert.Len(t, h.sink.Draws(), 1)
	assert.Equal(t, int64(1), h.app.Stats().Rendered)
}

// lateDetector ignores cancellation and answers only after its context ends.
type lateDetector struct {
	entered chan struct{}
}

func (d *lateDetector) Detect(ctx context.Context, frame *gocv.Mat) ([]detector.Detection, error) {
	close(d.entered)
	<-ctx.Done()
	return []detector.Detection{face(0, 0, 10, 10)}, nil
}

func (d *lateDetector) Close() error { return nil }

func TestApp_LateResultAfterStop(t *testing.T) {
	h := newHarness(t, nil)
	late := &lateDetector{entered: make(chan struct{})}
	h.app.SetDetector(late)
	h.start(t)

	h.fire(t)
	select {
	case <-late.entered:
	case <-time.After(waitFor):
		t.Fatal("detector never called")
	}

	h.app.Stop()

	assert.Empty(t, h.sink.Calls(), "late result must not render")
	assert.Equal(t, Stats{}, h.app.Stats())
}

type panicDetector struct {
	calls atomic.Int32
}

func (d *panicDetector) Detect(ctx context.Context, frame *gocv.Mat) ([]detector.Detection, error) {
	if d.calls.Add(1) == 1 {
		panic("model exploded")
	}
	return []detector.Detection{face(0, 0, 10, 10)}, nil
}

func (d *panicDetector) Close() error { return nil }

func TestApp_TickPanicRecovered(t *testing.T) {
	h := newHarness(t, nil)
	h.app.SetDetector(&panicDetector{})
	h.start(t)

	h.fire(t)
	require.Eventually(t, func() bool { return h.app.Stats().Failed == 1 }, waitFor, 5*time.Millisecond)

	h.fire(t)
	h.awaitDraw(t)
	assert.Equal(t, Ticking, h.app.State())
}

func TestApp_FrameReadFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.SetFaces([]detector.Detection{face(0, 0, 10, 10)})
	h.start(t)

	h.camera.SetReadError(errors.New("usb unplugged"))
	h.fire(t)
	require.Eventually(t, func() bool { return h.app.Stats().Failed == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, h.detector.Calls())

	h.camera.SetReadError(nil)
	h.fire(t)
	h.awaitDraw(t)
}

func TestApp_Disabled(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.SetFaces([]detector.Detection{face(0, 0, 10, 10)})
	h.start(t)

	h.app.SetEnabled(false)
	h.fire(t)
	h.fire(t)
	assert.Equal(t, 0, h.detector.Calls())
	assert.Equal(t, Ticking, h.app.State())

	h.app.SetEnabled(true)
	h.fire(t)
	h.awaitDraw(t)
}

func TestApp_SetupFailure(t *testing.T) {
	t.Run("camera denied", func(t *testing.T) {
		h := newHarness(t, nil)
		h.camera.SetOpenError(errors.New("permission denied"))

		err := h.app.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission denied")
		assert.Equal(t, Stopped, h.app.State())
		assert.Zero(t, h.tickers.Load(), "no ticker after setup failure")
	})

	t.Run("models missing", func(t *testing.T) {
		h := newHarness(t, func(c *Config) {
			c.ModelDir = t.TempDir()
		})
		h.app.SetDetector(nil)

		err := h.app.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load models")
		assert.Equal(t, Stopped, h.app.State())
		assert.Zero(t, h.tickers.Load())
		assert.False(t, h.camera.IsOpen(), "camera never opened")
	})

	t.Run("camera never ready", func(t *testing.T) {
		h := newHarness(t, func(c *Config) {
			c.ReadyTimeout = 50 * time.Millisecond
		})
		h.camera.SetReadError(errors.New("no signal"))

		err := h.app.Start(context.Background())
		require.Error(t, err)
		assert.Equal(t, Stopped, h.app.State())
		assert.False(t, h.camera.IsOpen())
	})
}

func TestApp_StopDuringSetup(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.ReadyTimeout = time.Minute
	})
	h.camera.SetWarmup(1 << 30)

	first := make(chan error, 1)
	go func() { first <- h.app.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.app.State() == Initializing && h.camera.Reads() > 0
	}, waitFor, time.Millisecond)

	h.app.Stop()
	assert.Equal(t, Stopped, h.app.State())
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("interrupted Start never returned")
	}
	assert.False(t, h.camera.IsOpen())
	assert.Zero(t, h.tickers.Load(), "no ticker for the interrupted start")

	h.camera.SetWarmup(0)
	h.detector.SetFaces([]detector.Detection{face(0, 0, 10, 10)})
	h.start(t)
	assert.True(t, h.camera.IsOpen())
	assert.Equal(t, int32(1), h.tickers.Load(), "exactly one run ticking")

	h.fire(t)
	h.awaitDraw(t)
	assert.Zero(t, h.app.Stats().Failed)
}

func TestApp_SessionsAndMoods(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	h := newHarness(t, func(c *Config) {
		c.Store = st
		c.MinMoodScore = 0.5
	})

	var moods []string
	h.app.OnMood(func(m render.Mood) { moods = append(moods, m.Label) })

	h.detector.Enqueue([]detector.Detection{face(0, 0, 10, 10)}, nil)
	h.detector.Enqueue([]detector.Detection{face(0, 0, 10, 10)}, nil)
	h.detector.Enqueue([]detector.Detection{detector.SmilingFaceAt(0, 0, 10, 10)}, nil)
	h.start(t)
	id := h.app.Status().SessionID

	for i := 0; i < 3; i++ {
		h.fire(t)
		h.awaitDraw(t)
	}
	assert.Equal(t, detector.Happy, h.app.Status().Mood.Label)
	h.app.Stop()

	assert.Equal(t, []string{detector.Neutral, detector.Happy}, moods)

	sess, err := st.Sessions().GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, store.SessionFinished, sess.Status)
	assert.Equal(t, int64(3), sess.Rendered)
	assert.Equal(t, testdata.Width, sess.SourceWidth)
	assert.NotNil(t, sess.EndedAt)

	summary, err := st.Moods().Summary(id)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{detector.Neutral: 1, detector.Happy: 1}, summary)
}

func TestApp_HookOutlivesStop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}

	dir := t.TempDir()
	hookDir := filepath.Join(dir, "chime")
	require.NoError(t, os.MkdirAll(hookDir, 0755))
	manifest, err := json.Marshal(hook.Manifest{Name: "chime", Executable: "run.sh", Moods: []string{detector.Happy}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(hookDir, hook.ManifestFile), manifest, 0644))
	script := "#!/bin/sh\nsleep 0.3\necho '{\"success\":true}'\n"
	require.NoError(t, os.WriteFile(filepath.Join(hookDir, "run.sh"), []byte(script), 0755))

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	log, _ := test.NewNullLogger()
	hooks := hook.NewManager(dir, log)
	require.NoError(t, hooks.Discover())
	dispatcher := hook.NewDispatcher(hooks, hook.NewExecutor(5*time.Second), 0, log)
	defer dispatcher.Close()

	h := newHarness(t, func(c *Config) {
		c.Store = st
		c.Hooks = dispatcher
	})
	h.detector.SetFaces([]detector.Detection{detector.SmilingFaceAt(0, 0, 10, 10)})
	h.start(t)
	id := h.app.Status().SessionID

	h.fire(t)
	h.awaitDraw(t)
	h.app.Stop()
	dispatcher.Wait()

	runs, err := st.HookRuns().GetBySessionID(id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success, "hook fired before Stop ran to completion: %s", runs[0].Message)
	assert.Equal(t, detector.Happy, runs[0].Mood)
}

func TestApp_FailedSessionRecorded(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	h := newHarness(t, func(c *Config) { c.Store = st })
	h.camera.SetOpenError(errors.New("busy"))
	require.Error(t, h.app.Start(context.Background()))

	sessions, err := st.Sessions().List(0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, store.SessionFailed, sessions[0].Status)
	assert.Contains(t, sessions[0].Error, "busy")
}

func TestApp_Frame(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.SetFaces([]detector.Detection{face(0, 0, 10, 10)})

	empty, ok := h.app.Frame()
	empty.Close()
	assert.False(t, ok)

	h.start(t)
	h.fire(t)
	h.awaitDraw(t)

	frame, ok := h.app.Frame()
	require.True(t, ok)
	defer frame.Close()
	assert.Equal(t, testdata.Width, frame.Cols())
}
