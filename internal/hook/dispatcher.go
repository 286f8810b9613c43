package hook

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Result is the outcome of one hook run.
type Result struct {
	Hook     string
	Request  Request
	Response *Response
	Err      error
	Duration time.Duration
}

// Dispatcher runs matching hooks in the background, throttled per hook.
// Runs outlive the caller that triggered them and are bounded only by the
// executor timeout and Close.
type Dispatcher struct {
	ctx      context.Context
	cancel   context.CancelFunc
	manager  *Manager
	executor *Executor
	log      logrus.FieldLogger

	limit    rate.Limit
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	onResult func(Result)

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher allowing each hook at most one run per
// interval. A zero interval disables throttling.
func NewDispatcher(m *Manager, e *Executor, interval time.Duration, log logrus.FieldLogger) *Dispatcher {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		ctx:      ctx,
		cancel:   cancel,
		manager:  m,
		executor: e,
		log:      log.WithField("component", "hooks"),
		limit:    limit,
		limiters: make(map[string]*rate.Limiter),
	}
}

// OnResult registers a callback invoked after each run.
func (d *Dispatcher) OnResult(fn func(Result)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onResult = fn
}

func (d *Dispatcher) limiterFor(name string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.limiters[name]
	if !ok {
		l = rate.NewLimiter(d.limit, 1)
		d.limiters[name] = l
	}
	return l
}

// Notify starts every hook subscribed to req.Mood and returns how many were
// started. Throttled hooks are skipped.
func (d *Dispatcher) Notify(req Request) int {
	if req.Event == "" {
		req.Event = EventMoodChanged
	}

	started := 0
	for _, h := range d.manager.ForMood(req.Mood) {
		if !d.limiterFor(h.Manifest.Name).Allow() {
			d.log.WithFields(logrus.Fields{"hook": h.Manifest.Name, "mood": req.Mood}).Debug("hook throttled")
			continue
		}

		started++
		d.wg.Add(1)
		go d.run(h, req)
	}
	return started
}

func (d *Dispatcher) run(h *Hook, req Request) {
	defer d.wg.Done()

	start := time.Now()
	resp, err := d.executor.Execute(d.ctx, h, req)
	if err == nil && !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "hook reported failure"
		}
		err = errors.New(msg)
	}

	res := Result{
		Hook:     h.Manifest.Name,
		Request:  req,
		Response: resp,
		Err:      err,
		Duration: time.Since(start),
	}

	fields := logrus.Fields{"hook": res.Hook, "mood": req.Mood, "duration": res.Duration}
	if err != nil {
		d.log.WithFields(fields).WithError(err).Warn("hook failed")
	} else {
		d.log.WithFields(fields).Debug("hook ran")
	}

	d.mu.Lock()
	fn := d.onResult
	d.mu.Unlock()
	if fn != nil {
		fn(res)
	}
}

// Wait blocks until every started hook has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close kills running hooks and waits for them to return.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
