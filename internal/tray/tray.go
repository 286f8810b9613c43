// Package tray provides a system tray menu showing the current mood and
// toggling the overlay.
package tray

import (
	"sync"

	"github.com/getlantern/systray"

	"github.com/ayusman/moodlens/internal/render"
)

// Tray represents the system tray application.
type Tray struct {
	onToggle func(enabled bool)
	onOpen   func()
	onQuit   func()
	enabled  bool
	mood     render.Mood
	mu       sync.RWMutex

	// Menu items stored for later updates
	menuToggle *systray.MenuItem
	menuMood   *systray.MenuItem
}

// New creates a new Tray instance with enabled state set to true by default.
func New() *Tray {
	return &Tray{
		enabled: true,
		mood:    render.Mood{Emoji: render.DefaultEmoji},
	}
}

// OnToggle sets the callback function to be called when the enabled state is toggled.
func (t *Tray) OnToggle(fn func(enabled bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnOpen sets the callback function to be called when the overlay page is requested.
func (t *Tray) OnOpen(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpen = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until Quit is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit closes the tray and unblocks Run.
func (t *Tray) Quit() {
	systray.Quit()
}

func (t *Tray) onReady() {
	t.mu.Lock()
	systray.SetTitle(t.mood.Emoji)
	systray.SetTooltip("MoodLens")

	t.menuToggle = systray.AddMenuItem(toggleTitle(t.enabled), "Toggle the face overlay")
	systray.AddSeparator()

	t.menuMood = systray.AddMenuItem(moodTitle(t.mood), "Current mood")
	t.menuMood.Disable()
	systray.AddSeparator()
	t.mu.Unlock()

	menuOpen := systray.AddMenuItem("Open Overlay...", "Open the overlay in a browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit MoodLens")

	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-menuOpen.ClickedCh:
				t.handleOpen()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {}

// handleToggle handles the toggle menu item click.
func (t *Tray) handleToggle() {
	t.mu.Lock()
	t.enabled = !t.enabled
	enabled := t.enabled
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(enabled))
	}
	callback := t.onToggle
	t.mu.Unlock()

	// Call the callback outside the lock to prevent deadlocks
	if callback != nil {
		callback(enabled)
	}
}

func (t *Tray) handleOpen() {
	t.mu.RLock()
	callback := t.onOpen
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// SetMood updates the tray title and mood item. It is safe to call before
// the tray is ready.
func (t *Tray) SetMood(m render.Mood) {
	if m.Emoji == "" {
		m.Emoji = render.DefaultEmoji
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.mood = m
	if t.menuMood != nil {
		systray.SetTitle(m.Emoji)
		t.menuMood.SetTitle(moodTitle(m))
	}
}

// Mood returns the last mood shown.
func (t *Tray) Mood() render.Mood {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mood
}

// IsEnabled returns the current enabled state.
func (t *Tray) IsEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

func toggleTitle(enabled bool) string {
	if enabled {
		return "● Overlay on"
	}
	return "○ Overlay off"
}

func moodTitle(m render.Mood) string {
	return m.Emoji + " " + m.Text()
}
