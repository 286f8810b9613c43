package tray

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ayusman/moodlens/internal/detector"
	"github.com/ayusman/moodlens/internal/render"
)

func TestTray_Defaults(t *testing.T) {
	tr := New()
	assert.True(t, tr.IsEnabled())
	assert.Equal(t, render.DefaultEmoji, tr.Mood().Emoji)
}

func TestTray_ToggleBeforeReady(t *testing.T) {
	tr := New()

	var got []bool
	tr.OnToggle(func(enabled bool) { got = append(got, enabled) })

	tr.handleToggle()
	tr.handleToggle()

	assert.Equal(t, []bool{false, true}, got)
	assert.True(t, tr.IsEnabled())
}

func TestTray_Open(t *testing.T) {
	tr := New()
	opened := 0
	tr.OnOpen(func() { opened++ })

	tr.handleOpen()
	assert.Equal(t, 1, opened)
}

func TestTray_SetMood(t *testing.T) {
	tr := New()

	tr.SetMood(render.MoodOf(detector.Expressions{detector.Happy: 0.8}))
	assert.Equal(t, "happy", tr.Mood().Label)
	assert.Equal(t, "😄 You look happy!", moodTitle(tr.Mood()))

	tr.SetMood(render.Mood{})
	assert.Equal(t, render.DefaultEmoji, tr.Mood().Emoji)
	assert.Equal(t, "😐 You look ...!", moodTitle(tr.Mood()))
}

func TestToggleTitle(t *testing.T) {
	assert.Equal(t, "● Overlay on", toggleTitle(true))
	assert.Equal(t, "○ Overlay off", toggleTitle(false))
}
