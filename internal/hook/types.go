// Package hook runs user executables when the detected mood changes.
package hook

import (
	stdjson "encoding/json"
	"slices"
)

// EventMoodChanged is the only event sent to hooks.
const EventMoodChanged = "mood_changed"

// Manifest describes a hook's metadata. An empty Moods list subscribes to
// every mood.
type Manifest struct {
	Name        string             `json:"name"`
	Version     string             `json:"version"`
	Description string             `json:"description"`
	Executable  string             `json:"executable"`
	Moods       []string           `json:"moods,omitempty"`
	Config      stdjson.RawMessage `json:"config,omitempty"`
}

// Box is the face rectangle in display pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Request is written to the hook's stdin as JSON.
type Request struct {
	Event     string             `json:"event"`
	SessionID string             `json:"session_id"`
	Mood      string             `json:"mood"`
	Previous  string             `json:"previous,omitempty"`
	Score     float64            `json:"score"`
	Emoji     string             `json:"emoji,omitempty"`
	Box       *Box               `json:"box,omitempty"`
	Timestamp int64              `json:"timestamp"`
	Config    stdjson.RawMessage `json:"config,omitempty"`
}

// Response is read from the hook's stdout.
type Response struct {
	Success bool               `json:"success"`
	Error   string             `json:"error,omitempty"`
	Data    stdjson.RawMessage `json:"data,omitempty"`
}

// Hook is a discovered hook with its manifest and location.
type Hook struct {
	Manifest   Manifest
	Path       string
	Executable string
}

// Matches reports whether the hook subscribes to mood.
func (h *Hook) Matches(mood string) bool {
	return len(h.Manifest.Moods) == 0 || slices.Contains(h.Manifest.Moods, mood)
}
