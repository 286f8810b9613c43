package render

import (
	"fmt"

	"github.com/ayusman/moodlens/internal/detector"
)

// DefaultEmoji is shown when no expression is known.
const DefaultEmoji = "😐"

var moodEmoji = map[string]string{
	detector.Neutral:   "😐",
	detector.Happy:     "😄",
	detector.Sad:       "😢",
	detector.Angry:     "😠",
	detector.Fearful:   "😨",
	detector.Disgusted: "🤢",
	detector.Surprised: "😮",
}

// Mood is the top expression of a face with its display emoji.
type Mood struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Emoji string  `json:"emoji"`
}

// MoodOf returns the top expression of e. The zero Mood (with the default
// emoji) is returned for an empty map.
func MoodOf(e detector.Expressions) Mood {
	label, score, ok := e.Top()
	if !ok {
		return Mood{Emoji: DefaultEmoji}
	}
	emoji, ok := moodEmoji[label]
	if !ok {
		emoji = DefaultEmoji
	}
	return Mood{Label: label, Score: score, Emoji: emoji}
}

// Known reports whether a label is set.
func (m Mood) Known() bool {
	return m.Label != ""
}

// Text renders the status line shown next to the video.
func (m Mood) Text() string {
	if !m.Known() {
		return "You look ...!"
	}
	return fmt.Sprintf("You look %s!", m.Label)
}
