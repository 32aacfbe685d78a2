package models

import "unicode/utf8"

// Chat represents a conversation container in the chat system. It provides basic identification and
// labeling capabilities for organizing message threads.
type Chat struct {
	ID    string
	Title string
}

const titleLength = 30

// TitleFrom derives a chat title from the first user message: its first 30 runes, with an ellipsis
// when the message is longer.
func TitleFrom(text string) string {
	if utf8.RuneCountInString(text) <= titleLength {
		return text
	}
	return string([]rune(text)[:titleLength]) + "..."
}

// Settings holds the user preferences that shape generation and rendering.
type Settings struct {
	HideReasoning bool
	SystemPrompt  string
	Temperature   float32
	// Model is the model to request. Empty means the first model the server lists.
	Model string
}

const (
	// DefaultTemperature is the sampling temperature used when none is configured.
	DefaultTemperature float32 = 0.9
	// MaxTemperature is the upper bound accepted for the sampling temperature.
	MaxTemperature float32 = 2
)

// DefaultSettings returns the settings used before the user changes anything.
func DefaultSettings() Settings {
	return Settings{Temperature: DefaultTemperature}
}

// Normalize clamps the temperature into its valid range.
func (s Settings) Normalize() Settings {
	switch {
	case s.Temperature < 0:
		s.Temperature = 0
	case s.Temperature > MaxTemperature:
		s.Temperature = MaxTemperature
	}
	return s
}
