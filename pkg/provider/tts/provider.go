// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a synthesis engine (a local Coqui server, ElevenLabs'
// streaming API, etc.) and turns one reply text into one playable audio file.
// The caller decides where the bytes are stored; providers never touch the
// filesystem.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrEmptyText is returned when Synthesize is called with blank text.
var ErrEmptyText = errors.New("tts: text must not be empty")

// Container formats produced by providers.
const (
	FormatWAV = "wav"
	FormatMP3 = "mp3"
)

// Audio is a complete synthesised utterance in a playable container.
type Audio struct {
	// Data holds the encoded file contents.
	Data []byte

	// Format is FormatWAV or FormatMP3.
	Format string
}

// Extension returns the file extension for a, including the leading dot.
func (a *Audio) Extension() string {
	if a.Format == "" {
		return "." + FormatWAV
	}
	return "." + a.Format
}

// ContentType returns the MIME type to serve a with.
func (a *Audio) ContentType() string {
	if a.Format == FormatMP3 {
		return "audio/mpeg"
	}
	return "audio/wav"
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text to audio. It returns ErrEmptyText for blank
	// input and propagates context cancellation.
	Synthesize(ctx context.Context, text string) (*Audio, error)
}
