// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (a local whisper.cpp
// model or server, OpenAI's transcription API, Deepgram's prerecorded
// endpoint) and exposes a uniform interface: one recorded audio file in, one
// transcript out.
//
// Failures are classified with the sentinel errors below so that callers can
// tell a credential problem from a transport problem or an unreadable file
// without inspecting provider-specific types.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuth is returned when the backend rejects or lacks a credential.
	ErrAuth = errors.New("stt: authentication failed")

	// ErrNetwork is returned for transport failures, timeouts and server-side
	// errors.
	ErrNetwork = errors.New("stt: backend unreachable")

	// ErrUnsupportedAudio is returned when the backend cannot decode the
	// audio container it was given.
	ErrUnsupportedAudio = errors.New("stt: unsupported audio")
)

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe reads the audio file at audioPath and returns the recognised
	// text. No detected speech is reported as "" with a nil error.
	//
	// Errors wrap one of ErrAuth, ErrNetwork or ErrUnsupportedAudio where the
	// failure fits one of those classes.
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// ClassifyStatus maps a non-2xx HTTP status from a transcription service to
// the matching sentinel, wrapped with the provider name and status code.
func ClassifyStatus(provider string, status int) error {
	var sentinel error
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		sentinel = ErrAuth
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		sentinel = ErrUnsupportedAudio
	default:
		sentinel = ErrNetwork
	}
	return fmt.Errorf("%s: server returned HTTP %d: %w", provider, status, sentinel)
}
