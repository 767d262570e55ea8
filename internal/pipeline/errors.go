package pipeline

import "errors"

// Turn errors. Causes are wrapped with %w, so the provider-level error stays
// matchable alongside the sentinel.
var (
	// ErrAudioRead means the submitted audio could not be persisted or read.
	ErrAudioRead = errors.New("pipeline: cannot read audio")

	// ErrTranscriptionEmpty means the transcription backend heard no speech.
	ErrTranscriptionEmpty = errors.New("pipeline: no speech detected")

	// ErrBackendUnavailable means the transcription or reply backend failed.
	ErrBackendUnavailable = errors.New("pipeline: backend unavailable")

	// ErrMalformedUpload means the input is not a readable audio container.
	ErrMalformedUpload = errors.New("pipeline: malformed audio upload")
)

// Error kinds reported on the wire and as metric outcomes.
const (
	KindTranscriptionEmpty = "transcription_empty"
	KindAudioRead          = "audio_read"
	KindBackendUnavailable = "backend_unavailable"
	KindMalformedUpload    = "malformed_upload"
	KindInternal           = "internal"
)

// Kind maps err to its wire kind. Errors that are not turn errors are
// [KindInternal]; a nil error yields "".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTranscriptionEmpty):
		return KindTranscriptionEmpty
	case errors.Is(err, ErrAudioRead):
		return KindAudioRead
	case errors.Is(err, ErrBackendUnavailable):
		return KindBackendUnavailable
	case errors.Is(err, ErrMalformedUpload):
		return KindMalformedUpload
	default:
		return KindInternal
	}
}
