package audio

import (
	"errors"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrUnsupportedFormat is returned by [Detect] when data is not a recognised
// audio container.
var ErrUnsupportedFormat = errors.New("audio: unsupported audio format")

// Container describes a sniffed audio container.
type Container struct {
	// MIME is the detected media type, e.g. "audio/wav".
	MIME string
	// Extension includes the leading dot, e.g. ".wav".
	Extension string
}

// IsWAV reports whether the container is RIFF/WAVE.
func (c Container) IsWAV() bool { return c.Extension == ".wav" }

// audioVideoTypes are container types that browsers use for audio-only
// recordings even though their MIME top-level type is not audio/.
var audioVideoTypes = map[string]string{
	"video/webm":      ".webm",
	"video/mp4":       ".mp4",
	"application/ogg": ".ogg",
}

// Detect sniffs the container of an uploaded audio payload.
func Detect(data []byte) (Container, error) {
	if len(data) == 0 {
		return Container{}, ErrUnsupportedFormat
	}
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		mime := m.String()
		if i := strings.IndexByte(mime, ';'); i >= 0 {
			mime = mime[:i]
		}
		if strings.HasPrefix(mime, "audio/") {
			return Container{MIME: mime, Extension: m.Extension()}, nil
		}
		if ext, ok := audioVideoTypes[mime]; ok {
			return Container{MIME: mime, Extension: ext}, nil
		}
	}
	return Container{}, ErrUnsupportedFormat
}
