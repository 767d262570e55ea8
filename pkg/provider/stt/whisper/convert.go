package whisper

import (
	"fmt"
	"os"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// whisperSampleRate is the only input rate whisper.cpp accepts.
const whisperSampleRate = 16000

// loadSamples reads and decodes the recording at path and returns the samples
// whisper.cpp expects.
func loadSamples(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: read audio: %w", err)
	}
	w, err := audio.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w: %w", stt.ErrUnsupportedAudio, err)
	}
	return prepareSamples(w)
}

// prepareSamples converts a decoded WAV into the 16 kHz mono float32 samples
// whisper.cpp expects. Resampling is only supported for mono and stereo
// input.
func prepareSamples(w *audio.WAV) ([]float32, error) {
	if w.SampleRate == whisperSampleRate {
		return audio.ToFloat32Mono(w.PCM, w.Channels), nil
	}

	mono := w.PCM
	switch w.Channels {
	case 1:
	case 2:
		mono = audio.StereoToMono(w.PCM)
	default:
		return nil, fmt.Errorf("whisper: %w: cannot resample %d-channel audio", stt.ErrUnsupportedAudio, w.Channels)
	}
	return audio.ToFloat32Mono(audio.ResampleMono16(mono, w.SampleRate, whisperSampleRate), 1), nil
}
