package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// Opus always decodes at 48 kHz.
const (
	opusSampleRate = 48000
	// maxOpusFrameSize is 120 ms at 48 kHz, the longest packet Opus allows.
	maxOpusFrameSize = 5760
)

// ErrInvalidOpus is returned by [Decode] for Ogg or WebM payloads whose
// framing or Opus packets cannot be read.
var ErrInvalidOpus = errors.New("audio: invalid Opus stream")

var (
	oggMagic  = []byte("OggS")
	ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
)

// Decode returns the 16-bit PCM content of a WAV, Ogg/Opus, or WebM/Opus
// payload. These are the containers browsers and the console produce. Any
// other container returns [ErrUnsupportedFormat].
func Decode(data []byte) (*WAV, error) {
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")):
		return DecodeWAV(data)
	case bytes.HasPrefix(data, oggMagic):
		return decodeOgg(data)
	case bytes.HasPrefix(data, ebmlMagic):
		return decodeWebM(data)
	}
	return nil, ErrUnsupportedFormat
}

// opusHead is the part of the OpusHead identification header the decoder
// needs.
type opusHead struct {
	channels int
	// preSkip is the number of 48 kHz samples per channel to drop from the
	// start of the decoded stream.
	preSkip int
}

func parseOpusHead(p []byte) (opusHead, error) {
	if len(p) < 19 || string(p[:8]) != "OpusHead" {
		return opusHead{}, fmt.Errorf("%w: missing OpusHead", ErrInvalidOpus)
	}
	h := opusHead{
		channels: int(p[9]),
		preSkip:  int(binary.LittleEndian.Uint16(p[10:12])),
	}
	// Mapping family 0 is mono or stereo; the multichannel families need a
	// multistream decoder.
	if mapping := p[18]; mapping != 0 || h.channels < 1 || h.channels > 2 {
		return opusHead{}, fmt.Errorf("%w: %d-channel Opus (mapping family %d)", ErrUnsupportedFormat, h.channels, mapping)
	}
	return h, nil
}

// decodeOpus decodes packets with one decoder so that inter-frame state is
// kept, then drops the pre-skip samples.
func decodeOpus(head opusHead, packets [][]byte) (*WAV, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, head.channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}

	pcm := make([]byte, 0, len(packets)*960*head.channels*2)
	for i, p := range packets {
		if len(p) == 0 {
			continue
		}
		samples, err := dec.Decode(p, maxOpusFrameSize, false)
		if err != nil {
			return nil, fmt.Errorf("%w: packet %d: %w", ErrInvalidOpus, i, err)
		}
		for _, s := range samples {
			pcm = binary.LittleEndian.AppendUint16(pcm, uint16(s))
		}
	}

	skip := min(head.preSkip*head.channels*2, len(pcm))
	return &WAV{SampleRate: opusSampleRate, Channels: head.channels, PCM: pcm[skip:]}, nil
}
