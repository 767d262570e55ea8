// Package audio holds the PCM and container helpers shared by the speech
// providers: a RIFF/WAVE codec, Ogg and WebM Opus decoding, channel and rate
// conversion, and upload sniffing.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// bitsPerSample is the only sample width the codec reads or writes.
const bitsPerSample = 16

// ErrInvalidWAV is returned by [DecodeWAV] for anything that is not a 16-bit
// PCM RIFF/WAVE file.
var ErrInvalidWAV = errors.New("audio: invalid WAV data")

// WAV is a decoded 16-bit PCM WAV file.
type WAV struct {
	SampleRate int
	Channels   int
	// PCM holds little-endian int16 samples, interleaved by channel.
	PCM []byte
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// 44-byte RIFF/WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)
	return buf
}

// DecodeWAV walks the RIFF chunks of data and returns the format and PCM
// payload. The fmt chunk may be any size and may be followed by LIST or other
// chunks before data. A data chunk whose declared size runs past the end of
// the buffer (common for streamed recordings) is truncated to what is present.
func DecodeWAV(data []byte) (*WAV, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		w       WAV
		haveFmt bool
	)
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			bits := binary.LittleEndian.Uint16(data[body+14:])
			// 0xFFFE is WAVE_FORMAT_EXTENSIBLE, which still carries integer PCM here.
			if (format != 1 && format != 0xFFFE) || bits != bitsPerSample {
				return nil, fmt.Errorf("%w: unsupported encoding (format %d, %d bits)", ErrInvalidWAV, format, bits)
			}
			w.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			w.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			end := min(body+size, len(data))
			w.PCM = data[body:end]
			if w.Channels < 1 || w.SampleRate < 1 {
				return nil, fmt.Errorf("%w: bad format %d Hz / %d channels", ErrInvalidWAV, w.SampleRate, w.Channels)
			}
			return &w, nil
		}

		offset = body + size
		if size%2 != 0 {
			offset++
		}
	}
	return nil, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}
