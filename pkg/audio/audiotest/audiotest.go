// Package audiotest builds encoded audio payloads for tests: Opus packets
// from a generated tone, wrapped in Ogg pages or a WebM file the way browser
// recorders write them.
package audiotest

import (
	"encoding/binary"
	"math"
	"testing"

	"layeh.com/gopus"
)

// Stream parameters of every payload built here.
const (
	SampleRate = 48000
	// FrameSize is the number of samples per channel in each packet (20 ms).
	FrameSize = 960
	// PreSkip is the pre-skip written into the OpusHead.
	PreSkip = 312
)

// OpusPackets encodes frames 20 ms frames of a 440 Hz tone.
func OpusPackets(t testing.TB, channels, frames int) [][]byte {
	t.Helper()
	enc, err := gopus.NewEncoder(SampleRate, channels, gopus.Voip)
	if err != nil {
		t.Fatalf("audiotest: create encoder: %v", err)
	}

	packets := make([][]byte, 0, frames)
	pcm := make([]int16, FrameSize*channels)
	for f := range frames {
		for i := range FrameSize {
			n := f*FrameSize + i
			v := int16(8000 * math.Sin(2*math.Pi*440*float64(n)/SampleRate))
			for c := range channels {
				pcm[i*channels+c] = v
			}
		}
		p, err := enc.Encode(pcm, FrameSize, 4000)
		if err != nil {
			t.Fatalf("audiotest: encode frame %d: %v", f, err)
		}
		packets = append(packets, p)
	}
	return packets
}

// OpusHead returns an OpusHead identification header with mapping family 0.
func OpusHead(channels, preSkip int) []byte {
	h := make([]byte, 19)
	copy(h, "OpusHead")
	h[8] = 1
	h[9] = byte(channels)
	binary.LittleEndian.PutUint16(h[10:], uint16(preSkip))
	binary.LittleEndian.PutUint32(h[12:], SampleRate)
	return h
}

// OggPages lays packets out as Ogg pages of one logical stream with at most
// segsPerPage lacing values per page, so small values force packets to span
// pages. Checksums are left zero.
func OggPages(packets [][]byte, segsPerPage int) []byte {
	type segment struct {
		lace byte
		data []byte
	}
	var segs []segment
	for _, p := range packets {
		rest := p
		for len(rest) >= 255 {
			segs = append(segs, segment{255, rest[:255]})
			rest = rest[255:]
		}
		segs = append(segs, segment{byte(len(rest)), rest})
	}

	var out []byte
	for seq := 0; len(segs) > 0; seq++ {
		n := min(segsPerPage, len(segs))
		page := segs[:n]
		segs = segs[n:]

		hdr := make([]byte, 27, 27+n)
		copy(hdr, "OggS")
		if seq == 0 {
			hdr[5] = 0x02
		}
		binary.LittleEndian.PutUint32(hdr[14:], 1)
		binary.LittleEndian.PutUint32(hdr[18:], uint32(seq))
		hdr[26] = byte(n)
		for _, s := range page {
			hdr = append(hdr, s.lace)
		}
		out = append(out, hdr...)
		for _, s := range page {
			out = append(out, s.data...)
		}
	}
	return out
}

// OggOpus returns an Ogg/Opus file holding frames 20 ms frames of a tone.
func OggOpus(t testing.TB, channels, frames int) []byte {
	t.Helper()
	packets := [][]byte{OpusHead(channels, PreSkip), []byte("OpusTags\x00\x00\x00\x00\x00\x00\x00\x00")}
	packets = append(packets, OpusPackets(t, channels, frames)...)
	return OggPages(packets, 255)
}

// WebMOpus returns a WebM file with one Opus track holding frames 20 ms
// frames of a tone. Segment and Cluster have unknown sizes, as live
// recorders write them.
func WebMOpus(t testing.TB, channels, frames int) []byte {
	t.Helper()
	return WebM(OpusHead(channels, PreSkip), channels, OpusPackets(t, channels, frames), 0)
}

// WebM assembles a WebM file around frames on track 1. head becomes the
// CodecPrivate (omitted when nil) and blockFlags the SimpleBlock flags.
func WebM(head []byte, channels int, frames [][]byte, blockFlags byte) []byte {
	trackEntry := Element([]byte{0xD7}, []byte{1})
	trackEntry = append(trackEntry, Element([]byte{0x86}, []byte("A_OPUS"))...)
	if head != nil {
		trackEntry = append(trackEntry, Element([]byte{0x63, 0xA2}, head)...)
	}
	trackEntry = append(trackEntry, Element([]byte{0xE1}, Element([]byte{0x9F}, []byte{byte(channels)}))...)
	tracks := Element([]byte{0x16, 0x54, 0xAE, 0x6B}, Element([]byte{0xAE}, trackEntry))

	cluster := Element([]byte{0xE7}, []byte{0})
	for i, f := range frames {
		tc := uint16(i * 20)
		block := append([]byte{0x81, byte(tc >> 8), byte(tc), 0x80 | blockFlags}, f...)
		cluster = append(cluster, Element([]byte{0xA3}, block)...)
	}

	out := Element([]byte{0x1A, 0x45, 0xDF, 0xA3}, Element([]byte{0x42, 0x82}, []byte("webm")))
	out = append(out, unknownSize([]byte{0x18, 0x53, 0x80, 0x67})...)
	out = append(out, tracks...)
	out = append(out, unknownSize([]byte{0x1F, 0x43, 0xB6, 0x75})...)
	return append(out, cluster...)
}

// Element encodes one EBML element with an 8-byte size.
func Element(id, payload []byte) []byte {
	out := append([]byte{}, id...)
	size := make([]byte, 8)
	binary.BigEndian.PutUint64(size, uint64(len(payload)))
	size[0] = 0x01
	out = append(out, size...)
	return append(out, payload...)
}

func unknownSize(id []byte) []byte {
	return append(append([]byte{}, id...), 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
}
