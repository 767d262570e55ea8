package audio

import (
	"fmt"
	"math/bits"
)

// Matroska element ids used to find Opus frames. Ids keep their length
// marker bits, as they appear on the wire.
const (
	mkvSegment      = 0x18538067
	mkvCluster      = 0x1F43B675
	mkvTracks       = 0x1654AE6B
	mkvTrackEntry   = 0xAE
	mkvTrackNumber  = 0xD7
	mkvCodecID      = 0x86
	mkvCodecPrivate = 0x63A2
	mkvAudio        = 0xE1
	mkvChannels     = 0x9F
	mkvBlockGroup   = 0xA0
	mkvBlock        = 0xA1
	mkvSimpleBlock  = 0xA3
)

// webmTrack holds the track fields read from a TrackEntry.
type webmTrack struct {
	number   uint64
	codec    string
	private  []byte
	channels int
}

func decodeWebM(data []byte) (*WAV, error) {
	track, frames, err := webmOpusFrames(data)
	if err != nil {
		return nil, err
	}
	head, err := parseOpusHead(track.private)
	if err != nil {
		// CodecPrivate is optional in WebM; fall back to the Audio element.
		head = opusHead{channels: max(track.channels, 1)}
		if head.channels > 2 {
			return nil, fmt.Errorf("%w: %d-channel Opus", ErrUnsupportedFormat, head.channels)
		}
	}
	return decodeOpus(head, frames)
}

// webmOpusFrames walks the element tree of a WebM file and returns the first
// Opus track with its frames in file order.
//
// The walk is flat: the master elements on the path to tracks and blocks are
// entered by skipping only their header, everything else is skipped whole.
// This also handles the unknown-size Segment and Cluster elements that live
// recorders write. An element cut off at the end of data ends the walk.
func webmOpusFrames(data []byte) (webmTrack, [][]byte, error) {
	var (
		tracks []*webmTrack
		cur    *webmTrack
		blocks [][]byte
	)
	for off := 0; off < len(data); {
		id, n, _, err := readVint(data, off, true)
		if err != nil {
			break
		}
		size, m, unknown, err := readVint(data, off+n, false)
		if err != nil {
			break
		}
		body := off + n + m

		switch id {
		case mkvSegment, mkvCluster, mkvTracks, mkvBlockGroup, mkvAudio:
			off = body
			continue
		case mkvTrackEntry:
			cur = &webmTrack{}
			tracks = append(tracks, cur)
			off = body
			continue
		}
		if unknown {
			return webmTrack{}, nil, fmt.Errorf("%w: element 0x%X has unknown size", ErrInvalidOpus, id)
		}
		if size > uint64(len(data)-body) {
			break
		}
		end := body + int(size)
		payload := data[body:end]

		switch {
		case id == mkvSimpleBlock || id == mkvBlock:
			blocks = append(blocks, payload)
		case cur == nil:
		case id == mkvTrackNumber:
			cur.number = readUint(payload)
		case id == mkvCodecID:
			cur.codec = string(payload)
		case id == mkvCodecPrivate:
			cur.private = payload
		case id == mkvChannels:
			cur.channels = int(readUint(payload))
		}
		off = end
	}

	var track *webmTrack
	for _, t := range tracks {
		if t.codec == "A_OPUS" {
			track = t
			break
		}
	}
	if track == nil {
		return webmTrack{}, nil, fmt.Errorf("%w: no Opus track in WebM", ErrUnsupportedFormat)
	}

	var frames [][]byte
	for _, b := range blocks {
		num, n, _, err := readVint(b, 0, false)
		if err != nil || len(b) < n+3 {
			return webmTrack{}, nil, fmt.Errorf("%w: short block", ErrInvalidOpus)
		}
		if num != track.number {
			continue
		}
		// Two bytes of relative timecode, then the flags.
		if flags := b[n+2]; flags&0x06 != 0 {
			return webmTrack{}, nil, fmt.Errorf("%w: laced blocks are not supported", ErrInvalidOpus)
		}
		frames = append(frames, b[n+3:])
	}
	return *track, frames, nil
}

// readVint reads an EBML variable-length integer at data[off]. Element ids
// keep their length marker (keepMarker); sizes drop it, and a size with all
// value bits set means unknown.
func readVint(data []byte, off int, keepMarker bool) (val uint64, n int, unknown bool, err error) {
	if off >= len(data) {
		return 0, 0, false, fmt.Errorf("%w: truncated EBML integer", ErrInvalidOpus)
	}
	first := data[off]
	n = bits.LeadingZeros8(first) + 1
	if n > 8 || off+n > len(data) {
		return 0, 0, false, fmt.Errorf("%w: bad EBML integer at %d", ErrInvalidOpus, off)
	}
	val = uint64(first)
	if !keepMarker {
		val &= uint64(0xFF >> n)
	}
	for _, b := range data[off+1 : off+n] {
		val = val<<8 | uint64(b)
	}
	unknown = !keepMarker && val == 1<<(7*n)-1
	return val, n, unknown, nil
}

// readUint decodes a big-endian unsigned EBML payload.
func readUint(p []byte) uint64 {
	var v uint64
	for _, b := range p {
		v = v<<8 | uint64(b)
	}
	return v
}
