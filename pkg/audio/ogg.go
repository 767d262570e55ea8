package audio

import (
	"encoding/binary"
	"fmt"
)

// oggPageHeaderSize is the fixed part of an Ogg page header, up to and
// including the segment count.
const oggPageHeaderSize = 27

func decodeOgg(data []byte) (*WAV, error) {
	packets, err := oggPackets(data)
	if err != nil {
		return nil, err
	}
	if len(packets) == 0 {
		return nil, fmt.Errorf("%w: empty Ogg stream", ErrInvalidOpus)
	}
	head, err := parseOpusHead(packets[0])
	if err != nil {
		return nil, err
	}
	audioPackets := packets[1:]
	if len(audioPackets) > 0 && len(audioPackets[0]) >= 8 && string(audioPackets[0][:8]) == "OpusTags" {
		audioPackets = audioPackets[1:]
	}
	return decodeOpus(head, audioPackets)
}

// oggPackets reassembles the packets of the first logical bitstream in data.
// Pages of other streams are skipped. A page cut off at the end of data ends
// the stream, since recordings are often truncated mid-page; the checksum is
// not verified.
func oggPackets(data []byte) ([][]byte, error) {
	var (
		packets [][]byte
		partial []byte
		serial  uint32
	)
	for off := 0; off < len(data); {
		page := data[off:]
		if len(page) < oggPageHeaderSize || string(page[:4]) != "OggS" {
			if off == 0 {
				return nil, fmt.Errorf("%w: missing Ogg capture pattern", ErrInvalidOpus)
			}
			break
		}
		nsegs := int(page[26])
		if len(page) < oggPageHeaderSize+nsegs {
			break
		}
		lacing := page[oggPageHeaderSize : oggPageHeaderSize+nsegs]
		bodySize := 0
		for _, l := range lacing {
			bodySize += int(l)
		}
		body := oggPageHeaderSize + nsegs
		if len(page) < body+bodySize {
			break
		}

		pageSerial := binary.LittleEndian.Uint32(page[14:18])
		if off == 0 {
			serial = pageSerial
		}
		next := off + body + bodySize
		if pageSerial != serial {
			off = next
			continue
		}

		seg := page[body : body+bodySize]
		for _, l := range lacing {
			partial = append(partial, seg[:l]...)
			seg = seg[l:]
			// A lacing value below 255 ends the packet.
			if l < 255 {
				packets = append(packets, partial)
				partial = nil
			}
		}
		off = next
	}
	return packets, nil
}
