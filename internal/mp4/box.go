// Package mp4 builds ISO BMFF sample-entry boxes and extracts the codec
// description box a video decoder needs from them.
package mp4

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/icza/bitio"
)

// Box header size: 32-bit size + 4-byte type.
const headerSize = 8

// Fixed field sizes between the box header and the first child box
// (ISO 14496-12 §12.1.3 and §12.2.3).
const (
	visualEntryFields = 78
	audioEntryFields  = 28
)

// DescriptionBoxes lists the recognized codec description boxes in lookup
// priority order.
var DescriptionBoxes = []string{"avcC", "hvcC", "vpcC", "av1C"}

// ErrNoDescription is returned when a sample entry carries none of the
// DescriptionBoxes.
var ErrNoDescription = errors.New("mp4: no codec description box")

// Box serializes a plain box with the given four-character type.
func Box(typ string, payload []byte) []byte {
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	w.TryWriteBits(uint64(headerSize+len(payload)), 32)
	w.TryWrite(fourCC(typ))
	w.TryWrite(payload)
	if w.TryError == nil {
		w.Close()
	}
	return buf.Bytes()
}

func fourCC(typ string) []byte {
	b := []byte(typ + "    ")
	return b[:4]
}

// VisualSampleEntry builds a VisualSampleEntry box of the given format
// ("avc1", "hvc1", ...) with children appended after the fixed fields.
func VisualSampleEntry(format string, width, height int, children ...[]byte) []byte {
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	// reserved, data_reference_index
	w.TryWrite(make([]byte, 6))
	w.TryWriteBits(1, 16)
	// pre_defined, reserved, pre_defined[3]
	w.TryWrite(make([]byte, 16))
	w.TryWriteBits(uint64(width), 16)
	w.TryWriteBits(uint64(height), 16)
	// 72 dpi horizontal and vertical resolution, reserved, frame_count
	w.TryWriteBits(0x00480000, 32)
	w.TryWriteBits(0x00480000, 32)
	w.TryWriteBits(0, 32)
	w.TryWriteBits(1, 16)
	// compressorname, depth, pre_defined = -1
	w.TryWrite(make([]byte, 32))
	w.TryWriteBits(0x0018, 16)
	w.TryWriteBits(0xFFFF, 16)
	for _, c := range children {
		w.TryWrite(c)
	}
	if w.TryError == nil {
		w.Close()
	}
	return Box(format, buf.Bytes())
}

// AudioSampleEntry builds an AudioSampleEntry box.
func AudioSampleEntry(format string, channels, sampleRate int, children ...[]byte) []byte {
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	// reserved, data_reference_index, reserved
	w.TryWrite(make([]byte, 6))
	w.TryWriteBits(1, 16)
	w.TryWrite(make([]byte, 8))
	// channelcount, samplesize, pre_defined + reserved, samplerate 16.16
	w.TryWriteBits(uint64(channels), 16)
	w.TryWriteBits(16, 16)
	w.TryWriteBits(0, 32)
	w.TryWriteBits(uint64(sampleRate)<<16, 32)
	for _, c := range children {
		w.TryWrite(c)
	}
	if w.TryError == nil {
		w.Close()
	}
	return Box(format, buf.Bytes())
}

// childOffset returns where child boxes begin inside a sample entry of the
// given format.
func childOffset(format string) (int, bool) {
	switch format {
	case "avc1", "avc3", "hvc1", "hev1", "vp08", "vp09", "av01", "encv":
		return headerSize + visualEntryFields, true
	case "mp4a", "Opus", "fLaC", "ac-3", "ec-3", "enca":
		return headerSize + audioEntryFields, true
	}
	return 0, false
}

type boxHeader struct {
	size uint32
	typ  string
}

func readHeader(r *bitio.Reader) (boxHeader, error) {
	size := r.TryReadBits(32)
	var typ [4]byte
	r.TryRead(typ[:])
	if r.TryError != nil {
		return boxHeader{}, r.TryError
	}
	return boxHeader{size: uint32(size), typ: string(typ[:])}, nil
}

// Children returns the child boxes of a sample entry keyed by type, with
// their 8-byte headers stripped.
func Children(entry []byte) (string, map[string][]byte, error) {
	if len(entry) < headerSize {
		return "", nil, fmt.Errorf("mp4: sample entry too short (%d bytes)", len(entry))
	}
	hdr, err := readHeader(bitio.NewReader(bytes.NewReader(entry)))
	if err != nil {
		return "", nil, fmt.Errorf("mp4: read sample entry header: %w", err)
	}
	if int(hdr.size) > len(entry) || hdr.size < headerSize {
		return hdr.typ, nil, fmt.Errorf("mp4: sample entry %q size %d exceeds %d bytes", hdr.typ, hdr.size, len(entry))
	}
	off, ok := childOffset(hdr.typ)
	if !ok {
		return hdr.typ, nil, fmt.Errorf("mp4: unknown sample entry format %q", strings.TrimSpace(hdr.typ))
	}

	children := make(map[string][]byte)
	body := entry[:hdr.size]
	for off+headerSize <= len(body) {
		child, err := readHeader(bitio.NewReader(bytes.NewReader(body[off:])))
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return hdr.typ, nil, err
		}
		end := off + int(child.size)
		if child.size < headerSize || end > len(body) {
			return hdr.typ, nil, fmt.Errorf("mp4: child box %q has invalid size %d", child.typ, child.size)
		}
		if _, dup := children[child.typ]; !dup {
			children[child.typ] = body[off+headerSize : end]
		}
		off = end
	}
	return hdr.typ, children, nil
}

// Description finds the first recognized codec description box in a sample
// entry and returns its payload (the decoder configuration record without
// the box header), along with the box type.
func Description(entry []byte) ([]byte, string, error) {
	_, children, err := Children(entry)
	if err != nil {
		return nil, "", err
	}
	for _, typ := range DescriptionBoxes {
		if payload, ok := children[typ]; ok {
			return payload, typ, nil
		}
	}
	return nil, "", ErrNoDescription
}
