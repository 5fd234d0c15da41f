package moq

import (
	"encoding/binary"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// AVC1ToAnnexB converts a length-prefixed (AVC1/HVC1) access unit into
// Annex B byte stream format, replacing each lengthSize-byte big-endian
// length with a 4-byte start code.
func AVC1ToAnnexB(payload []byte, lengthSize int) ([]byte, error) {
	if lengthSize < 1 || lengthSize > 4 {
		return nil, ErrInvalidConfig
	}
	out := make([]byte, 0, len(payload)+16)
	for pos := 0; pos < len(payload); {
		if pos+lengthSize > len(payload) {
			return nil, ErrInvalidNALULength
		}
		var n int
		for i := 0; i < lengthSize; i++ {
			n = n<<8 | int(payload[pos+i])
		}
		pos += lengthSize
		if n > len(payload)-pos {
			return nil, ErrInvalidNALULength
		}
		out = append(out, startCode...)
		out = append(out, payload[pos:pos+n]...)
		pos += n
	}
	return out, nil
}

// SplitAnnexB returns the NAL units of an Annex B byte stream without their
// start codes. Both 3-byte and 4-byte start codes are recognized; bytes
// before the first start code are ignored.
func SplitAnnexB(data []byte) [][]byte {
	type span struct{ scStart, dataStart int }

	var starts []span
	n := len(data)
	for i := 0; i+2 < n; {
		if data[i] == 0 && data[i+1] == 0 {
			if i+3 < n && data[i+2] == 0 && data[i+3] == 1 {
				starts = append(starts, span{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				starts = append(starts, span{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	nalus := make([][]byte, 0, len(starts))
	for idx, s := range starts {
		end := n
		if idx+1 < len(starts) {
			end = starts[idx+1].scStart
		}
		if s.dataStart < end {
			nalus = append(nalus, data[s.dataStart:end])
		}
	}
	return nalus
}

// AVC1 joins raw NAL units (without start codes) into one access unit with
// 4-byte big-endian length prefixes.
func AVC1(nalus [][]byte) []byte {
	var total int
	for _, n := range nalus {
		total += 4 + len(n)
	}
	out := make([]byte, 0, total)
	for _, n := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(n)))
		out = append(out, n...)
	}
	return out
}

// AnnexB joins raw NAL units (without start codes) into an Annex B stream.
func AnnexB(nalus [][]byte) []byte {
	var total int
	for _, n := range nalus {
		total += len(startCode) + len(n)
	}
	out := make([]byte, 0, total)
	for _, n := range nalus {
		out = append(out, startCode...)
		out = append(out, n...)
	}
	return out
}

// ParameterSets holds the NAL units and NALU length size carried by a
// decoder configuration record.
type ParameterSets struct {
	LengthSize int
	NALUs      [][]byte // VPS/SPS/PPS in record order, without start codes
}

// ParseAVCDecoderConfig parses an AVCDecoderConfigurationRecord
// (ISO 14496-15 §5.2.4.1.1).
func ParseAVCDecoderConfig(rec []byte) (ParameterSets, error) {
	var ps ParameterSets
	if len(rec) < 7 || rec[0] != 1 {
		return ps, ErrInvalidConfig
	}
	ps.LengthSize = int(rec[4]&0x03) + 1

	pos := 5
	numSPS := int(rec[pos] & 0x1F)
	pos++
	for i := 0; i < numSPS; i++ {
		nalu, next, err := readLengthPrefixed16(rec, pos)
		if err != nil {
			return ps, err
		}
		ps.NALUs = append(ps.NALUs, nalu)
		pos = next
	}

	if pos >= len(rec) {
		return ps, ErrInvalidConfig
	}
	numPPS := int(rec[pos])
	pos++
	for i := 0; i < numPPS; i++ {
		nalu, next, err := readLengthPrefixed16(rec, pos)
		if err != nil {
			return ps, err
		}
		ps.NALUs = append(ps.NALUs, nalu)
		pos = next
	}
	return ps, nil
}

// ParseHEVCDecoderConfig parses an HEVCDecoderConfigurationRecord
// (ISO 14496-15 §8.3.3.1.2).
func ParseHEVCDecoderConfig(rec []byte) (ParameterSets, error) {
	var ps ParameterSets
	if len(rec) < 23 || rec[0] != 1 {
		return ps, ErrInvalidConfig
	}
	ps.LengthSize = int(rec[21]&0x03) + 1

	numArrays := int(rec[22])
	pos := 23
	for i := 0; i < numArrays; i++ {
		if pos+3 > len(rec) {
			return ps, ErrInvalidConfig
		}
		numNalus := int(binary.BigEndian.Uint16(rec[pos+1 : pos+3]))
		pos += 3
		for j := 0; j < numNalus; j++ {
			nalu, next, err := readLengthPrefixed16(rec, pos)
			if err != nil {
				return ps, err
			}
			ps.NALUs = append(ps.NALUs, nalu)
			pos = next
		}
	}
	return ps, nil
}

func readLengthPrefixed16(b []byte, pos int) ([]byte, int, error) {
	if pos+2 > len(b) {
		return nil, 0, ErrInvalidConfig
	}
	n := int(binary.BigEndian.Uint16(b[pos : pos+2]))
	pos += 2
	if pos+n > len(b) {
		return nil, 0, ErrInvalidConfig
	}
	return b[pos : pos+n], pos + n, nil
}

// BuildAVCDecoderConfig builds an AVCDecoderConfigurationRecord
// (ISO 14496-15 §5.2.4.1.1) from raw SPS and PPS NAL data (without
// start codes). The SPS must include the NAL header byte (0x67).
func BuildAVCDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1)      // configurationVersion
	buf = append(buf, sps[1]) // AVCProfileIndication
	buf = append(buf, sps[2]) // profile_compatibility
	buf = append(buf, sps[3]) // AVCLevelIndication
	buf = append(buf, 0xFF)   // lengthSizeMinusOne = 3 | reserved 0xFC
	buf = append(buf, 0xE1)   // numOfSequenceParameterSets = 1 | reserved 0xE0

	// SPS
	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)

	// PPS
	buf = append(buf, 1) // numOfPictureParameterSets
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)

	return buf
}
