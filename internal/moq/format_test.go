package moq

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestAVC1ToAnnexBSingle(t *testing.T) {
	t.Parallel()
	payload := []byte{0x00, 0x00, 0x00, 0x03, 0x65, 0xAA, 0xBB}
	result, err := AVC1ToAnnexB(payload, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB}
	if !bytes.Equal(result, want) {
		t.Errorf("got %x, want %x", result, want)
	}
}

func TestAVC1ToAnnexBMultiple(t *testing.T) {
	t.Parallel()
	// SPS + PPS + IDR with 2-byte lengths
	payload := []byte{
		0x00, 0x03, 0x67, 0x42, 0xE0,
		0x00, 0x02, 0x68, 0xCE,
		0x00, 0x04, 0x65, 0x88, 0x80, 0x40,
	}
	result, err := AVC1ToAnnexB(payload, 2)
	if err != nil {
		t.Fatal(err)
	}

	// 3 start codes + 3 + 2 + 4 NAL bytes = 21
	if len(result) != 21 {
		t.Fatalf("expected 21 bytes, got %d", len(result))
	}
	if !bytes.Equal(result[7:13], []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xCE}) {
		t.Errorf("PPS mismatch: %x", result[7:13])
	}
}

func TestAVC1ToAnnexBTruncated(t *testing.T) {
	t.Parallel()
	_, err := AVC1ToAnnexB([]byte{0x00, 0x00, 0x00, 0x09, 0x65}, 4)
	if !errors.Is(err, ErrInvalidNALULength) {
		t.Errorf("got %v, want ErrInvalidNALULength", err)
	}
	if _, err := AVC1ToAnnexB([]byte{0x00}, 4); !errors.Is(err, ErrInvalidNALULength) {
		t.Errorf("short length field: got %v", err)
	}
	if _, err := AVC1ToAnnexB(nil, 0); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("zero length size: got %v", err)
	}
}

func TestAnnexBJoin(t *testing.T) {
	t.Parallel()
	got := AnnexB([][]byte{{0x67, 0x42}, {0x68}})
	want := []byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 0, 1, 0x68}
	if !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestParseAVCDecoderConfigRoundTrip(t *testing.T) {
	t.Parallel()
	sps := []byte{0x67, 0x42, 0xE0, 0x1E, 0xAB, 0xCD}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}

	ps, err := ParseAVCDecoderConfig(BuildAVCDecoderConfig(sps, pps))
	if err != nil {
		t.Fatal(err)
	}
	if ps.LengthSize != 4 {
		t.Errorf("LengthSize: got %d, want 4", ps.LengthSize)
	}
	if len(ps.NALUs) != 2 || !bytes.Equal(ps.NALUs[0], sps) || !bytes.Equal(ps.NALUs[1], pps) {
		t.Errorf("NALUs mismatch: %x", ps.NALUs)
	}
}

func TestParseAVCDecoderConfigInvalid(t *testing.T) {
	t.Parallel()
	for _, rec := range [][]byte{
		nil,
		{0x02, 0x42, 0xE0, 0x1E, 0xFF, 0xE1, 0x00},
		{0x01, 0x42, 0xE0, 0x1E, 0xFF, 0xE1, 0x00, 0x10, 0x67},
	} {
		if _, err := ParseAVCDecoderConfig(rec); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%x: got %v, want ErrInvalidConfig", rec, err)
		}
	}
}

func TestParseHEVCDecoderConfig(t *testing.T) {
	t.Parallel()
	vps := []byte{0x40, 0x01, 0x0C}
	sps := []byte{0x42, 0x01, 0x01}
	pps := []byte{0x44, 0x01, 0xC1}

	rec := make([]byte, 23)
	rec[0] = 1
	rec[21] = 0x0F // lengthSizeMinusOne = 3
	rec[22] = 3
	for i, nalu := range [][]byte{vps, sps, pps} {
		rec = append(rec, byte(0x20+i), 0x00, 0x01)
		rec = append(rec, byte(len(nalu)>>8), byte(len(nalu)))
		rec = append(rec, nalu...)
	}

	ps, err := ParseHEVCDecoderConfig(rec)
	if err != nil {
		t.Fatal(err)
	}
	if ps.LengthSize != 4 {
		t.Errorf("LengthSize: got %d, want 4", ps.LengthSize)
	}
	if len(ps.NALUs) != 3 || !bytes.Equal(ps.NALUs[2], pps) {
		t.Errorf("NALUs mismatch: %x", ps.NALUs)
	}

	if _, err := ParseHEVCDecoderConfig(rec[:25]); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("truncated: got %v, want ErrInvalidConfig", err)
	}
}

func TestBuildAVCDecoderConfig(t *testing.T) {
	t.Parallel()
	// SPS with NAL header byte 0x67 (type 7)
	sps := []byte{0x67, 0x42, 0xE0, 0x1E, 0xAB, 0xCD}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}

	config := BuildAVCDecoderConfig(sps, pps)
	if config == nil {
		t.Fatal("expected non-nil config")
	}

	// Verify structure
	if config[0] != 1 {
		t.Errorf("configurationVersion: got %d, want 1", config[0])
	}
	if config[1] != 0x42 {
		t.Errorf("AVCProfileIndication: got 0x%02x, want 0x42", config[1])
	}
	if config[2] != 0xE0 {
		t.Errorf("profile_compatibility: got 0x%02x, want 0xE0", config[2])
	}
	if config[3] != 0x1E {
		t.Errorf("AVCLevelIndication: got 0x%02x, want 0x1E", config[3])
	}
	if config[4] != 0xFF {
		t.Errorf("lengthSizeMinusOne: got 0x%02x, want 0xFF", config[4])
	}
	if config[5] != 0xE1 {
		t.Errorf("numSPS: got 0x%02x, want 0xE1", config[5])
	}

	// SPS length
	spsLen := binary.BigEndian.Uint16(config[6:8])
	if spsLen != uint16(len(sps)) {
		t.Errorf("SPS length: got %d, want %d", spsLen, len(sps))
	}

	// SPS data
	if !bytes.Equal(config[8:8+len(sps)], sps) {
		t.Error("SPS data mismatch")
	}

	// PPS count
	ppsOffset := 8 + len(sps)
	if config[ppsOffset] != 1 {
		t.Errorf("numPPS: got %d, want 1", config[ppsOffset])
	}

	// PPS length
	ppsLen := binary.BigEndian.Uint16(config[ppsOffset+1 : ppsOffset+3])
	if ppsLen != uint16(len(pps)) {
		t.Errorf("PPS length: got %d, want %d", ppsLen, len(pps))
	}

	// PPS data
	if !bytes.Equal(config[ppsOffset+3:ppsOffset+3+len(pps)], pps) {
		t.Error("PPS data mismatch")
	}

	// Total size
	expectedLen := 6 + 2 + len(sps) + 1 + 2 + len(pps)
	if len(config) != expectedLen {
		t.Errorf("total length: got %d, want %d", len(config), expectedLen)
	}
}

func TestBuildAVCDecoderConfigTooShort(t *testing.T) {
	t.Parallel()
	config := BuildAVCDecoderConfig([]byte{0x67, 0x42}, []byte{0x68})
	if config != nil {
		t.Error("expected nil for SPS too short")
	}
}

func TestBuildAVCDecoderConfigNoPPS(t *testing.T) {
	t.Parallel()
	config := BuildAVCDecoderConfig([]byte{0x67, 0x42, 0xE0, 0x1E}, nil)
	if config != nil {
		t.Error("expected nil for empty PPS")
	}
}

func TestSplitAnnexB(t *testing.T) {
	t.Parallel()
	// Leading garbage, then NAL units behind 4-byte and 3-byte start codes.
	data := []byte{
		0xFF,
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCE,
		0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
	}
	got := SplitAnnexB(data)
	want := [][]byte{{0x67, 0x42}, {0x68, 0xCE}, {0x65, 0x88, 0x84}}
	if len(got) != len(want) {
		t.Fatalf("got %d NALUs, want %d: %x", len(got), len(want), got)
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("NALU %d: got %x, want %x", i, got[i], want[i])
		}
	}
}

func TestAVC1RoundTrip(t *testing.T) {
	t.Parallel()
	nalus := [][]byte{{0x65, 0x88}, {0x06, 0x05, 0x01}}
	au := AVC1(nalus)
	if binary.BigEndian.Uint32(au) != 2 {
		t.Errorf("first length: got %d, want 2", binary.BigEndian.Uint32(au))
	}
	annexB, err := AVC1ToAnnexB(au, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(annexB, AnnexB(nalus)) {
		t.Errorf("got %x, want %x", annexB, AnnexB(nalus))
	}
}
