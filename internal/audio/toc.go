package audio

import "time"

// Frame durations by TOC configuration (RFC 6716 §3.1).
var (
	silkDurations = [4]time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond}
	celtDurations = [4]time.Duration{2500 * time.Microsecond, 5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}
)

// frameDuration returns the duration of one Opus frame for a TOC byte.
func frameDuration(toc byte) time.Duration {
	config := toc >> 3
	switch {
	case config < 12:
		return silkDurations[config%4]
	case config < 16:
		// hybrid
		if config%2 == 0 {
			return 10 * time.Millisecond
		}
		return 20 * time.Millisecond
	default:
		return celtDurations[config%4]
	}
}

// frameCount returns the number of frames in an Opus packet, or 0 if the
// packet is malformed.
func frameCount(packet []byte) int {
	if len(packet) == 0 {
		return 0
	}
	switch packet[0] & 0x03 {
	case 0:
		return 1
	case 1, 2:
		return 2
	default:
		if len(packet) < 2 {
			return 0
		}
		return int(packet[1] & 0x3F)
	}
}

// PacketDuration is the total audio duration carried by an Opus packet.
func PacketDuration(packet []byte) time.Duration {
	n := frameCount(packet)
	if n == 0 {
		return 0
	}
	return time.Duration(n) * frameDuration(packet[0])
}
