package audio

// resample converts interleaved samples from one rate to another by linear
// interpolation. Each packet is resampled on its own.
func resample(in []float32, channels, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || channels < 1 {
		return in
	}
	frames := len(in) / channels
	if frames == 0 {
		return nil
	}
	outFrames := frames * to / from
	out := make([]float32, outFrames*channels)
	step := float64(from) / float64(to)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := float32(pos - float64(j))
		next := j + 1
		if next >= frames {
			next = frames - 1
		}
		for c := 0; c < channels; c++ {
			a := in[j*channels+c]
			b := in[next*channels+c]
			out[i*channels+c] = a + (b-a)*frac
		}
	}
	return out
}

// upmix spreads a mono signal across channels.
func upmix(mono []float32, channels int) []float32 {
	out := make([]float32, len(mono)*channels)
	for i, v := range mono {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = v
		}
	}
	return out
}
