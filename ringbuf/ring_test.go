package ringbuf

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func planar(channels, frames int, start float32) [][]float32 {
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
		for i := range out[c] {
			out[c][i] = start + float32(i) + float32(c)*1000
		}
	}
	return out
}

func claim(t *testing.T, b *Buffer) (*Producer, *Consumer) {
	t.Helper()
	p, err := b.Producer()
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	c, err := b.Consumer()
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}
	return p, c
}

func TestCapacityFor(t *testing.T) {
	t.Parallel()

	if got := CapacityFor(48000, 100*time.Millisecond); got != 4800 {
		t.Errorf("48k/100ms: got %d, want 4800", got)
	}
	if got := CapacityFor(44100, 100*time.Millisecond); got != 4410 {
		t.Errorf("44.1k/100ms: got %d, want 4410", got)
	}
	if got := CapacityFor(0, time.Second); got != 1 {
		t.Errorf("zero rate: got %d, want 1", got)
	}
}

func TestRolesClaimedOnce(t *testing.T) {
	t.Parallel()
	b := New(2, 8)
	claim(t, b)

	if _, err := b.Producer(); !errors.Is(err, ErrRoleTaken) {
		t.Errorf("second Producer: got %v, want ErrRoleTaken", err)
	}
	if _, err := b.Consumer(); !errors.Is(err, ErrRoleTaken) {
		t.Errorf("second Consumer: got %v, want ErrRoleTaken", err)
	}
}

func TestReadEmptyReturnsZero(t *testing.T) {
	t.Parallel()
	b := New(2, 8)
	_, c := claim(t, b)

	dst := planar(2, 4, 0)
	if n := c.Read(dst); n != 0 {
		t.Errorf("Read on empty: got %d, want 0", n)
	}
	if s := b.Stats(); s.Underrun != 4 {
		t.Errorf("underrun: got %d, want 4", s.Underrun)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	b := New(2, 8)
	p, c := claim(t, b)

	if n := p.Write(planar(2, 5, 1)); n != 5 {
		t.Fatalf("Write: got %d, want 5", n)
	}
	if b.Len() != 5 {
		t.Errorf("Len: got %d, want 5", b.Len())
	}

	dst := planar(2, 3, 0)
	if n := c.Read(dst); n != 3 {
		t.Fatalf("Read: got %d, want 3", n)
	}
	if dst[0][0] != 1 || dst[0][2] != 3 || dst[1][0] != 1001 {
		t.Errorf("unexpected samples: %v", dst)
	}

	// Wrap around the end of the arena.
	if n := p.Write(planar(2, 6, 100)); n != 6 {
		t.Fatalf("wrapping Write: got %d, want 6", n)
	}
	dst = planar(2, 8, 0)
	if n := c.Read(dst); n != 8 {
		t.Fatalf("wrapping Read: got %d, want 8", n)
	}
	want := []float32{4, 5, 100, 101, 102, 103, 104, 105}
	for i, v := range want {
		if dst[0][i] != v {
			t.Errorf("ch0[%d]: got %v, want %v", i, dst[0][i], v)
		}
	}
}

func TestOverflowTruncatesNewest(t *testing.T) {
	t.Parallel()
	b := New(1, 4)
	p, c := claim(t, b)

	if n := p.Write(planar(1, 3, 1)); n != 3 {
		t.Fatalf("first Write: got %d, want 3", n)
	}
	if n := p.Write(planar(1, 3, 10)); n != 1 {
		t.Fatalf("overflowing Write: got %d, want 1", n)
	}
	if n := p.Write(planar(1, 2, 20)); n != 0 {
		t.Fatalf("full Write: got %d, want 0", n)
	}
	if s := b.Stats(); s.Overflow != 4 {
		t.Errorf("overflow: got %d, want 4", s.Overflow)
	}

	// The oldest frames survive.
	dst := planar(1, 4, 0)
	c.Read(dst)
	want := []float32{1, 2, 3, 10}
	for i, v := range want {
		if dst[0][i] != v {
			t.Errorf("[%d]: got %v, want %v", i, dst[0][i], v)
		}
	}
}

func TestReadClearsExtraChannels(t *testing.T) {
	t.Parallel()
	b := New(2, 8)
	p, c := claim(t, b)

	p.Write(planar(2, 4, 1))
	dst := planar(4, 4, 7)
	if n := c.Read(dst); n != 4 {
		t.Fatalf("Read: got %d, want 4", n)
	}
	if dst[1][0] != 1001 {
		t.Errorf("ch1[0]: got %v, want 1001", dst[1][0])
	}
	for ch := 2; ch < 4; ch++ {
		for i, v := range dst[ch] {
			if v != 0 {
				t.Errorf("ch%d[%d]: got %v, want 0", ch, i, v)
			}
		}
	}
}

func TestWriteInterleaved(t *testing.T) {
	t.Parallel()
	b := New(2, 8)
	p, c := claim(t, b)

	// 6-channel source folds down to the ring's 2 channels.
	src := make([]float32, 0, 12)
	for f := 0; f < 2; f++ {
		for ch := 0; ch < 6; ch++ {
			src = append(src, float32(f*10+ch))
		}
	}
	if n := p.WriteInterleaved(src, 6); n != 2 {
		t.Fatalf("WriteInterleaved: got %d, want 2", n)
	}

	dst := planar(2, 2, 0)
	c.Read(dst)
	if dst[0][0] != 0 || dst[1][0] != 1 || dst[0][1] != 10 || dst[1][1] != 11 {
		t.Errorf("deinterleave mismatch: %v", dst)
	}

	// Mono source fills the second channel with silence.
	p.WriteInterleaved([]float32{7, 8}, 1)
	c.Read(dst)
	if dst[0][0] != 7 || dst[1][0] != 0 {
		t.Errorf("mono fill mismatch: %v", dst)
	}
}

// TestConcurrentNeverReadsAheadOfWrites runs one producer and one consumer
// goroutine and checks that reads never exceed writes and that samples
// arrive in order.
func TestConcurrentNeverReadsAheadOfWrites(t *testing.T) {
	t.Parallel()
	b := New(2, 64)
	p, c := claim(t, b)

	const total = 20000
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		next := 0
		for next < total {
			n := 16
			if total-next < n {
				n = total - next
			}
			chunk := make([][]float32, 2)
			for ch := range chunk {
				chunk[ch] = make([]float32, n)
				for i := range chunk[ch] {
					chunk[ch][i] = float32(next + i)
				}
			}
			// Truncated frames are lost by policy; resend them.
			next += p.Write(chunk)
		}
	}()

	var readErr error
	go func() {
		defer wg.Done()
		expect := 0
		dst := planar(2, 24, 0)
		for expect < total {
			n := c.Read(dst)
			s := b.Stats()
			if s.Read > s.Written {
				readErr = errors.New("read cursor ahead of write cursor")
				return
			}
			for i := 0; i < n; i++ {
				if dst[0][i] != float32(expect) || dst[1][i] != float32(expect) {
					readErr = errors.New("out-of-order sample")
					return
				}
				expect++
			}
		}
	}()

	wg.Wait()
	if readErr != nil {
		t.Fatal(readErr)
	}
	if b.Len() != 0 {
		t.Errorf("Len after drain: got %d, want 0", b.Len())
	}
}
