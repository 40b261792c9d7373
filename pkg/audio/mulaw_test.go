package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/callrelay/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestMulawToLinear_KnownValues(t *testing.T) {
	tests := []struct {
		in   byte
		want int16
	}{
		{0xFF, 0},
		{0x7F, 0},
		{0x00, -32124},
		{0x80, 32124},
	}
	for _, tt := range tests {
		if got := audio.MulawToLinear(tt.in); got != tt.want {
			t.Errorf("MulawToLinear(%#x) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestLinearToMulaw_Extremes(t *testing.T) {
	if got := audio.LinearToMulaw(0); got != 0xFF {
		t.Errorf("LinearToMulaw(0) = %#x, want 0xff", got)
	}
	if got := audio.LinearToMulaw(32767); got != 0x80 {
		t.Errorf("LinearToMulaw(32767) = %#x, want 0x80", got)
	}
	// -32768 must not overflow when negated.
	if got := audio.LinearToMulaw(-32768); got != 0x00 {
		t.Errorf("LinearToMulaw(-32768) = %#x, want 0x00", got)
	}
}

func TestMulaw_CodeRoundTrip(t *testing.T) {
	// Every code except negative zero survives decode then encode.
	for u := 0; u < 256; u++ {
		if u == 0x7F {
			continue
		}
		got := audio.LinearToMulaw(audio.MulawToLinear(byte(u)))
		if got != byte(u) {
			t.Errorf("code %#x: round trip gave %#x", u, got)
		}
	}
}

func TestMulaw_SampleError(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 100, -100, 1000, -1000, 8000, -8000, 30000})
	back := bytesToSamples(audio.DecodeMulaw(audio.EncodeMulaw(pcm)))
	orig := bytesToSamples(pcm)
	if len(back) != len(orig) {
		t.Fatalf("length mismatch: got %d, want %d", len(back), len(orig))
	}
	for i := range orig {
		mag := abs(int(orig[i]))
		diff := abs(int(orig[i]) - int(back[i]))
		// Quantisation error grows with magnitude; 1/16 plus a small floor covers every segment.
		if limit := mag/16 + 8; diff > limit {
			t.Errorf("sample %d: %d decoded as %d (diff %d > %d)", i, orig[i], back[i], diff, limit)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestDecodeMulaw_Length(t *testing.T) {
	in := make([]byte, 160)
	if got := len(audio.DecodeMulaw(in)); got != 320 {
		t.Errorf("DecodeMulaw len = %d, want 320", got)
	}
	if got := len(audio.EncodeMulaw(make([]byte, 321))); got != 160 {
		t.Errorf("EncodeMulaw len = %d, want 160", got)
	}
}
