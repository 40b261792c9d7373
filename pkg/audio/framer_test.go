package audio_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/MrWong99/callrelay/pkg/audio"
)

func TestFramer_KeepsRemainder(t *testing.T) {
	f := audio.NewFramer(240)

	if frames := f.Write(make([]byte, 100)); len(frames) != 0 {
		t.Fatalf("frames after 100 bytes = %d, want 0", len(frames))
	}
	frames := f.Write(bytes.Repeat([]byte{1}, 400))
	if len(frames) != 2 {
		t.Fatalf("frames after 500 bytes = %d, want 2", len(frames))
	}
	for i, fr := range frames {
		if len(fr) != 240 {
			t.Errorf("frame %d len = %d, want 240", i, len(fr))
		}
	}
	if f.Pending() != 20 {
		t.Errorf("Pending = %d, want 20", f.Pending())
	}
}

func TestFramer_PreservesOrder(t *testing.T) {
	f := audio.NewFramer(4)
	var got []byte
	for i := 0; i < 10; i++ {
		for _, fr := range f.Write([]byte{byte(i), byte(i + 100), byte(i + 200)}) {
			got = append(got, fr...)
		}
	}
	var want []byte
	for i := 0; i < 10; i++ {
		want = append(want, byte(i), byte(i+100), byte(i+200))
	}
	want = want[:len(want)-len(want)%4]
	if !bytes.Equal(got, want) {
		t.Errorf("framed stream differs from input")
	}
}

func TestFramer_Reset(t *testing.T) {
	f := audio.NewFramer(8)
	f.Write([]byte{1, 2, 3})
	f.Reset()
	if f.Pending() != 0 {
		t.Errorf("Pending after Reset = %d, want 0", f.Pending())
	}
}

func TestWrapMulawWAV(t *testing.T) {
	data := bytes.Repeat([]byte{0xFF}, 800)
	wav := audio.WrapMulawWAV(data)
	if len(wav) != 44+800 {
		t.Fatalf("len = %d, want %d", len(wav), 844)
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Error("missing RIFF/WAVE/data markers")
	}
	if got := binary.LittleEndian.Uint16(wav[20:22]); got != 7 {
		t.Errorf("format tag = %d, want 7", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 8000 {
		t.Errorf("sample rate = %d, want 8000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != 800 {
		t.Errorf("data size = %d, want 800", got)
	}
}
