package audio

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawToLinear expands one G.711 mu-law byte to a 16-bit linear sample.
func MulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int(u & 0x0F)
	sample := ((mantissa << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// LinearToMulaw compresses one 16-bit linear sample to G.711 mu-law.
func LinearToMulaw(s int16) byte {
	v := int(s)
	var sign int
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := 7
	for mask := 0x4000; v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// DecodeMulaw expands mu-law bytes into little-endian 16-bit PCM. The output
// is twice the length of the input.
func DecodeMulaw(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*PCMBytesPerSample)
	for i, u := range mulaw {
		s := MulawToLinear(u)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeMulaw compresses little-endian 16-bit PCM into mu-law bytes. A
// trailing odd byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/PCMBytesPerSample)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = LinearToMulaw(s)
	}
	return out
}
