package audio

import "encoding/binary"

const (
	wavFormatPCM   = 1
	wavFormatMulaw = 7
)

// WrapMulawWAV prefixes raw 8 kHz mono mu-law audio with a RIFF/WAVE header
// (format tag 7) so archived call recordings play in ordinary tools.
func WrapMulawWAV(mulaw []byte) []byte {
	return wrapWAV(mulaw, wavFormatMulaw, TelephonySampleRate, 8)
}

// WrapPCMWAV prefixes 16-bit little-endian mono PCM with a RIFF/WAVE header.
func WrapPCMWAV(pcm []byte, sampleRate int) []byte {
	return wrapWAV(pcm, wavFormatPCM, sampleRate, 16)
}

func wrapWAV(data []byte, format uint16, sampleRate, bitsPerSample int) []byte {
	const headerLen = 44
	blockAlign := bitsPerSample / 8
	out := make([]byte, headerLen+len(data))

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(headerLen-8+len(data)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], format)
	binary.LittleEndian.PutUint16(out[22:24], 1)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(bitsPerSample))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(data)))
	copy(out[headerLen:], data)
	return out
}
