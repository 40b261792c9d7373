package audio

// Framer cuts an arbitrary byte stream into fixed-size frames. Bytes that do
// not fill a whole frame are kept until the next Write, so a frame boundary
// is never split.
type Framer struct {
	size int
	rem  []byte
}

// NewFramer returns a Framer emitting frames of exactly size bytes.
// size must be positive.
func NewFramer(size int) *Framer {
	if size <= 0 {
		panic("audio: framer size must be positive")
	}
	return &Framer{size: size}
}

// Size returns the frame size in bytes.
func (f *Framer) Size() int { return f.size }

// Write appends p and returns every complete frame now available. Returned
// frames do not alias p or each other.
func (f *Framer) Write(p []byte) [][]byte {
	f.rem = append(f.rem, p...)
	n := len(f.rem) / f.size
	if n == 0 {
		return nil
	}
	frames := make([][]byte, n)
	for i := range n {
		frames[i] = append([]byte(nil), f.rem[i*f.size:(i+1)*f.size]...)
	}
	f.rem = append(f.rem[:0], f.rem[n*f.size:]...)
	return frames
}

// Pending returns the number of buffered bytes short of a full frame.
func (f *Framer) Pending() int { return len(f.rem) }

// Reset drops any buffered remainder.
func (f *Framer) Reset() { f.rem = f.rem[:0] }
