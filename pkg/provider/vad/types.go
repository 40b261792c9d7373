package vad

// Result is the classification of a single frame.
type Result struct {
	// Speech reports whether the frame was classified as speech.
	Speech bool

	// Probability is a confidence score in [0, 1]. Engines without a real
	// probability model report a normalised level.
	Probability float64
}
