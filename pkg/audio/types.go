package audio

import "time"

// Chunk represents a fixed block of encoded audio flowing through the pipeline.
// Chunks are the atomic unit of audio transport — produced by the capture
// conditioner, sent over the session transport, and queued for playback.
type Chunk struct {
	// PCM audio data as little-endian signed 16-bit samples, mono.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for synthesis output).
	SampleRate int

	// Timestamp marks when this chunk was produced, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of int16 samples in the chunk.
func (c Chunk) Samples() int { return len(c.Data) / 2 }

// Duration returns the wall-clock length of the chunk's audio.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Samples()) * time.Second / time.Duration(c.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
