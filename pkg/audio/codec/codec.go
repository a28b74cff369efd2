// Package codec provides the transport codec abstraction for audio chunk
// payloads. A codec compresses outbound chunk data before it enters the
// session envelope and decompresses inbound payloads back to raw PCM.
//
// Two codecs ship with voicewire: [PCM], a zero-cost passthrough, and [Opus]
// (see opus.go), which trades CPU for a large bandwidth reduction on speech.
package codec

// Codec encodes and decodes chunk payloads for transport. Implementations
// need not be safe for concurrent use — the session agent serialises all
// payloads through a single send path and a single receive path, each with
// its own codec instance.
type Codec interface {
	// Name is the stable identifier used in configuration ("pcm", "opus").
	Name() string

	// Encode compresses raw little-endian int16 PCM into a transport payload.
	Encode(pcm []byte) ([]byte, error)

	// Decode expands a transport payload back into raw int16 PCM.
	Decode(payload []byte) ([]byte, error)
}

// PCM is the passthrough codec: payloads are raw PCM bytes, unchanged.
type PCM struct{}

// Name implements [Codec].
func (PCM) Name() string { return "pcm" }

// Encode implements [Codec]. The input is returned unchanged.
func (PCM) Encode(pcm []byte) ([]byte, error) { return pcm, nil }

// Decode implements [Codec]. The payload is returned unchanged.
func (PCM) Decode(payload []byte) ([]byte, error) { return payload, nil }
