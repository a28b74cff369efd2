package codec

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/voicewire/voicewire/pkg/audio"
)

// Opus frame parameters. The codec operates on mono speech at a fixed 20 ms
// frame size; chunk payloads must be a whole number of frames.
const (
	opusChannels    = 1
	opusFrameSizeMs = 20
)

// Opus compresses chunk payloads with the Opus speech codec via gopus.
// Each direction of a session gets its own Opus instance so that encoder and
// decoder state stay consistent across consecutive frames.
type Opus struct {
	sampleRate int
	frameSize  int // samples per 20 ms frame
	enc        *gopus.Encoder
	dec        *gopus.Decoder
}

// NewOpus creates an Opus codec for mono PCM at the given sample rate.
// Supported rates are the Opus-native ones: 8000, 12000, 16000, 24000, 48000.
func NewOpus(sampleRate int) (*Opus, error) {
	enc, err := gopus.NewEncoder(sampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(sampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &Opus{
		sampleRate: sampleRate,
		frameSize:  sampleRate * opusFrameSizeMs / 1000,
		enc:        enc,
		dec:        dec,
	}, nil
}

// Name implements [Codec].
func (o *Opus) Name() string { return "opus" }

// Encode implements [Codec]. The PCM input must be a whole number of 20 ms
// frames; each frame is encoded as a length-prefixed Opus packet so that
// Decode can split the payload without a container format.
func (o *Opus) Encode(pcm []byte) ([]byte, error) {
	samples := audio.BytesToInt16s(pcm)
	if len(samples)%o.frameSize != 0 {
		return nil, fmt.Errorf("codec: opus encode: %d samples is not a whole number of %d-sample frames", len(samples), o.frameSize)
	}

	var out []byte
	for off := 0; off < len(samples); off += o.frameSize {
		packet, err := o.enc.Encode(samples[off:off+o.frameSize], o.frameSize, o.frameSize*2)
		if err != nil {
			return nil, fmt.Errorf("codec: opus encode: %w", err)
		}
		if len(packet) > 0xFFFF {
			return nil, fmt.Errorf("codec: opus encode: packet of %d bytes exceeds length prefix", len(packet))
		}
		out = append(out, byte(len(packet)>>8), byte(len(packet)))
		out = append(out, packet...)
	}
	return out, nil
}

// Decode implements [Codec]. The payload is a sequence of length-prefixed
// Opus packets produced by Encode.
func (o *Opus) Decode(payload []byte) ([]byte, error) {
	var out []byte
	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, fmt.Errorf("codec: opus decode: truncated packet length prefix")
		}
		n := int(payload[0])<<8 | int(payload[1])
		payload = payload[2:]
		if len(payload) < n {
			return nil, fmt.Errorf("codec: opus decode: truncated packet: want %d bytes, have %d", n, len(payload))
		}

		pcm, err := o.dec.Decode(payload[:n], o.frameSize, false)
		if err != nil {
			return nil, fmt.Errorf("codec: opus decode: %w", err)
		}
		out = append(out, audio.Int16sToBytes(pcm)...)
		payload = payload[n:]
	}
	return out, nil
}
