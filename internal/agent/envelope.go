package agent

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MsgType identifies an envelope's payload kind on the wire.
type MsgType string

const (
	MsgText         MsgType = "text"
	MsgAudio        MsgType = "audio"
	MsgTurnComplete MsgType = "turn_complete"
	MsgInterrupted  MsgType = "interrupted"
	MsgError        MsgType = "error"
)

// Envelope is the vendor-agnostic transport message. Two framings carry it:
//
//   - Binary frames: 1-byte type tag, 4-byte big-endian payload length, then
//     the payload. Used for audio, where base64 inflation matters.
//   - Text frames: JSON {"type": ..., "payload": ...} with audio payloads
//     base64-encoded. Used for everything else.
//
// Inbound, both framings are accepted regardless of payload type, so the peer
// is free to pick whichever its own transport supports.
type Envelope struct {
	Type    MsgType
	Payload []byte
}

// Binary type tags. Wire-stable.
const (
	tagText         = 0x01
	tagAudio        = 0x02
	tagTurnComplete = 0x03
	tagInterrupted  = 0x04
	tagError        = 0x05

	binaryHeaderLen = 5
)

var typeToTag = map[MsgType]byte{
	MsgText:         tagText,
	MsgAudio:        tagAudio,
	MsgTurnComplete: tagTurnComplete,
	MsgInterrupted:  tagInterrupted,
	MsgError:        tagError,
}

var tagToType = map[byte]MsgType{
	tagText:         MsgText,
	tagAudio:        MsgAudio,
	tagTurnComplete: MsgTurnComplete,
	tagInterrupted:  MsgInterrupted,
	tagError:        MsgError,
}

// jsonEnvelope is the text-frame representation.
type jsonEnvelope struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"`
}

// EncodeBinary serialises the envelope into the length-prefixed binary frame.
func (e Envelope) EncodeBinary() ([]byte, error) {
	tag, ok := typeToTag[e.Type]
	if !ok {
		return nil, fmt.Errorf("envelope: unknown type %q", e.Type)
	}
	frame := make([]byte, binaryHeaderLen+len(e.Payload))
	frame[0] = tag
	binary.BigEndian.PutUint32(frame[1:binaryHeaderLen], uint32(len(e.Payload)))
	copy(frame[binaryHeaderLen:], e.Payload)
	return frame, nil
}

// EncodeJSON serialises the envelope into the text frame. Audio payloads are
// base64-encoded; other payloads are carried as UTF-8 strings.
func (e Envelope) EncodeJSON() ([]byte, error) {
	if _, ok := typeToTag[e.Type]; !ok {
		return nil, fmt.Errorf("envelope: unknown type %q", e.Type)
	}
	je := jsonEnvelope{Type: string(e.Type)}
	if e.Type == MsgAudio {
		je.Payload = base64.StdEncoding.EncodeToString(e.Payload)
	} else {
		je.Payload = string(e.Payload)
	}
	data, err := json.Marshal(je)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	return data, nil
}

// DecodeBinary parses a length-prefixed binary frame.
func DecodeBinary(frame []byte) (Envelope, error) {
	if len(frame) < binaryHeaderLen {
		return Envelope{}, fmt.Errorf("envelope: frame too short: %d bytes", len(frame))
	}
	typ, ok := tagToType[frame[0]]
	if !ok {
		return Envelope{}, fmt.Errorf("envelope: unknown type tag 0x%02x", frame[0])
	}
	n := binary.BigEndian.Uint32(frame[1:binaryHeaderLen])
	if int(n) != len(frame)-binaryHeaderLen {
		return Envelope{}, fmt.Errorf("envelope: length mismatch: header %d, body %d",
			n, len(frame)-binaryHeaderLen)
	}
	payload := make([]byte, n)
	copy(payload, frame[binaryHeaderLen:])
	return Envelope{Type: typ, Payload: payload}, nil
}

// DecodeJSON parses a text frame, base64-decoding audio payloads.
func DecodeJSON(data []byte) (Envelope, error) {
	var je jsonEnvelope
	if err := json.Unmarshal(data, &je); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	typ := MsgType(je.Type)
	if _, ok := typeToTag[typ]; !ok {
		return Envelope{}, fmt.Errorf("envelope: unknown type %q", je.Type)
	}
	if typ == MsgAudio {
		payload, err := base64.StdEncoding.DecodeString(je.Payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("envelope: audio payload: %w", err)
		}
		return Envelope{Type: typ, Payload: payload}, nil
	}
	return Envelope{Type: typ, Payload: []byte(je.Payload)}, nil
}
