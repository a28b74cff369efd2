package agent

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEnvelope_BinaryRoundTrip(t *testing.T) {
	t.Parallel()

	in := Envelope{Type: MsgAudio, Payload: []byte{0x00, 0x7f, 0xff, 0x80}}
	frame, err := in.EncodeBinary()
	if err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}

	out, err := DecodeBinary(frame)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if out.Type != MsgAudio {
		t.Errorf("type = %q, want %q", out.Type, MsgAudio)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("payload = %v, want %v", out.Payload, in.Payload)
	}
}

func TestEnvelope_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Envelope{
		{Type: MsgText, Payload: []byte("hello there")},
		{Type: MsgAudio, Payload: []byte{0x01, 0x02, 0xfe, 0xff}},
		{Type: MsgTurnComplete},
		{Type: MsgInterrupted},
		{Type: MsgError, Payload: []byte("quota exceeded")},
	}

	for _, in := range cases {
		in := in
		t.Run(string(in.Type), func(t *testing.T) {
			t.Parallel()

			frame, err := in.EncodeJSON()
			if err != nil {
				t.Fatalf("EncodeJSON: %v", err)
			}
			out, err := DecodeJSON(frame)
			if err != nil {
				t.Fatalf("DecodeJSON: %v", err)
			}
			if out.Type != in.Type {
				t.Errorf("type = %q, want %q", out.Type, in.Type)
			}
			if !bytes.Equal(out.Payload, in.Payload) {
				t.Errorf("payload = %v, want %v", out.Payload, in.Payload)
			}
		})
	}
}

func TestEnvelope_JSONAudioIsBase64(t *testing.T) {
	t.Parallel()

	// Raw audio bytes must never appear verbatim inside a text frame.
	frame, err := Envelope{Type: MsgAudio, Payload: []byte{0xff, 0xfe, 0x00}}.EncodeJSON()
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}
	var je struct {
		Type    string `json:"type"`
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(frame, &je); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if je.Payload != "//4A" {
		t.Errorf("payload = %q, want base64 %q", je.Payload, "//4A")
	}
}

func TestDecodeBinary_Malformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"short header", []byte{tagAudio, 0, 0}},
		{"unknown tag", []byte{0x7e, 0, 0, 0, 0}},
		{"length mismatch", []byte{tagAudio, 0, 0, 0, 9, 1, 2}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecodeBinary(tc.frame); err == nil {
				t.Error("DecodeBinary succeeded, want error")
			}
		})
	}
}

func TestDecodeJSON_Malformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		frame string
	}{
		{"not json", "not json"},
		{"unknown type", `{"type":"dance"}`},
		{"bad base64 audio", `{"type":"audio","payload":"!!!"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecodeJSON([]byte(tc.frame)); err == nil {
				t.Error("DecodeJSON succeeded, want error")
			}
		})
	}
}
