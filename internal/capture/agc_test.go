package capture

import (
	"testing"

	"github.com/voicewire/voicewire/pkg/audio"
)

func constBlock(amplitude float32, n int) []float32 {
	b := make([]float32, n)
	for i := range b {
		b[i] = amplitude
	}
	return b
}

func TestAutoGain_Disabled(t *testing.T) {
	t.Parallel()

	a := newAutoGain(false, 1, 0.25, 8)
	in := constBlock(0.1, 64)
	out := a.apply(in)
	if &out[0] != &in[0] {
		t.Error("disabled AGC should return the input unchanged")
	}
}

func TestAutoGain_BoostsQuietInput(t *testing.T) {
	t.Parallel()

	a := newAutoGain(true, 1, 0.25, 8)

	// Feed a persistently quiet signal; gain should climb toward target/peak.
	var out []float32
	for i := 0; i < 20; i++ {
		out = a.apply(constBlock(0.05, 64))
	}

	if peak := audio.Peak(out); peak < 0.2 {
		t.Errorf("quiet input was not boosted: peak %v", peak)
	}
	if a.gain <= 1 {
		t.Errorf("gain did not increase: %v", a.gain)
	}
}

func TestAutoGain_ReducesLoudInput(t *testing.T) {
	t.Parallel()

	a := newAutoGain(true, 4, 0.25, 8)

	for i := 0; i < 40; i++ {
		a.apply(constBlock(0.9, 64))
	}

	// target/peak ≈ 0.55, so the initial 4x gain must come down.
	if a.gain > 1 {
		t.Errorf("loud input gain did not adapt down: %v", a.gain)
	}
}

func TestAutoGain_RespectsBounds(t *testing.T) {
	t.Parallel()

	a := newAutoGain(true, 1, 0.5, 2)

	for i := 0; i < 100; i++ {
		a.apply(constBlock(0.01, 64)) // would want ~50x gain
	}
	if a.gain > 2 {
		t.Errorf("gain exceeded max: %v", a.gain)
	}

	for i := 0; i < 100; i++ {
		a.apply(constBlock(1.0, 64)) // would want 0.5x target
	}
	if a.gain < 0.5 {
		t.Errorf("gain fell below min: %v", a.gain)
	}
}

func TestAutoGain_SilencePreservesGain(t *testing.T) {
	t.Parallel()

	a := newAutoGain(true, 2, 0.25, 8)
	a.apply(constBlock(0, 64))
	if a.gain != 2 {
		t.Errorf("silence changed gain: %v", a.gain)
	}
}
