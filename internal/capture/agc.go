package capture

import "github.com/voicewire/voicewire/pkg/audio"

// AGC tuning. Quiet input adapts faster than loud input so an under-driven
// microphone is brought up quickly without audible pumping on normal speech.
const (
	agcTarget     = 0.5 // mid-scale peak target
	agcQuietAdapt = 0.3
	agcLoudAdapt  = 0.08
	agcFloor      = 1e-4 // peaks below this are treated as silence
)

// autoGain tracks per-block peak amplitude and applies a smoothed gain ramp
// toward the target level. It is driven exclusively from the pipeline's run
// loop and needs no locking.
type autoGain struct {
	enabled bool
	gain    float64
	minGain float64
	maxGain float64
}

func newAutoGain(enabled bool, initial, min, max float64) *autoGain {
	if initial <= 0 {
		initial = 1
	}
	if min <= 0 {
		min = 0.25
	}
	if max <= 0 {
		max = 8
	}
	return &autoGain{enabled: enabled, gain: initial, minGain: min, maxGain: max}
}

// apply returns the block with the current gain applied as a linear ramp from
// the previous gain to the newly adapted one. The input slice is not mutated.
func (a *autoGain) apply(block []float32) []float32 {
	if !a.enabled || len(block) == 0 {
		return block
	}

	prev := a.gain
	if peak := float64(audio.Peak(block)); peak > agcFloor {
		desired := agcTarget / peak
		if desired > a.maxGain {
			desired = a.maxGain
		} else if desired < a.minGain {
			desired = a.minGain
		}

		alpha := agcLoudAdapt
		if peak < agcTarget {
			alpha = agcQuietAdapt
		}
		a.gain += alpha * (desired - a.gain)
	}

	// Ramp rather than jump so gain changes are inaudible.
	out := make([]float32, len(block))
	n := float64(len(block))
	for i, x := range block {
		g := prev + (a.gain-prev)*float64(i+1)/n
		out[i] = x * float32(g)
	}
	return out
}
