package audio

import "math"

// int16 full-scale constants used for float conversion and clamping.
const (
	int16Max = 32767
	int16Min = -32768
)

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// FloatToInt16 converts a normalized float sample to int16 by scaling and
// rounding, clamped to the representable range. Out-of-range input never
// overflows.
func FloatToInt16(x float32) int16 {
	scaled := math.Round(float64(x) * int16Max)
	if scaled > int16Max {
		return int16Max
	}
	if scaled < int16Min {
		return int16Min
	}
	return int16(scaled)
}

// Int16ToFloat converts an int16 PCM sample back to a normalized float in
// [-1.0, 1.0].
func Int16ToFloat(s int16) float32 {
	return float32(s) / int16Max
}

// DecodeFloats converts little-endian int16 PCM bytes to normalized float32
// samples.
func DecodeFloats(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = Int16ToFloat(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	return out
}

// EncodeFloats converts normalized float32 samples to little-endian int16 PCM
// bytes, clamping each sample to the representable range.
func EncodeFloats(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, x := range samples {
		s := FloatToInt16(x)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// RMS computes the root-mean-square energy of a chunk of little-endian int16
// PCM, normalized to [0.0, 1.0]. An empty chunk has zero energy.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / int16Max
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}

// Peak returns the largest absolute sample value in a block of normalized
// floats. Returns 0 for an empty block.
func Peak(samples []float32) float32 {
	var peak float32
	for _, x := range samples {
		if x < 0 {
			x = -x
		}
		if x > peak {
			peak = x
		}
	}
	return peak
}
