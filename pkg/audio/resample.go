package audio

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// StretchFloats time-stretches a block of float samples by 1/rate using linear
// interpolation: rate 2.0 halves the output length (faster playback), rate 0.5
// doubles it. A rate of exactly 1.0 returns the input unchanged. This is the
// primitive behind rate-adjustable playback.
func StretchFloats(samples []float32, rate float64) []float32 {
	if rate == 1.0 || len(samples) < 2 || rate <= 0 {
		return samples
	}
	dst := int(float64(len(samples)) / rate)
	if dst == 0 {
		return nil
	}

	out := make([]float32, dst)
	for i := 0; i < dst; i++ {
		srcPos := float64(i) * rate
		srcIdx := int(srcPos)
		if srcIdx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(srcPos - float64(srcIdx))
		out[i] = samples[srcIdx]*(1-frac) + samples[srcIdx+1]*frac
	}
	return out
}
