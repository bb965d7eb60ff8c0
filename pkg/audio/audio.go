// Package audio provides the PCM helpers the pipeline needs: duration math,
// float32 ↔ 16-bit conversion, linear resampling, and a minimal WAV codec.
//
// The canonical in-process representation is mono float32 samples in [-1, 1],
// matching what the client delivers over the wire. Conversion to the 16-bit
// forms the inference backends consume happens at the adapter edge.
package audio

import "time"

// Duration converts a sample count at the given rate into wall time.
func Duration(samples int, sampleRate int) time.Duration {
	if sampleRate <= 0 || samples <= 0 {
		return 0
	}
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}

// SamplesFor converts a duration at the given rate into a sample count.
func SamplesFor(d time.Duration, sampleRate int) int {
	if sampleRate <= 0 || d <= 0 {
		return 0
	}
	return int(d.Seconds() * float64(sampleRate))
}

// Clamp bounds a sample to [-1, 1]. Client-side processing occasionally
// overshoots; backends reject out-of-range PCM.
func Clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// Resample converts mono float32 samples from srcRate to dstRate using
// linear interpolation. If the rates match (or either is invalid) the input
// is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// ToPCM16 converts float32 samples to little-endian 16-bit PCM bytes,
// clamping out-of-range values.
func ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(Clamp(s) * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// FromPCM16 converts little-endian 16-bit PCM bytes to float32 samples.
// A trailing odd byte is ignored.
func FromPCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(v) / 32768
	}
	return out
}
