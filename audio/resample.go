package audio

import "math"

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation. Output sample i reads source position i*(srcRate/dstRate),
// interpolating between its two neighbours; the output has
// ceil(len(in)*dstRate/srcRate) samples.
func Resample(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	ratio := float64(srcRate) / float64(dstRate)
	n := int(math.Ceil(float64(len(in)) / ratio))
	last := len(in) - 1
	out := make([]float32, n)

	for i := range out {
		pos := float64(i) * ratio
		lo := int(pos)
		if lo > last {
			lo = last
		}
		hi := lo + 1
		if hi > last {
			hi = last
		}
		frac := float32(pos - float64(lo))
		out[i] = in[lo] + (in[hi]-in[lo])*frac
	}
	return out
}

// StreamResampler linearly resamples a continuous stream delivered in
// chunks, carrying the read position and the last sample across calls so
// chunk boundaries add no drift.
type StreamResampler struct {
	ratio float64
	pos   float64 // next output position relative to the current chunk
	prev  float32
}

// NewStreamResampler returns a resampler from srcRate to dstRate
func NewStreamResampler(srcRate, dstRate int) *StreamResampler {
	return &StreamResampler{ratio: float64(srcRate) / float64(dstRate)}
}

// Process resamples the next chunk of the stream
func (r *StreamResampler) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	last := len(in) - 1
	out := make([]float32, 0, int(float64(len(in))/r.ratio)+1)
	for {
		lo := int(math.Floor(r.pos))
		hi := lo + 1
		if hi > last {
			break
		}
		a := r.prev
		if lo >= 0 {
			a = in[lo]
		}
		frac := float32(r.pos - float64(lo))
		out = append(out, a+(in[hi]-a)*frac)
		r.pos += r.ratio
	}
	r.pos -= float64(len(in))
	r.prev = in[last]
	return out
}
