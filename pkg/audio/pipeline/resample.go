package pipeline

import "math"

// Resampler converts interleaved int16 stereo PCM from one sample rate to
// another by linear interpolation.
//
// Unlike a one-shot conversion, a Resampler keeps its fractional read
// position and the last source frame between calls, so feeding a stream in
// arbitrary chunks yields the same output as feeding it in one piece. Source
// order is preserved.
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	src, dst int

	// acc is the read position in units of 1/dst source frames, relative to
	// the first frame of carry.
	acc   int64
	carry []byte
}

// NewResampler returns a resampler from src Hz to dst Hz.
func NewResampler(src, dst int) *Resampler {
	return &Resampler{src: src, dst: dst}
}

// SourceRate returns the input sample rate.
func (r *Resampler) SourceRate() int { return r.src }

// Reset drops the carried state so the next chunk starts a new stream.
func (r *Resampler) Reset() {
	r.acc = 0
	r.carry = nil
}

// Process resamples one chunk of stereo PCM. Trailing partial frames (fewer
// than 4 bytes) are ignored.
func (r *Resampler) Process(pcm []byte) []byte {
	pcm = pcm[:len(pcm)-len(pcm)%4]
	if r.src == r.dst || r.src <= 0 || r.dst <= 0 {
		return pcm
	}

	buf := pcm
	if len(r.carry) > 0 {
		buf = make([]byte, 0, len(r.carry)+len(pcm))
		buf = append(buf, r.carry...)
		buf = append(buf, pcm...)
	}
	n := int64(len(buf) / 4)
	dst := int64(r.dst)

	// Output frames whose interpolation partner is already available.
	count := int64(0)
	if n >= 2 {
		// largest k with floor((acc + k*src)/dst) + 1 < n, plus one.
		limit := (n-1)*dst - 1 - r.acc
		if limit >= 0 {
			count = limit/int64(r.src) + 1
		}
	}

	out := make([]byte, count*4)
	acc := r.acc
	for i := range count {
		idx := acc / dst
		frac := float64(acc%dst) / float64(dst)

		l0, r0 := frameAt(buf, idx)
		l1, r1 := frameAt(buf, idx+1)
		l := int16(math.Round(float64(l0)*(1-frac) + float64(l1)*frac))
		rr := int16(math.Round(float64(r0)*(1-frac) + float64(r1)*frac))

		o := i * 4
		out[o] = byte(l)
		out[o+1] = byte(l >> 8)
		out[o+2] = byte(rr)
		out[o+3] = byte(rr >> 8)
		acc += int64(r.src)
	}

	consumed := acc / dst
	if consumed > n {
		consumed = n
	}
	r.acc = acc - consumed*dst
	r.carry = append(r.carry[:0:0], buf[consumed*4:]...)
	return out
}

func frameAt(buf []byte, idx int64) (int16, int16) {
	o := idx * 4
	return int16(buf[o]) | int16(buf[o+1])<<8, int16(buf[o+2]) | int16(buf[o+3])<<8
}
