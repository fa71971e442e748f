package dsp

import (
	"math"
	"math/cmplx"
)

// BandpassOrder is the Butterworth prototype order used by Bandpass.
// A band-pass of order N has 2N poles, realised as N second-order sections.
const BandpassOrder = 4

// Normalized corner frequencies are kept strictly inside (0, 1) so the
// bilinear prewarp never hits tan(pi/2).
const (
	minEdge = 1e-3
	maxEdge = 1 - 1e-3
)

// Section is one biquad stage: (B0 + B1 z^-1 + B2 z^-2) / (1 + A1 z^-1 + A2 z^-2)
type Section struct {
	B0, B1, B2 float64
	A1, A2     float64
}

// ButterBandpass designs a digital Butterworth band-pass filter as cascaded
// second-order sections. low and high are corner frequencies normalized to
// Nyquist and must satisfy 0 < low < high < 1; otherwise nil is returned.
func ButterBandpass(order int, low, high float64) []Section {
	if order < 1 || low <= 0 || high >= 1 || low >= high {
		return nil
	}

	// Prewarp for the bilinear transform (sampling frequency normalized to 2)
	const fs = 2.0
	const fs2 = 2 * fs
	wl := 2 * fs * math.Tan(math.Pi*low/fs)
	wh := 2 * fs * math.Tan(math.Pi*high/fs)
	bw := wh - wl
	wo2 := complex(wl*wh, 0)

	// Analog low-pass prototype poles, shifted to band-pass, then mapped to z.
	// The band-pass has `order` analog zeros at s=0 which map to z=+1, and
	// `order` zeros at infinity which map to z=-1.
	upper := make([]complex128, 0, order)
	den := complex(1, 0)
	for k := 0; k < order; k++ {
		theta := math.Pi * float64(2*k+order+1) / float64(2*order)
		lp := cmplx.Exp(complex(0, theta)) * complex(bw/2, 0)
		d := cmplx.Sqrt(lp*lp - wo2)
		for _, pa := range [2]complex128{lp + d, lp - d} {
			den *= complex(fs2, 0) - pa
			pz := (complex(fs2, 0) + pa) / (complex(fs2, 0) - pa)
			if imag(pz) > 0 {
				upper = append(upper, pz)
			}
		}
	}
	if len(upper) != order {
		return nil
	}

	gain := real(complex(math.Pow(bw, float64(order))*math.Pow(fs2, float64(order)), 0) / den)

	sections := make([]Section, order)
	for i, p := range upper {
		sections[i] = Section{
			B0: 1, B1: 0, B2: -1,
			A1: -2 * real(p),
			A2: real(p)*real(p) + imag(p)*imag(p),
		}
	}
	sections[0].B0 *= gain
	sections[0].B2 *= gain
	return sections
}

// bandpassSections computes clamped corner frequencies and designs the filter.
// It returns nil when the clamped range is empty or inverted.
func bandpassSections(center, bandwidth, sampleRate float64) []Section {
	if sampleRate <= 0 {
		return nil
	}
	nyquist := sampleRate / 2
	low := (center - bandwidth/2) / nyquist
	high := (center + bandwidth/2) / nyquist

	low = math.Max(minEdge, math.Min(low, 0.99))
	high = math.Max(0.01, math.Min(high, maxEdge))
	if low >= high {
		return nil
	}
	return ButterBandpass(BandpassOrder, low, high)
}

// sosFilter runs x through the cascade (direct form II transposed, zero
// initial state) and returns a new slice.
func sosFilter(sections []Section, x []float64) []float64 {
	y := make([]float64, len(x))
	copy(y, x)
	for _, s := range sections {
		var z1, z2 float64
		for i, in := range y {
			out := s.B0*in + z1
			z1 = s.B1*in - s.A1*out + z2
			z2 = s.B2*in - s.A2*out
			y[i] = out
		}
	}
	return y
}

// BandpassReal applies a 4th order Butterworth band-pass around center with the
// given bandwidth. A degenerate range yields an all-zero result.
func BandpassReal(samples []float64, center, bandwidth, sampleRate float64) []float64 {
	sections := bandpassSections(center, bandwidth, sampleRate)
	if sections == nil {
		return make([]float64, len(samples))
	}
	return sosFilter(sections, samples)
}

// Bandpass is BandpassReal for complex samples. The filter has real
// coefficients, so I and Q are filtered independently.
func Bandpass(samples []complex128, center, bandwidth, sampleRate float64) []complex128 {
	out := make([]complex128, len(samples))
	sections := bandpassSections(center, bandwidth, sampleRate)
	if sections == nil {
		return out
	}

	re := make([]float64, len(samples))
	im := make([]float64, len(samples))
	for i, s := range samples {
		re[i], im[i] = real(s), imag(s)
	}
	re = sosFilter(sections, re)
	im = sosFilter(sections, im)
	for i := range out {
		out[i] = complex(re[i], im[i])
	}
	return out
}

// MovingAverage smooths x with a centered boxcar of window samples. Edges
// average over the part of the window that overlaps x, so the output has the
// same length and alignment as the input.
func MovingAverage(x []float64, window int) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	if window <= 1 {
		copy(out, x)
		return out
	}

	prefix := make([]float64, len(x)+1)
	for i, v := range x {
		prefix[i+1] = prefix[i] + v
	}
	half := window / 2
	for i := range x {
		lo := i - half
		hi := lo + window
		if lo < 0 {
			lo = 0
		}
		if hi > len(x) {
			hi = len(x)
		}
		out[i] = (prefix[hi] - prefix[lo]) / float64(hi-lo)
	}
	return out
}
