package dsp

import (
	"math"
	"sort"
)

// NegInf is what the dB estimators return when there is nothing to measure.
var NegInf = math.Inf(-1)

// toDB converts a linear power to dB, mapping non-positive power to NegInf
func toDB(power float64) float64 {
	if power <= 0 || math.IsNaN(power) {
		return NegInf
	}
	return 10 * math.Log10(power)
}

// meanPower returns mean(|s|^2) over complex samples
func meanPower(samples []complex128) float64 {
	var sum float64
	for _, s := range samples {
		re, im := real(s), imag(s)
		sum += re*re + im*im
	}
	return sum / float64(len(samples))
}

// meanSquare returns mean(x^2) over real samples
func meanSquare(samples []float64) float64 {
	var sum float64
	for _, x := range samples {
		sum += x * x
	}
	return sum / float64(len(samples))
}

// PowerDB returns 10*log10(mean(|s|^2)).
func PowerDB(samples []complex128) float64 {
	if len(samples) == 0 {
		return NegInf
	}
	return toDB(meanPower(samples))
}

// PowerDBReal is PowerDB for real-valued signals such as a demodulated envelope.
func PowerDBReal(samples []float64) float64 {
	if len(samples) == 0 {
		return NegInf
	}
	return toDB(meanSquare(samples))
}

// RSSIdBm returns 20*log10(rms) + 30. This is relative to the receiver's
// full scale, not an absolutely calibrated level.
func RSSIdBm(samples []complex128) float64 {
	if len(samples) == 0 {
		return NegInf
	}
	rms := math.Sqrt(meanPower(samples))
	if rms <= 0 {
		return NegInf
	}
	return 20*math.Log10(rms) + 30
}

// NoiseFloorDB estimates the noise floor as the given percentile of the
// instantaneous power |s|^2.
func NoiseFloorDB(samples []complex128, percentile float64) float64 {
	if len(samples) == 0 {
		return NegInf
	}
	power := make([]float64, len(samples))
	for i, s := range samples {
		re, im := real(s), imag(s)
		power[i] = re*re + im*im
	}
	sort.Float64s(power)
	return toDB(percentileSorted(power, percentile))
}

// SNRdB is PowerDB minus NoiseFloorDB.
func SNRdB(samples []complex128, percentile float64) float64 {
	return PowerDB(samples) - NoiseFloorDB(samples, percentile)
}

// percentileSorted interpolates linearly between the two closest ranks,
// rank = p/100 * (n-1). sorted must be ascending and non-empty.
func percentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	p = math.Max(0, math.Min(100, p))
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Percentile returns the p-th percentile of values (0..100) with linear
// interpolation between ranks. It returns NaN for an empty slice.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}
