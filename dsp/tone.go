package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Goertzel returns the power of the single DFT bin nearest targetFreq,
// k = round(N * f / rate).
func Goertzel(samples []float64, targetFreq, sampleRate float64) float64 {
	n := len(samples)
	if n == 0 || sampleRate <= 0 {
		return 0
	}

	k := math.Floor(0.5 + float64(n)*targetFreq/sampleRate)
	omega := 2 * math.Pi * k / float64(n)
	coeff := 2 * math.Cos(omega)

	var s1, s2 float64
	for _, x := range samples {
		s0 := x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s2*s2 + s1*s1 - coeff*s1*s2
}

// GoertzelIQ reduces complex samples to their magnitude before running
// Goertzel, so only real-valued detection is performed.
func GoertzelIQ(samples []complex128, targetFreq, sampleRate float64) float64 {
	return Goertzel(Magnitude(samples), targetFreq, sampleRate)
}

// GoertzelDB converts a Goertzel power to dB with a 1e-12 floor.
func GoertzelDB(power float64) float64 {
	return 10 * math.Log10(power+1e-12)
}

// DetectTone band-passes real samples around freq and reports whether the
// filtered power exceeds thresholdDB, along with that power.
func DetectTone(samples []float64, freq, bandwidth, sampleRate, thresholdDB float64) (bool, float64) {
	power := PowerDBReal(BandpassReal(samples, freq, bandwidth, sampleRate))
	return power > thresholdDB, power
}

// DetectToneIQ is DetectTone on complex samples.
func DetectToneIQ(samples []complex128, freq, bandwidth, sampleRate, thresholdDB float64) (bool, float64) {
	power := PowerDB(Bandpass(samples, freq, bandwidth, sampleRate))
	return power > thresholdDB, power
}

// Magnitude returns |s| for each sample.
func Magnitude(samples []complex128) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = cmplx.Abs(s)
	}
	return out
}

// ExtractAudio AM-demodulates I/Q: magnitude envelope, DC removed, scaled so
// the largest excursion is 1. An envelope with zero peak is returned as is.
func ExtractAudio(iq []complex128) []float64 {
	audio := Magnitude(iq)
	if len(audio) == 0 {
		return audio
	}

	floats.AddConst(-stat.Mean(audio, nil), audio)

	peak := math.Max(floats.Max(audio), -floats.Min(audio))
	if peak > 0 {
		floats.Scale(1/peak, audio)
	}
	return audio
}

// Onsets holds the first threshold crossing of each marker tone. Fields are
// nil when the tone never crossed its threshold.
type Onsets struct {
	AMs     *float64
	BMs     *float64
	DeltaMs *float64 // A minus B, only when both are present
}

const (
	onsetSmoothing = 0.010 // seconds
	onsetFraction  = 0.2   // of each envelope's own peak
)

// DetectOnsets finds when two simultaneous tones start. Each tone is
// band-passed, rectified, smoothed over 10 ms, and thresholded at 20% of its
// own peak; the first crossing index is reported in milliseconds.
func DetectOnsets(audio []float64, freqA, freqB, bandwidth, sampleRate float64) Onsets {
	var res Onsets
	if len(audio) == 0 || sampleRate <= 0 {
		return res
	}

	window := int(math.Round(onsetSmoothing * sampleRate))
	res.AMs = firstOnset(audio, freqA, bandwidth, sampleRate, window)
	res.BMs = firstOnset(audio, freqB, bandwidth, sampleRate, window)
	if res.AMs != nil && res.BMs != nil {
		d := *res.AMs - *res.BMs
		res.DeltaMs = &d
	}
	return res
}

func firstOnset(audio []float64, freq, bandwidth, sampleRate float64, window int) *float64 {
	env := BandpassReal(audio, freq, bandwidth, sampleRate)
	for i, v := range env {
		env[i] = math.Abs(v)
	}
	env = MovingAverage(env, window)

	peak := floats.Max(env)
	if peak <= 0 {
		return nil
	}
	threshold := onsetFraction * peak
	for i, v := range env {
		if v > threshold {
			ms := float64(i) / sampleRate * 1000
			return &ms
		}
	}
	return nil
}
