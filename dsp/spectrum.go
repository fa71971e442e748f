package dsp

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

// spectrumFloor keeps log10 away from zero bins
const spectrumFloor = 1e-12

// Spectrum computes a windowed FFT power spectrum in dB. The window covers
// the input; the transform is zero-padded or truncated to nfft (nfft <= 0
// means len(samples)). Frequencies follow FFT bin order: DC, positive, then
// negative.
func Spectrum(samples []complex128, sampleRate float64, windowName string, nfft int) ([]float64, []float64, error) {
	if nfft <= 0 {
		nfft = len(samples)
	}
	if nfft == 0 {
		return nil, nil, nil
	}
	power, err := powerSpectrum(fourier.NewCmplxFFT(nfft), samples, windowName)
	if err != nil {
		return nil, nil, err
	}
	return binFrequencies(nfft, sampleRate), powerToDB(power), nil
}

// AveragedSpectrum averages the power spectra of consecutive nfft-sample
// segments covering samples, so every sample of a long capture contributes.
// A trailing partial segment is dropped unless it is the only one, in which
// case it is zero-padded.
func AveragedSpectrum(samples []complex128, sampleRate float64, windowName string, nfft int) ([]float64, []float64, error) {
	if nfft <= 0 || len(samples) <= nfft {
		return Spectrum(samples, sampleRate, windowName, nfft)
	}

	fft := fourier.NewCmplxFFT(nfft)
	sum := make([]float64, nfft)
	segments := 0
	for start := 0; start+nfft <= len(samples); start += nfft {
		power, err := powerSpectrum(fft, samples[start:start+nfft], windowName)
		if err != nil {
			return nil, nil, err
		}
		floats.Add(sum, power)
		segments++
	}
	floats.Scale(1/float64(segments), sum)
	return binFrequencies(nfft, sampleRate), powerToDB(sum), nil
}

// powerSpectrum windows samples and returns the linear power per bin
func powerSpectrum(fft *fourier.CmplxFFT, samples []complex128, windowName string) ([]float64, error) {
	windowed := make([]complex128, len(samples))
	copy(windowed, samples)
	switch windowName {
	case "", "none", "rectangular":
	case "hann":
		window.HannComplex(windowed)
	case "hamming":
		window.HammingComplex(windowed)
	case "blackman":
		window.BlackmanComplex(windowed)
	default:
		return nil, fmt.Errorf("unknown window %q", windowName)
	}

	padded := make([]complex128, fft.Len())
	copy(padded, windowed)

	coeffs := fft.Coefficients(nil, padded)
	power := make([]float64, len(coeffs))
	for i, c := range coeffs {
		power[i] = real(c)*real(c) + imag(c)*imag(c)
	}
	return power, nil
}

func binFrequencies(nfft int, sampleRate float64) []float64 {
	freqs := make([]float64, nfft)
	for i := range freqs {
		k := i
		if i >= (nfft+1)/2 {
			k = i - nfft
		}
		freqs[i] = float64(k) * sampleRate / float64(nfft)
	}
	return freqs
}

func powerToDB(power []float64) []float64 {
	out := make([]float64, len(power))
	for i, p := range power {
		out[i] = toDB(p + spectrumFloor)
	}
	return out
}
