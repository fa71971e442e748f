package dsp

import (
	"math"
	"testing"
)

const (
	testRate = 16000.0
	tolDB    = 0.5
)

func tone(freq, amp, seconds float64) []float64 {
	n := int(seconds * testRate)
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Cos(2*math.Pi*freq*float64(i)/testRate)
	}
	return out
}

func toIQ(x []float64) []complex128 {
	out := make([]complex128, len(x))
	for i, v := range x {
		out[i] = complex(v, 0)
	}
	return out
}

func TestPowerDBEmpty(t *testing.T) {
	if got := PowerDB(nil); !math.IsInf(got, -1) {
		t.Errorf("PowerDB(nil) = %v, want -Inf", got)
	}
	if got := RSSIdBm(nil); !math.IsInf(got, -1) {
		t.Errorf("RSSIdBm(nil) = %v, want -Inf", got)
	}
	if got := NoiseFloorDB(nil, 10); !math.IsInf(got, -1) {
		t.Errorf("NoiseFloorDB(nil) = %v, want -Inf", got)
	}
	if got := PowerDB(make([]complex128, 8)); !math.IsInf(got, -1) {
		t.Errorf("PowerDB(zeros) = %v, want -Inf", got)
	}
}

func TestPowerDBCosine(t *testing.T) {
	amp := 0.5
	got := PowerDBReal(tone(1000, amp, 1))
	want := 20*math.Log10(amp) - 3.0103
	if math.Abs(got-want) > 0.01 {
		t.Errorf("PowerDBReal = %.3f, want %.3f", got, want)
	}
}

func TestRSSIUnitMagnitude(t *testing.T) {
	samples := make([]complex128, 100)
	for i := range samples {
		phi := float64(i) * 0.1
		samples[i] = complex(math.Cos(phi), math.Sin(phi))
	}
	if got := RSSIdBm(samples); math.Abs(got-30) > 1e-9 {
		t.Errorf("RSSIdBm = %v, want 30", got)
	}
}

func TestNoiseFloorPercentile(t *testing.T) {
	// powers 1..10; rank = 0.1*9 = 0.9 -> 1 + 0.9
	samples := make([]complex128, 10)
	for i := range samples {
		samples[i] = complex(math.Sqrt(float64(i+1)), 0)
	}
	got := NoiseFloorDB(samples, 10)
	want := 10 * math.Log10(1.9)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("NoiseFloorDB = %v, want %v", got, want)
	}

	snr := SNRdB(samples, 10)
	if math.Abs(snr-(PowerDB(samples)-want)) > 1e-9 {
		t.Errorf("SNRdB = %v", snr)
	}
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		values []float64
		p      float64
		want   float64
	}{
		{[]float64{3, 1, 2}, 50, 2},
		{[]float64{1, 2, 3, 4}, 50, 2.5},
		{[]float64{1, 2, 3, 4}, 0, 1},
		{[]float64{1, 2, 3, 4}, 100, 4},
		{[]float64{7}, 90, 7},
	}
	for _, tt := range tests {
		if got := Percentile(tt.values, tt.p); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Percentile(%v, %v) = %v, want %v", tt.values, tt.p, got, tt.want)
		}
	}
	if got := Percentile(nil, 50); !math.IsNaN(got) {
		t.Errorf("Percentile(nil) = %v, want NaN", got)
	}
}

func TestButterBandpassInvalid(t *testing.T) {
	cases := [][2]float64{{0, 0.5}, {0.5, 0.4}, {0.2, 1}, {0.3, 0.3}}
	for _, c := range cases {
		if s := ButterBandpass(4, c[0], c[1]); s != nil {
			t.Errorf("ButterBandpass(%v, %v) = %v, want nil", c[0], c[1], s)
		}
	}
	if s := ButterBandpass(4, 0.1, 0.2); len(s) != 4 {
		t.Errorf("ButterBandpass returned %d sections, want 4", len(s))
	}
}

func TestBandpassPassesCenter(t *testing.T) {
	in := tone(1000, 1, 2)
	out := BandpassReal(in, 1000, 50, testRate)
	settle := int(0.5 * testRate)

	got := PowerDBReal(out[settle:])
	want := PowerDBReal(in[settle:])
	if math.Abs(got-want) > tolDB {
		t.Errorf("passband power = %.2f dB, want %.2f dB", got, want)
	}
}

func TestBandpassRejectsOutOfBand(t *testing.T) {
	in := tone(2000, 1, 2)
	out := BandpassReal(in, 1000, 50, testRate)
	settle := int(0.5 * testRate)

	if got := PowerDBReal(out[settle:]); got > -40 {
		t.Errorf("stopband power = %.2f dB, want < -40 dB", got)
	}
}

func TestBandpassIQMatchesReal(t *testing.T) {
	in := tone(1000, 1, 0.5)
	re := BandpassReal(in, 1000, 50, testRate)
	iq := Bandpass(toIQ(in), 1000, 50, testRate)
	for i := range re {
		if real(iq[i]) != re[i] || imag(iq[i]) != 0 {
			t.Fatalf("sample %d: got %v, want %v", i, iq[i], re[i])
		}
	}
}

func TestBandpassDegenerate(t *testing.T) {
	in := tone(1000, 1, 0.1)
	// Center well above Nyquist clamps to an empty range.
	out := BandpassReal(in, 20000, 50, testRate)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i, v := range out {
		if v != 0 {
			t.Fatalf("sample %d = %v, want 0", i, v)
		}
	}
}

func TestMovingAverage(t *testing.T) {
	x := []float64{0, 0, 3, 0, 0}
	got := MovingAverage(x, 3)
	want := []float64{0, 1, 1, 1, 0}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("MovingAverage[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if got := MovingAverage(x, 1); got[2] != 3 {
		t.Errorf("window 1 should copy input, got %v", got)
	}
}

func TestGoertzel(t *testing.T) {
	const amp = 0.5
	in := tone(1000, amp, 0.1) // N = 1600, bin 100
	n := float64(len(in))

	got := Goertzel(in, 1000, testRate)
	want := math.Pow(amp*n/2, 2)
	if math.Abs(got-want)/want > 1e-6 {
		t.Errorf("Goertzel on-bin = %v, want %v", got, want)
	}

	if off := Goertzel(in, 1500, testRate); off > want*1e-9 {
		t.Errorf("Goertzel off-bin = %v, want ~0", off)
	}
	if Goertzel(nil, 1000, testRate) != 0 {
		t.Error("Goertzel on empty input should be 0")
	}
}

func TestGoertzelDBFloor(t *testing.T) {
	if got := GoertzelDB(0); math.Abs(got+120) > 1e-9 {
		t.Errorf("GoertzelDB(0) = %v, want -120", got)
	}
}

func TestDetectTone(t *testing.T) {
	in := tone(440, 0.5, 1)
	present, power := DetectTone(in, 440, 50, testRate, -40)
	if !present {
		t.Errorf("tone not detected, power %.2f dB", power)
	}
	absent, _ := DetectTone(in, 2000, 50, testRate, -40)
	if absent {
		t.Error("tone reported at 2000 Hz")
	}
}

func TestExtractAudio(t *testing.T) {
	iq := make([]complex128, 1000)
	for i := range iq {
		iq[i] = complex(1+0.5*math.Cos(2*math.Pi*100*float64(i)/testRate), 0)
	}
	audio := ExtractAudio(iq)

	var sum, peak float64
	for _, v := range audio {
		sum += v
		peak = math.Max(peak, math.Abs(v))
	}
	if math.Abs(sum/float64(len(audio))) > 1e-9 {
		t.Errorf("mean = %v, want 0", sum/float64(len(audio)))
	}
	if math.Abs(peak-1) > 1e-9 {
		t.Errorf("peak = %v, want 1", peak)
	}

	zero := ExtractAudio(make([]complex128, 10))
	for _, v := range zero {
		if v != 0 {
			t.Fatalf("zero input produced %v", v)
		}
	}
}

func TestDetectOnsets(t *testing.T) {
	n := int(1.0 * testRate)
	audio := make([]float64, n)
	for i := range audio {
		ts := float64(i) / testRate
		if ts >= 0.200 {
			audio[i] += 0.5 * math.Cos(2*math.Pi*1000*ts)
		}
		if ts >= 0.250 {
			audio[i] += 0.5 * math.Cos(2*math.Pi*1200*ts)
		}
	}

	on := DetectOnsets(audio, 1000, 1200, 50, testRate)
	if on.AMs == nil || on.BMs == nil || on.DeltaMs == nil {
		t.Fatalf("onsets missing: %+v", on)
	}
	if math.Abs(*on.DeltaMs+50) > 10 {
		t.Errorf("delta = %.1f ms, want about -50 ms", *on.DeltaMs)
	}
}

func TestDetectOnsetsSilence(t *testing.T) {
	on := DetectOnsets(make([]float64, 1600), 1000, 1200, 50, testRate)
	if on.AMs != nil || on.BMs != nil || on.DeltaMs != nil {
		t.Errorf("expected no onsets, got %+v", on)
	}
}

func TestSpectrumPeak(t *testing.T) {
	in := toIQ(tone(1000, 1, 0.1))
	freqs, power, err := Spectrum(in, testRate, "hann", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(freqs) != len(in) || len(power) != len(in) {
		t.Fatalf("lengths %d/%d, want %d", len(freqs), len(power), len(in))
	}

	best := 0
	for i := range power {
		if freqs[i] >= 0 && power[i] > power[best] {
			best = i
		}
	}
	if math.Abs(freqs[best]-1000) > 10 {
		t.Errorf("peak at %v Hz, want 1000 Hz", freqs[best])
	}

	if freqs[len(freqs)-1] >= 0 {
		t.Errorf("last bin should be negative frequency, got %v", freqs[len(freqs)-1])
	}
}

func TestSpectrumUnknownWindow(t *testing.T) {
	if _, _, err := Spectrum(make([]complex128, 8), testRate, "kaiser", 0); err == nil {
		t.Error("expected error for unknown window")
	}
}

func TestAveragedSpectrumCoversWholeInput(t *testing.T) {
	// Tone for the first 7 segments, silence in the last
	const nfft = 2048
	in := append(toIQ(tone(1000, 1, 7*nfft/testRate)), make([]complex128, nfft)...)

	freqs, power, err := AveragedSpectrum(in, testRate, "hann", nfft)
	if err != nil {
		t.Fatal(err)
	}
	if len(freqs) != nfft || len(power) != nfft {
		t.Fatalf("lengths %d/%d, want %d", len(freqs), len(power), nfft)
	}
	best := 0
	for i := range power {
		if power[i] > power[best] {
			best = i
		}
	}
	if math.Abs(freqs[best]-1000) > testRate/nfft {
		t.Errorf("peak at %v Hz, want 1000 Hz", freqs[best])
	}

	// The silent tail alone has no tone at all
	_, tail, _ := Spectrum(in[len(in)-nfft:], testRate, "hann", nfft)
	if power[best] < tail[best]+60 {
		t.Errorf("averaged peak %.1f dB not above silent tail %.1f dB", power[best], tail[best])
	}

	// Inputs no longer than one segment match Spectrum
	_, single, _ := Spectrum(in[:nfft], testRate, "hann", nfft)
	_, averaged, _ := AveragedSpectrum(in[:nfft], testRate, "hann", nfft)
	for i := range single {
		if single[i] != averaged[i] {
			t.Fatalf("bin %d: %v != %v", i, averaged[i], single[i])
		}
	}
}
