// Package psd computes the power spectral density of seismic traces
// with instrument response removal, following the McNamara & Buland
// probabilistic PSD processing: Welch averaging over 75%-overlapping
// segments, linear detrend, cosine taper, one-sided density scaled by
// frequency and window power, deconvolution of the channel response and
// conversion to acceleration, all expressed in decibels.
package psd

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"

	"github.com/rizac/sdaas/pkg/inventory"
	"github.com/rizac/sdaas/pkg/waveform"
)

// ErrTraceTooShort is returned when a trace has too few samples to
// derive even a two-point spectral segment.
var ErrTraceTooShort = errors.New("trace too short")

// Smallest positive normal float64. Powers below this floor are clamped
// before the decibel conversion so the logarithm stays finite.
const dtiny = 2.2250738585072014e-308

// ResponseSource resolves the instrument response for a channel id at a
// point in time. *inventory.Inventory implements it.
type ResponseSource interface {
	ResponseAt(id string, t time.Time) (*inventory.Response, error)
}

// Estimator computes PSD values at caller-chosen periods. The zero
// configuration smooths over one full octave centered at each requested
// period, which is how the anomaly-score feature is defined.
type Estimator struct {
	smoothAll    bool
	widthOctaves float64
	stepOctaves  float64
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithSmoothAll smooths the whole spectrum on a regular octave-fraction
// grid and interpolates at the requested periods, instead of averaging
// one window per requested period.
func WithSmoothAll(on bool) Option {
	return func(e *Estimator) { e.smoothAll = on }
}

// WithSmoothingWidth sets the smoothing window width in octaves.
func WithSmoothingWidth(octaves float64) Option {
	return func(e *Estimator) { e.widthOctaves = octaves }
}

// WithSmoothingStep sets the grid step in octaves used by the
// whole-spectrum smoothing mode.
func WithSmoothingStep(octaves float64) Option {
	return func(e *Estimator) { e.stepOctaves = octaves }
}

// New creates an Estimator.
func New(opts ...Option) *Estimator {
	e := &Estimator{
		widthOctaves: 1.0,
		stepOctaves:  0.125,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEstimator = New()

// Values computes the PSD of tr in dB at the given periods (seconds)
// with default smoothing. See Estimator.Values.
func Values(tr *waveform.Trace, src ResponseSource, periods []float64) ([]float64, error) {
	return defaultEstimator.Values(tr, src, periods)
}

// Curve computes the full PSD curve of tr in dB with default settings.
// See Estimator.Curve.
func Curve(tr *waveform.Trace, src ResponseSource) ([]float64, []float64, error) {
	return defaultEstimator.Curve(tr, src)
}

// Values computes the response-corrected PSD of tr in dB at the given
// periods (seconds). A period whose smoothing window contains no
// spectral bin yields NaN. The error is non-nil when the trace is too
// short or its response cannot be resolved; per the package contract
// the caller decides whether to absorb it into a NaN feature.
func (e *Estimator) Values(tr *waveform.Trace, src ResponseSource, periods []float64) ([]float64, error) {
	spec, freqs, err := compute(tr, src)
	if err != nil {
		return nil, err
	}
	if e.smoothAll {
		return e.smoothedValues(spec, freqs, periods)
	}

	width := math.Pow(2, e.widthOctaves)
	sqw := math.Sqrt(width)
	out := make([]float64, len(periods))
	for i, p := range periods {
		left := p / sqw
		right := left * width
		out[i] = windowMean(spec, freqs, left, right)
	}
	return out, nil
}

// Curve computes the response-corrected PSD of tr and returns the dB
// values with their periods in seconds, ordered by ascending period.
func (e *Estimator) Curve(tr *waveform.Trace, src ResponseSource) ([]float64, []float64, error) {
	spec, freqs, err := compute(tr, src)
	if err != nil {
		return nil, nil, err
	}
	n := len(spec)
	db := make([]float64, n)
	periods := make([]float64, n)
	for i := range spec {
		db[i] = spec[n-1-i]
		periods[i] = 1 / freqs[n-1-i]
	}
	return db, periods, nil
}

// smoothedValues mirrors the whole-spectrum smoothing of the PPSD
// processing: means over octave windows stepped along a regular grid,
// then linear interpolation in log-period space. Periods outside the
// grid yield NaN.
func (e *Estimator) smoothedValues(spec, freqs, periods []float64) ([]float64, error) {
	out := make([]float64, len(periods))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(spec) == 0 {
		return out, nil
	}

	width := math.Pow(2, e.widthOctaves)
	step := math.Pow(2, e.stepOctaves)
	shortest := 1 / freqs[len(freqs)-1]
	longest := 1 / freqs[0]

	var centers, means []float64
	left := shortest / math.Sqrt(width)
	right := left * width
	center := math.Sqrt(left * right)
	centers = append(centers, math.Log10(center))
	means = append(means, windowMean(spec, freqs, left, right))
	for center < longest {
		left *= step
		right = left * width
		center = math.Sqrt(left * right)
		centers = append(centers, math.Log10(center))
		means = append(means, windowMean(spec, freqs, left, right))
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(centers, means); err != nil {
		return nil, fmt.Errorf("fitting smoothed spectrum: %w", err)
	}
	lo, hi := math.Pow(10, centers[0]), math.Pow(10, centers[len(centers)-1])
	for i, p := range periods {
		if p < lo || p > hi {
			continue
		}
		out[i] = pl.Predict(math.Log10(p))
	}
	return out, nil
}

// windowMean averages the spectral values whose period falls inside
// [left, right]. NaN when the window is empty.
func windowMean(spec, freqs []float64, left, right float64) float64 {
	var vals []float64
	for j, f := range freqs {
		p := 1 / f
		if left <= p && p <= right {
			vals = append(vals, spec[j])
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	return stat.Mean(vals, nil)
}

// compute runs the Welch estimate and response correction, returning
// the dB spectrum and its frequencies in ascending order with the DC
// bin dropped.
func compute(tr *waveform.Trace, src ResponseSource) ([]float64, []float64, error) {
	npts := len(tr.Data)
	if npts < 5 {
		return nil, nil, fmt.Errorf("%w: %d samples", ErrTraceTooShort, npts)
	}
	fs := tr.SampleRate
	if fs <= 0 {
		return nil, nil, fmt.Errorf("invalid sample rate %g for %s", fs, tr.ID())
	}

	// Segment length after McNamara & Buland: a quarter of the trace
	// truncated to the previous power of two, with 75% overlap.
	nfft := prevPow2(float64(npts-1) / 4.0)
	if nfft < 2 {
		return nil, nil, nil
	}
	nlap := 3 * nfft / 4
	step := nfft - nlap

	window := cosineTaper(nfft, 0.2)
	var sumw2 float64
	for _, w := range window {
		sumw2 += w * w
	}

	fft := fourier.NewFFT(nfft)
	numFreqs := nfft/2 + 1
	power := make([]float64, numFreqs)
	seg := make([]float64, nfft)
	coeff := make([]complex128, numFreqs)

	nseg := 0
	for start := 0; start+nfft <= npts; start += step {
		copy(seg, tr.Data[start:start+nfft])
		detrendLinear(seg)
		for i := range seg {
			seg[i] *= window[i]
		}
		fft.Coefficients(coeff, seg)
		for k, c := range coeff {
			re, im := real(c), imag(c)
			power[k] += re*re + im*im
		}
		nseg++
	}

	// One-sided density: double everything except DC and Nyquist, then
	// scale by sampling frequency and window power.
	scale := 1 / (float64(nseg) * fs * sumw2)
	for k := range power {
		if k > 0 && k < numFreqs-1 {
			power[k] *= 2
		}
		power[k] *= scale
	}

	// Drop the DC bin.
	spec := power[1:]
	freqs := make([]float64, len(spec))
	for j := range freqs {
		freqs[j] = fs * float64(j+1) / float64(nfft)
	}

	resp, err := src.ResponseAt(tr.ID(), tr.Start)
	if err != nil {
		return nil, nil, fmt.Errorf("getting response for %s: %w", tr.ID(), err)
	}
	respVals, err := resp.Evaluate(freqs)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluating response for %s: %w", tr.ID(), err)
	}

	for j := range spec {
		re, im := real(respVals[j]), imag(respVals[j])
		respamp := re*re + im*im
		w := 2 * math.Pi * freqs[j]
		spec[j] = w * w * spec[j] / respamp
		if spec[j] < dtiny {
			spec[j] = dtiny
		}
		spec[j] = 10 * math.Log10(spec[j])
	}
	return spec, freqs, nil
}

// prevPow2 returns the largest power of two not exceeding x.
func prevPow2(x float64) int {
	if x < 1 {
		return 0
	}
	return int(math.Pow(2, math.Floor(math.Log2(x))))
}

// detrendLinear subtracts the least-squares line from y in place.
func detrendLinear(y []float64) {
	n := float64(len(y))
	if n < 2 {
		return
	}
	var sy, sxy float64
	for i, v := range y {
		sy += v
		sxy += float64(i) * v
	}
	meanX := (n - 1) / 2
	meanY := sy / n
	covXY := sxy/n - meanX*meanY
	varX := (n*n - 1) / 12
	b := covXY / varX
	a := meanY - b*meanX
	for i := range y {
		y[i] -= b*float64(i) + a
	}
}

// cosineTaper returns an npts-long taper with cosine ramps over the
// fraction p of the window (p/2 at each end), flat at one in between.
func cosineTaper(npts int, p float64) []float64 {
	var frac int
	if p == 0 || p == 1 {
		frac = int(float64(npts) * p / 2.0)
	} else {
		frac = int(float64(npts)*p/2.0 + 0.5)
	}
	idx1, idx2 := 0, frac-1
	idx3, idx4 := npts-frac, npts-1
	if idx1 == idx2 {
		idx2++
	}
	if idx3 == idx4 {
		idx3--
	}
	w := make([]float64, npts)
	for i := idx1; i <= idx2; i++ {
		w[i] = 0.5 * (1 - math.Cos(math.Pi*float64(i-idx1)/float64(idx2-idx1)))
	}
	for i := idx2 + 1; i < idx3; i++ {
		w[i] = 1
	}
	for i := idx3; i <= idx4; i++ {
		w[i] = 0.5 * (1 + math.Cos(math.Pi*float64(idx3-i)/float64(idx4-idx3)))
	}
	return w
}
