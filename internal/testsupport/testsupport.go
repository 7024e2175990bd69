// Package testsupport provides fixtures shared by tests: deterministic
// noise, reference instrument responses and a map-backed response
// source.
package testsupport

import (
	"fmt"
	"time"

	"github.com/rizac/sdaas/pkg/inventory"
	"github.com/rizac/sdaas/pkg/waveform"
)

// LCGNoise returns n pseudo-random samples in [-2^23, 2^23) from a
// 64-bit linear congruential generator. The sequence depends only on
// the seed, so expected spectra can be precomputed elsewhere and
// hard-coded in tests.
func LCGNoise(seed uint64, n int) []float64 {
	out := make([]float64, n)
	s := seed
	for i := range out {
		s = s*6364136223846793005 + 1442695040888963407
		out[i] = float64(int32(uint32(s>>32)) >> 8)
	}
	return out
}

// STS-2 reference response: sensor poles and zeros with the standard
// 1500 V*s/m sensor gain and a 419430.4 counts/V digitizer.
var (
	sts2Poles = []complex128{
		complex(-0.037004, 0.037016),
		complex(-0.037004, -0.037016),
		complex(-251.33, 0),
		complex(-131.04, -467.29),
		complex(-131.04, 467.29),
	}
	sts2Zeros = []complex128{0, 0}
)

const (
	sts2A0        = 59206129.761074804 // normalizes |H| to 1 at 1 Hz
	sts2Gain      = 1500.0
	digitizerGain = 419430.4
)

// STS2Response returns a velocity response modeled on an STS-2
// broadband sensor behind a 24-bit digitizer. Its overall sensitivity
// is 629145600 counts/(m/s) at 1 Hz.
func STS2Response() *inventory.Response {
	return &inventory.Response{
		InputUnits:      "M/S",
		Sensitivity:     sts2Gain * digitizerGain,
		SensitivityFreq: 1.0,
		Stages: []inventory.Stage{
			{
				Gain:     sts2Gain,
				GainFreq: 1.0,
				PZ: &inventory.PolesZeros{
					Type:                inventory.LaplaceRadians,
					NormalizationFactor: sts2A0,
					NormalizationFreq:   1.0,
					Poles:               sts2Poles,
					Zeros:               sts2Zeros,
				},
			},
			{Gain: digitizerGain, GainFreq: 0.0},
		},
	}
}

// FlatResponse returns a frequency-independent velocity response with
// the given overall gain, handy when a test wants the PSD of the raw
// samples.
func FlatResponse(gain float64) *inventory.Response {
	return &inventory.Response{
		InputUnits:      "M/S",
		Sensitivity:     gain,
		SensitivityFreq: 1.0,
		Stages:          []inventory.Stage{{Gain: gain, GainFreq: 1.0}},
	}
}

// Responses maps SEED channel ids to responses and satisfies
// psd.ResponseSource. The epoch time is ignored.
type Responses map[string]*inventory.Response

// ResponseAt returns the response registered for id.
func (r Responses) ResponseAt(id string, _ time.Time) (*inventory.Response, error) {
	resp, ok := r[id]
	if !ok {
		return nil, fmt.Errorf("%w: no test response for %s", inventory.ErrResponseUnavailable, id)
	}
	return resp, nil
}

// NewTrace returns a trace on channel XX.TEST..BHZ with the given
// samples, starting at a fixed instant.
func NewTrace(data []float64, sampleRate float64) *waveform.Trace {
	return &waveform.Trace{
		Network:    "XX",
		Station:    "TEST",
		Location:   "",
		Channel:    "BHZ",
		Start:      time.Date(2023, 3, 2, 6, 30, 0, 0, time.UTC),
		SampleRate: sampleRate,
		Data:       data,
	}
}
