package inventory

import (
	"fmt"
	"math"
	"strings"
)

// TransferFunction identifies how the poles and zeros of a stage are to
// be interpreted.
type TransferFunction int

const (
	// LaplaceRadians is an analog stage with s = i*2*pi*f.
	LaplaceRadians TransferFunction = iota
	// LaplaceHertz is an analog stage with s = i*f.
	LaplaceHertz
	// DigitalZ is a digital (z-transform) stage. Its shape is close to
	// unity below Nyquist and is treated as a pure gain here.
	DigitalZ
)

// PolesZeros is the pole-zero description of an analog stage.
type PolesZeros struct {
	Type                TransferFunction
	NormalizationFactor float64 // A0
	NormalizationFreq   float64
	Poles               []complex128
	Zeros               []complex128
}

// Stage is one element of the response chain. PZ is nil for gain-only
// stages (digitizers, FIR decimation filters reduced to their passband
// gain).
type Stage struct {
	Gain     float64
	GainFreq float64
	PZ       *PolesZeros
}

// Response is the complete channel response: the cascade of stages plus
// the declared overall sensitivity.
type Response struct {
	// InputUnits is the unit of the physical quantity the first stage
	// measures: M, M/S or M/S**2.
	InputUnits      string
	Sensitivity     float64
	SensitivityFreq float64
	Stages          []Stage
}

// Evaluate returns the complex response in counts per (m/s) at the
// given frequencies (Hz). The overall gain is the product of the stage
// gains; the declared sensitivity is used only when no stage declares a
// gain. For displacement-input responses the value at 0 Hz is not
// finite; callers discard the DC bin.
func (r *Response) Evaluate(freqs []float64) ([]complex128, error) {
	conv, err := velocityConversion(r.InputUnits)
	if err != nil {
		return nil, err
	}

	gain := 1.0
	anyGain := false
	for _, st := range r.Stages {
		if st.Gain != 0 {
			gain *= st.Gain
			anyGain = true
		}
	}
	if !anyGain && r.Sensitivity != 0 {
		gain = r.Sensitivity
	}

	out := make([]complex128, len(freqs))
	for i, f := range freqs {
		h := complex(gain, 0)
		for _, st := range r.Stages {
			pz := st.PZ
			if pz == nil || pz.Type == DigitalZ {
				continue
			}
			s := complex(0, f)
			if pz.Type == LaplaceRadians {
				s = complex(0, 2*math.Pi*f)
			}
			v := complex(pz.NormalizationFactor, 0)
			for _, z := range pz.Zeros {
				v *= s - z
			}
			for _, p := range pz.Poles {
				v /= s - p
			}
			h *= v
		}
		out[i] = conv(h, f)
	}
	return out, nil
}

// velocityConversion returns the function converting a response with
// the given input units to a velocity response.
func velocityConversion(units string) (func(complex128, float64) complex128, error) {
	switch strings.ToUpper(strings.TrimSpace(units)) {
	case "M":
		return func(h complex128, f float64) complex128 {
			return h / complex(0, 2*math.Pi*f)
		}, nil
	case "M/S":
		return func(h complex128, f float64) complex128 { return h }, nil
	case "M/S**2", "M/S^2":
		return func(h complex128, f float64) complex128 {
			return h * complex(0, 2*math.Pi*f)
		}, nil
	}
	return nil, fmt.Errorf("unsupported response input units %q", units)
}
