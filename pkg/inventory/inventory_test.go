package inventory

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sts2 builds the STS-2 reference response used across the evaluation
// tests: sensor poles/zeros normalized at 1 Hz behind a 419430.4
// counts/V digitizer, 6.29e8 counts/(m/s) overall.
func sts2() *Response {
	return &Response{
		InputUnits:      "M/S",
		Sensitivity:     1500.0 * 419430.4,
		SensitivityFreq: 1.0,
		Stages: []Stage{
			{
				Gain:     1500.0,
				GainFreq: 1.0,
				PZ: &PolesZeros{
					Type:                LaplaceRadians,
					NormalizationFactor: 59206129.761074804,
					NormalizationFreq:   1.0,
					Poles: []complex128{
						complex(-0.037004, 0.037016),
						complex(-0.037004, -0.037016),
						complex(-251.33, 0),
						complex(-131.04, -467.29),
						complex(-131.04, 467.29),
					},
					Zeros: []complex128{0, 0},
				},
			},
			{Gain: 419430.4, GainFreq: 0.0},
		},
	}
}

func TestResponseEvaluate(t *testing.T) {
	tests := []struct {
		freq    float64
		wantAbs float64
	}{
		{freq: 0.05, wantAbs: 629015188.3423748},
		{freq: 0.2, wantAbs: 629247202.777487},
		{freq: 1.0, wantAbs: 629145600.0000002},
		{freq: 5.0, wantAbs: 626634450.9293014},
		{freq: 40.0, wantAbs: 567951303.2936405},
	}

	freqs := make([]float64, len(tests))
	for i, tt := range tests {
		freqs[i] = tt.freq
	}
	vals, err := sts2().Evaluate(freqs)
	require.NoError(t, err)
	require.Len(t, vals, len(tests))

	for i, tt := range tests {
		assert.InEpsilon(t, tt.wantAbs, cmplx.Abs(vals[i]), 1e-9, "f=%g Hz", tt.freq)
	}

	// At the normalization frequency the response is essentially the
	// overall sensitivity, with a small phase.
	assert.InEpsilon(t, 629017144.4635524, real(vals[2]), 1e-9)
	assert.InEpsilon(t, -12712905.65837783, imag(vals[2]), 1e-6)
}

func TestEvaluateUnitConversion(t *testing.T) {
	gainOnly := func(units string) *Response {
		return &Response{
			InputUnits: units,
			Stages:     []Stage{{Gain: 10, GainFreq: 1.0}},
		}
	}

	t.Run("velocity is identity", func(t *testing.T) {
		vals, err := gainOnly("M/S").Evaluate([]float64{2})
		require.NoError(t, err)
		assert.InDelta(t, 10, real(vals[0]), 1e-12)
		assert.InDelta(t, 0, imag(vals[0]), 1e-12)
	})

	t.Run("displacement divides by i*omega", func(t *testing.T) {
		vals, err := gainOnly("M").Evaluate([]float64{2})
		require.NoError(t, err)
		assert.InDelta(t, 0, real(vals[0]), 1e-12)
		assert.InDelta(t, -10/(4*math.Pi), imag(vals[0]), 1e-12)
	})

	t.Run("acceleration multiplies by i*omega", func(t *testing.T) {
		for _, units := range []string{"M/S**2", "M/S^2", " m/s**2 "} {
			vals, err := gainOnly(units).Evaluate([]float64{2})
			require.NoError(t, err)
			assert.InDelta(t, 0, real(vals[0]), 1e-12, "units %q", units)
			assert.InDelta(t, 10*4*math.Pi, imag(vals[0]), 1e-12, "units %q", units)
		}
	})

	t.Run("unknown units", func(t *testing.T) {
		_, err := gainOnly("COUNTS").Evaluate([]float64{2})
		assert.Error(t, err)
	})
}

func TestEvaluateHertzConvention(t *testing.T) {
	// Single real pole at -1 with s = i*f: H(1) = 1/(1+i) = 0.5 - 0.5i.
	resp := &Response{
		InputUnits: "M/S",
		Stages: []Stage{{
			Gain: 1,
			PZ: &PolesZeros{
				Type:                LaplaceHertz,
				NormalizationFactor: 1,
				Poles:               []complex128{-1},
			},
		}},
	}
	vals, err := resp.Evaluate([]float64{1})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, real(vals[0]), 1e-15)
	assert.InDelta(t, -0.5, imag(vals[0]), 1e-15)
}

func TestEvaluateDigitalStageIsGainOnly(t *testing.T) {
	// A digital stage contributes its gain but not its shape.
	resp := &Response{
		InputUnits: "M/S",
		Stages: []Stage{
			{Gain: 3},
			{Gain: 7, PZ: &PolesZeros{Type: DigitalZ, Poles: []complex128{complex(0.5, 0)}}},
		},
	}
	vals, err := resp.Evaluate([]float64{1, 10})
	require.NoError(t, err)
	for _, v := range vals {
		assert.InDelta(t, 21, real(v), 1e-12)
		assert.InDelta(t, 0, imag(v), 1e-12)
	}
}

func TestEvaluateSensitivityFallback(t *testing.T) {
	t.Run("no stage gains", func(t *testing.T) {
		resp := &Response{InputUnits: "M/S", Sensitivity: 42, Stages: []Stage{{}}}
		vals, err := resp.Evaluate([]float64{1})
		require.NoError(t, err)
		assert.InDelta(t, 42, real(vals[0]), 1e-12)
	})

	t.Run("stage gains win over sensitivity", func(t *testing.T) {
		resp := &Response{
			InputUnits:  "M/S",
			Sensitivity: 999,
			Stages:      []Stage{{Gain: 5}, {Gain: 4}},
		}
		vals, err := resp.Evaluate([]float64{1})
		require.NoError(t, err)
		assert.InDelta(t, 20, real(vals[0]), 1e-12)
	})
}

func TestChannelActive(t *testing.T) {
	start := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2015, 12, 31, 23, 59, 59, 0, time.UTC)

	closed := &Channel{Start: start, End: end}
	assert.True(t, closed.Active(start))
	assert.True(t, closed.Active(end))
	assert.True(t, closed.Active(start.AddDate(2, 0, 0)))
	assert.False(t, closed.Active(start.Add(-time.Second)))
	assert.False(t, closed.Active(end.Add(time.Second)))

	open := &Channel{Start: start}
	assert.True(t, open.Active(start.AddDate(100, 0, 0)))
	assert.False(t, open.Active(start.Add(-time.Second)))
}

func TestResponseAt(t *testing.T) {
	oldResp := &Response{InputUnits: "M/S", Sensitivity: 1}
	newResp := &Response{InputUnits: "M/S", Sensitivity: 2}
	epoch := time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)

	inv := &Inventory{
		Networks: []*Network{{
			Code: "GE",
			Stations: []*Station{{
				Code: "FLT1",
				Channels: []*Channel{
					{Code: "HHZ", Start: epoch.AddDate(-6, 0, 0), End: epoch.Add(-time.Second), Response: oldResp},
					{Code: "HHZ", Start: epoch, Response: newResp},
					{Code: "HHN", Location: "00", Start: epoch, Response: newResp},
					{Code: "LHZ", Start: epoch},
				},
			}},
		}},
	}

	t.Run("epoch selection", func(t *testing.T) {
		resp, err := inv.ResponseAt("GE.FLT1..HHZ", epoch.AddDate(-1, 0, 0))
		require.NoError(t, err)
		assert.Same(t, oldResp, resp)

		resp, err = inv.ResponseAt("GE.FLT1..HHZ", epoch.AddDate(1, 0, 0))
		require.NoError(t, err)
		assert.Same(t, newResp, resp)
	})

	t.Run("location must match", func(t *testing.T) {
		_, err := inv.ResponseAt("GE.FLT1..HHN", epoch.AddDate(1, 0, 0))
		assert.ErrorIs(t, err, ErrResponseUnavailable)

		resp, err := inv.ResponseAt("GE.FLT1.00.HHN", epoch.AddDate(1, 0, 0))
		require.NoError(t, err)
		assert.Same(t, newResp, resp)
	})

	t.Run("unknown channel", func(t *testing.T) {
		_, err := inv.ResponseAt("GE.FLT1..BHZ", epoch)
		assert.ErrorIs(t, err, ErrResponseUnavailable)
	})

	t.Run("outside all epochs", func(t *testing.T) {
		_, err := inv.ResponseAt("GE.FLT1..HHZ", epoch.AddDate(-20, 0, 0))
		assert.ErrorIs(t, err, ErrResponseUnavailable)
	})

	t.Run("channel without response", func(t *testing.T) {
		_, err := inv.ResponseAt("GE.FLT1..LHZ", epoch)
		assert.ErrorIs(t, err, ErrResponseUnavailable)
	})

	t.Run("malformed id", func(t *testing.T) {
		_, err := inv.ResponseAt("GE.FLT1.HHZ", epoch)
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrResponseUnavailable))
	})
}
