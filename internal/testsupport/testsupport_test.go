package testsupport

import (
	"math/cmplx"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizac/sdaas/pkg/inventory"
)

func TestLCGNoise(t *testing.T) {
	// The first samples of seed 1234 are pinned: spectral expectations
	// elsewhere were computed offline from exactly this sequence.
	got := LCGNoise(1234, 4)
	assert.Equal(t, []float64{-3207043, 3593898, -4834601, -4129801}, got)

	assert.Len(t, LCGNoise(1234, 3000), 3000)
	assert.Equal(t, LCGNoise(42, 100), LCGNoise(42, 100), "same seed, same sequence")
	assert.NotEqual(t, LCGNoise(1, 10), LCGNoise(2, 10))
}

func TestResponses(t *testing.T) {
	resp := FlatResponse(1)
	src := Responses{"XX.TEST..BHZ": resp}

	got, err := src.ResponseAt("XX.TEST..BHZ", time.Now())
	require.NoError(t, err)
	assert.Same(t, resp, got)

	_, err = src.ResponseAt("XX.MISSING..BHZ", time.Now())
	assert.ErrorIs(t, err, inventory.ErrResponseUnavailable)
}

func TestFlatResponse(t *testing.T) {
	vals, err := FlatResponse(3).Evaluate([]float64{0.1, 1, 5})
	require.NoError(t, err)
	for i, v := range vals {
		assert.InDelta(t, 3, real(v), 1e-12, "freq index %d", i)
		assert.InDelta(t, 0, imag(v), 1e-12, "freq index %d", i)
	}
}

func TestSTS2Response(t *testing.T) {
	vals, err := STS2Response().Evaluate([]float64{1.0})
	require.NoError(t, err)
	assert.InEpsilon(t, 629145600, cmplx.Abs(vals[0]), 1e-6)
}

func TestNewTrace(t *testing.T) {
	data := []float64{1, 2, 3}
	tr := NewTrace(data, 50)

	assert.Equal(t, "XX.TEST..BHZ", tr.ID())
	assert.Equal(t, time.Date(2023, 3, 2, 6, 30, 0, 0, time.UTC), tr.Start)
	assert.Equal(t, 50.0, tr.SampleRate)
	assert.Equal(t, data, tr.Data)
}
