package scoring

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizac/sdaas/internal/testsupport"
	"github.com/rizac/sdaas/pkg/features"
	"github.com/rizac/sdaas/pkg/inventory"
	"github.com/rizac/sdaas/pkg/scoring/iforest"
	"github.com/rizac/sdaas/pkg/waveform"
)

func TestScores(t *testing.T) {
	t.Run("all finite rows score in one batch", func(t *testing.T) {
		m := &stubModel{width: 1}
		got, err := Scores(m, [][]float64{{1}, {2}, {3}})
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 3}, got)
		assert.Equal(t, 1, m.calls)
	})

	t.Run("NaN rows bypass the model", func(t *testing.T) {
		m := &stubModel{width: 1}
		got, err := Scores(m, [][]float64{{1}, {math.NaN()}, {3}})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, 1.0, got[0])
		assert.True(t, math.IsNaN(got[1]))
		assert.Equal(t, 3.0, got[2])
		assert.Equal(t, 1, m.calls)
		assert.False(t, m.sawNaN, "the model must never see a NaN row")
	})

	t.Run("all NaN skips the model entirely", func(t *testing.T) {
		m := &stubModel{width: 1}
		got, err := Scores(m, [][]float64{{math.NaN()}, {math.NaN()}})
		require.NoError(t, err)
		assert.True(t, math.IsNaN(got[0]))
		assert.True(t, math.IsNaN(got[1]))
		assert.Equal(t, 0, m.calls)
	})

	t.Run("width mismatch", func(t *testing.T) {
		m := &stubModel{width: 1}
		_, err := Scores(m, [][]float64{{1}, {2, 3}})
		assert.ErrorIs(t, err, ErrShapeMismatch)
		assert.Contains(t, err.Error(), "row 1")
		assert.Equal(t, 0, m.calls)
	})

	t.Run("model error propagates", func(t *testing.T) {
		wantErr := errors.New("boom")
		m := &stubModel{width: 1, err: wantErr}
		_, err := Scores(m, [][]float64{{1}, {math.NaN()}})
		assert.ErrorIs(t, err, wantErr)
	})
}

func TestTraceScore(t *testing.T) {
	model, err := iforest.Default()
	require.NoError(t, err)

	t.Run("wideband noise", func(t *testing.T) {
		tr := testsupport.NewTrace(testsupport.LCGNoise(1234, 3000), 20)
		src := testsupport.Responses{tr.ID(): testsupport.FlatResponse(1)}

		got, err := TraceScore(model, tr, src)
		require.NoError(t, err)
		assert.InDelta(t, 0.77307173232125981, got, 1e-9)
	})

	t.Run("response unavailable", func(t *testing.T) {
		tr := testsupport.NewTrace(testsupport.LCGNoise(1, 500), 20)
		got, err := TraceScore(model, tr, testsupport.Responses{})
		assert.ErrorIs(t, err, inventory.ErrResponseUnavailable)
		assert.True(t, math.IsNaN(got))
	})
}

func TestTracesScores(t *testing.T) {
	model, err := iforest.Default()
	require.NoError(t, err)

	noisy := testsupport.NewTrace(testsupport.LCGNoise(1234, 3000), 20)
	flat := testsupport.NewTrace(make([]float64, 5000), 100)
	short := testsupport.NewTrace([]float64{1, 2}, 20)
	src := testsupport.Responses{"XX.TEST..BHZ": testsupport.FlatResponse(1)}

	got, err := TracesScores(model, []*waveform.Trace{noisy, flat, short}, src)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.InDelta(t, 0.77307173232125981, got[0], 1e-9)
	assert.InDelta(t, 0.73930987137326332, got[1], 1e-9, "dead channel lands on the low-amplitude edge")
	assert.True(t, math.IsNaN(got[2]), "unscorable trace keeps its slot as NaN")
}

func TestTracesScoresWithIDs(t *testing.T) {
	model, err := iforest.Default()
	require.NoError(t, err)

	noisy := testsupport.NewTrace(testsupport.LCGNoise(1234, 3000), 20)
	short := testsupport.NewTrace([]float64{1}, 20)
	src := testsupport.Responses{"XX.TEST..BHZ": testsupport.FlatResponse(1)}

	ids, scores, err := TracesScoresWithIDs(model, []*waveform.Trace{noisy, short}, src, nil)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Len(t, scores, 2)

	assert.Equal(t, features.DefaultID(noisy), ids[0])
	assert.Equal(t, features.DefaultID(short), ids[1])
	assert.InDelta(t, 0.77307173232125981, scores[0], 1e-9)
	assert.True(t, math.IsNaN(scores[1]))
}

func TestStreamsScores(t *testing.T) {
	model, err := iforest.Default()
	require.NoError(t, err)

	noisy := testsupport.NewTrace(testsupport.LCGNoise(1234, 3000), 20)
	flat := testsupport.NewTrace(make([]float64, 5000), 100)
	src := testsupport.Responses{"XX.TEST..BHZ": testsupport.FlatResponse(1)}

	scores, err := StreamsScores(model, []waveform.Stream{{noisy, flat}, {noisy}}, src)
	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.InDelta(t, 0.77307173232125981, scores[0], 1e-9)
	assert.InDelta(t, 0.73930987137326332, scores[1], 1e-9)
	assert.InDelta(t, 0.77307173232125981, scores[2], 1e-9)

	ids, scores2, err := StreamsScoresWithIDs(model, []waveform.Stream{{noisy, flat}}, src, nil)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, features.DefaultID(noisy), ids[0])
	assert.Equal(t, scores[:2], scores2)
}

func TestClassify(t *testing.T) {
	scores := []float64{0.3, 0.7, math.NaN(), 0.5}
	got := Classify(scores, 0.5)

	require.Len(t, got, 4)
	assert.Equal(t, 0.0, got[0])
	assert.Equal(t, 1.0, got[1])
	assert.True(t, math.IsNaN(got[2]))
	assert.Equal(t, 0.0, got[3], "threshold comparison is strict")
}

func TestIsThresholdSet(t *testing.T) {
	tests := []struct {
		threshold float64
		want      bool
	}{
		{threshold: -1, want: false},
		{threshold: 0, want: false},
		{threshold: 0.0001, want: true},
		{threshold: 0.5, want: true},
		{threshold: 0.9999, want: true},
		{threshold: 1, want: false},
		{threshold: 1.5, want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsThresholdSet(tt.threshold), "threshold %g", tt.threshold)
	}
}

func TestParseAggregation(t *testing.T) {
	for _, s := range []string{"min", "max", "mean", "median"} {
		got, err := ParseAggregation(s)
		assert.NoError(t, err)
		assert.Equal(t, Aggregation(s), got)
	}

	_, err := ParseAggregation("mode")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), `unknown aggregation "mode"`)
}

func TestAggregate(t *testing.T) {
	keys := []string{"a", "a", "b", "a", "c", "b"}
	scores := []float64{0.5, 0.7, 0.2, math.NaN(), math.NaN(), 0.4}

	tests := []struct {
		name string
		agg  Aggregation
		want []float64 // NaN marks an all-NaN group
	}{
		{name: "min", agg: Min, want: []float64{0.5, 0.2, math.NaN()}},
		{name: "max", agg: Max, want: []float64{0.7, 0.4, math.NaN()}},
		{name: "mean", agg: Mean, want: []float64{0.6, 0.3, math.NaN()}},
		{name: "median", agg: Median, want: []float64{0.6, 0.3, math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotKeys, gotScores, err := Aggregate(keys, scores, tt.agg)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, gotKeys, "first-appearance order")
			require.Len(t, gotScores, 3)
			for i, want := range tt.want {
				if math.IsNaN(want) {
					assert.True(t, math.IsNaN(gotScores[i]), "group %s", gotKeys[i])
					continue
				}
				assert.InDelta(t, want, gotScores[i], 1e-12, "group %s", gotKeys[i])
			}
		})
	}

	t.Run("median of odd group", func(t *testing.T) {
		_, got, err := Aggregate([]string{"x", "x", "x"}, []float64{0.9, 0.1, 0.5}, Median)
		require.NoError(t, err)
		assert.Equal(t, 0.5, got[0])
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, _, err := Aggregate([]string{"a"}, []float64{1, 2}, Min)
		assert.Error(t, err)
	})

	t.Run("unknown aggregation", func(t *testing.T) {
		_, _, err := Aggregate([]string{"a"}, []float64{1}, Aggregation("sum"))
		assert.Error(t, err)
	})
}

func BenchmarkTracesScores(b *testing.B) {
	model, err := iforest.Default()
	if err != nil {
		b.Fatal(err)
	}
	traces := []*waveform.Trace{
		testsupport.NewTrace(testsupport.LCGNoise(1, 3000), 20),
		testsupport.NewTrace(testsupport.LCGNoise(2, 3000), 20),
		testsupport.NewTrace(testsupport.LCGNoise(3, 3000), 20),
	}
	src := testsupport.Responses{"XX.TEST..BHZ": testsupport.FlatResponse(1)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := TracesScores(model, traces, src); err != nil {
			b.Fatal(err)
		}
	}
}

// stubModel scores each row as its first feature and records how it
// was called.
type stubModel struct {
	width  int
	calls  int
	sawNaN bool
	err    error
}

func (m *stubModel) NumFeatures() int { return m.width }

func (m *stubModel) ScoreBatch(feats [][]float64) ([]float64, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([]float64, len(feats))
	for i, row := range feats {
		for _, v := range row {
			if math.IsNaN(v) {
				m.sawNaN = true
			}
		}
		out[i] = row[0]
	}
	return out, nil
}
