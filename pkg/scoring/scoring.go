// Package scoring applies a frozen anomaly model to feature vectors
// and post-processes the resulting amplitude anomaly scores: NaN
// propagation, binary classification against a decision threshold and
// per-channel aggregation.
//
// Scores are in [0, 1]: the closer to 1, the more likely the waveform
// is anomalous. With the default model scores concentrate in roughly
// [0.4, 0.8] and values at or below 0.5 can be considered inliers.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/rizac/sdaas/pkg/features"
	"github.com/rizac/sdaas/pkg/psd"
	"github.com/rizac/sdaas/pkg/waveform"
)

// ErrShapeMismatch is returned when a feature row width does not match
// the model's expected input dimensionality. It denotes an integration
// error and is surfaced immediately, never absorbed into NaN.
var ErrShapeMismatch = errors.New("feature shape mismatch")

// Model scores batches of feature vectors. Implementations are frozen:
// they never refit at runtime.
type Model interface {
	// NumFeatures returns the feature vector width the model accepts.
	NumFeatures() int

	// ScoreBatch returns one anomaly score in [0, 1] per feature row.
	// Rows must be NaN-free and of width NumFeatures.
	ScoreBatch(feats [][]float64) ([]float64, error)
}

// Scores computes one anomaly score per feature row. Rows containing
// NaN are not passed to the model and score NaN; the result always has
// exactly one entry per input row. All finite rows are scored in a
// single batch call.
func Scores(m Model, feats [][]float64) ([]float64, error) {
	width := m.NumFeatures()
	finite := make([]int, 0, len(feats))
	for i, row := range feats {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d features, model expects %d",
				ErrShapeMismatch, i, len(row), width)
		}
		if !hasNaN(row) {
			finite = append(finite, i)
		}
	}
	if len(finite) == len(feats) {
		return m.ScoreBatch(feats)
	}

	out := make([]float64, len(feats))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(finite) == 0 {
		return out, nil
	}
	batch := make([][]float64, len(finite))
	for j, i := range finite {
		batch[j] = feats[i]
	}
	scores, err := m.ScoreBatch(batch)
	if err != nil {
		return nil, err
	}
	for j, i := range finite {
		out[i] = scores[j]
	}
	return out, nil
}

// TraceScore computes the anomaly score of a single trace. The error
// reports why the trace could not be corrected; batch callers that
// prefer NaN absorption should use TracesScores.
func TraceScore(m Model, tr *waveform.Trace, src psd.ResponseSource) (float64, error) {
	feat, err := features.Trace(tr, src)
	if err != nil {
		return math.NaN(), err
	}
	scores, err := Scores(m, [][]float64{feat})
	if err != nil {
		return math.NaN(), err
	}
	return scores[0], nil
}

// TracesScores scores all traces, one score per trace. Traces whose
// features cannot be computed score NaN.
func TracesScores(m Model, traces []*waveform.Trace, src psd.ResponseSource) ([]float64, error) {
	return Scores(m, features.Traces(traces, src))
}

// TracesScoresWithIDs scores all traces, returning the trace
// identifiers alongside. A nil idfn means features.DefaultID.
func TracesScoresWithIDs(m Model, traces []*waveform.Trace, src psd.ResponseSource,
	idfn features.IDFunc) ([]features.ID, []float64, error) {
	ids, feats := features.TracesWithIDs(traces, src, idfn)
	scores, err := Scores(m, feats)
	if err != nil {
		return nil, nil, err
	}
	return ids, scores, nil
}

// StreamsScores scores all traces across all streams, in stream order.
func StreamsScores(m Model, streams []waveform.Stream, src psd.ResponseSource) ([]float64, error) {
	return Scores(m, features.Streams(streams, src))
}

// StreamsScoresWithIDs scores all traces across all streams, returning
// the trace identifiers alongside. A nil idfn means features.DefaultID.
func StreamsScoresWithIDs(m Model, streams []waveform.Stream, src psd.ResponseSource,
	idfn features.IDFunc) ([]features.ID, []float64, error) {
	ids, feats := features.StreamsWithIDs(streams, src, idfn)
	scores, err := Scores(m, feats)
	if err != nil {
		return nil, nil, err
	}
	return ids, scores, nil
}

// IsThresholdSet reports whether t is a usable decision threshold.
// Only values strictly inside (0, 1) activate classification.
func IsThresholdSet(t float64) bool {
	return t > 0 && t < 1
}

// Classify labels each score against the decision threshold: 1 when
// score > threshold (strict), 0 otherwise. NaN scores keep a NaN
// label so an unscorable trace is never reported as an inlier.
func Classify(scores []float64, threshold float64) []float64 {
	labels := make([]float64, len(scores))
	for i, s := range scores {
		switch {
		case math.IsNaN(s):
			labels[i] = math.NaN()
		case s > threshold:
			labels[i] = 1
		default:
			labels[i] = 0
		}
	}
	return labels
}

// Aggregation names a reduction over the scores of a group.
type Aggregation string

// Supported aggregations.
const (
	Min    Aggregation = "min"
	Max    Aggregation = "max"
	Mean   Aggregation = "mean"
	Median Aggregation = "median"
)

// ParseAggregation validates an aggregation name.
func ParseAggregation(s string) (Aggregation, error) {
	switch Aggregation(s) {
	case Min, Max, Mean, Median:
		return Aggregation(s), nil
	}
	return "", fmt.Errorf("unknown aggregation %q: want min, max, mean or median", s)
}

// Aggregate reduces the scores sharing a key. NaN scores are ignored
// within each group; a group with only NaN scores aggregates to NaN.
// Keys are returned in first-appearance order with their aggregated
// scores, index-aligned.
func Aggregate(keys []string, scores []float64, agg Aggregation) ([]string, []float64, error) {
	if len(keys) != len(scores) {
		return nil, nil, fmt.Errorf("aggregate: %d keys for %d scores", len(keys), len(scores))
	}
	if _, err := ParseAggregation(string(agg)); err != nil {
		return nil, nil, err
	}

	order := make([]string, 0)
	groups := make(map[string][]float64)
	for i, k := range keys {
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		if !math.IsNaN(scores[i]) {
			groups[k] = append(groups[k], scores[i])
		} else if _, ok := groups[k]; !ok {
			groups[k] = nil
		}
	}

	out := make([]float64, len(order))
	for i, k := range order {
		out[i] = reduce(groups[k], agg)
	}
	return order, out, nil
}

func reduce(vals []float64, agg Aggregation) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	switch agg {
	case Min:
		return floats.Min(vals)
	case Max:
		return floats.Max(vals)
	case Mean:
		return stat.Mean(vals, nil)
	default:
		return median(vals)
	}
}

func median(vals []float64) float64 {
	s := make([]float64, len(vals))
	copy(s, vals)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func hasNaN(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
