// Package features computes model feature vectors from traces. The
// feature space has length one: the response-corrected PSD value at
// the 5 second period, in dB. Batch functions never shrink their
// input: a trace whose feature cannot be computed yields a NaN vector
// so downstream scoring stays aligned with the trace list.
package features

import (
	"math"
	"time"

	"github.com/rizac/sdaas/pkg/psd"
	"github.com/rizac/sdaas/pkg/waveform"
)

// Periods are the PSD periods, in seconds, spanning the feature space.
// Feature selection during model development settled on the single PSD
// value at 5 seconds.
var Periods = []float64{5}

// Len returns the feature vector length.
func Len() int { return len(Periods) }

// ID identifies a scored trace: SEED channel id plus time span.
type ID struct {
	Channel string
	Start   time.Time
	End     time.Time
}

// IDFunc derives the identifier attached to a trace's feature vector.
type IDFunc func(*waveform.Trace) ID

// DefaultID returns the trace's channel id and time span.
func DefaultID(tr *waveform.Trace) ID {
	return ID{Channel: tr.ID(), Start: tr.Start, End: tr.End()}
}

// Trace computes the feature vector of a single trace. Unlike the
// batch functions it reports failures: the error wraps
// inventory.ErrResponseUnavailable or psd.ErrTraceTooShort when the
// trace cannot be corrected.
func Trace(tr *waveform.Trace, src psd.ResponseSource) ([]float64, error) {
	return psd.Values(tr, src, Periods)
}

// Traces computes one feature vector per trace. Traces that fail yield
// NaN vectors, so the result always has one row per input trace.
func Traces(traces []*waveform.Trace, src psd.ResponseSource) [][]float64 {
	out := make([][]float64, 0, len(traces))
	for _, tr := range traces {
		out = append(out, featureOrNaN(tr, src))
	}
	return out
}

// TracesWithIDs computes one feature vector per trace along with the
// trace identifiers. A nil idfn means DefaultID. The two returned
// slices are index-aligned and of equal length.
func TracesWithIDs(traces []*waveform.Trace, src psd.ResponseSource, idfn IDFunc) ([]ID, [][]float64) {
	if idfn == nil {
		idfn = DefaultID
	}
	ids := make([]ID, 0, len(traces))
	out := make([][]float64, 0, len(traces))
	for _, tr := range traces {
		ids = append(ids, idfn(tr))
		out = append(out, featureOrNaN(tr, src))
	}
	return ids, out
}

// Streams computes one feature vector per trace across all streams,
// in stream order.
func Streams(streams []waveform.Stream, src psd.ResponseSource) [][]float64 {
	var out [][]float64
	for _, st := range streams {
		for _, tr := range st {
			out = append(out, featureOrNaN(tr, src))
		}
	}
	return out
}

// StreamsWithIDs computes feature vectors and identifiers for all
// traces across all streams. A nil idfn means DefaultID.
func StreamsWithIDs(streams []waveform.Stream, src psd.ResponseSource, idfn IDFunc) ([]ID, [][]float64) {
	if idfn == nil {
		idfn = DefaultID
	}
	var ids []ID
	var out [][]float64
	for _, st := range streams {
		for _, tr := range st {
			ids = append(ids, idfn(tr))
			out = append(out, featureOrNaN(tr, src))
		}
	}
	return ids, out
}

// Append concatenates two feature matrices row-wise. Either argument
// may be nil or empty.
func Append(a, b [][]float64) [][]float64 {
	out := make([][]float64, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func featureOrNaN(tr *waveform.Trace, src psd.ResponseSource) []float64 {
	v, err := Trace(tr, src)
	if err != nil {
		v = make([]float64, Len())
		for i := range v {
			v[i] = math.NaN()
		}
	}
	return v
}
