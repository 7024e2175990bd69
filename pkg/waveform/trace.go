// Package waveform defines the seismic data model: traces of evenly
// sampled amplitude values, grouped into streams.
package waveform

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Trace is a contiguous, evenly sampled segment of a single channel.
// Data holds raw instrument counts converted to float64.
type Trace struct {
	Network  string
	Station  string
	Location string
	Channel  string

	Start      time.Time
	SampleRate float64
	Data       []float64
}

// Stream is an ordered collection of traces, typically all segments
// decoded from one source file or download.
type Stream []*Trace

// ID returns the SEED channel identifier NET.STA.LOC.CHA.
func (t *Trace) ID() string {
	return t.Network + "." + t.Station + "." + t.Location + "." + t.Channel
}

// NumSamples returns the number of data points.
func (t *Trace) NumSamples() int {
	return len(t.Data)
}

// Delta returns the sampling interval in seconds.
func (t *Trace) Delta() float64 {
	if t.SampleRate <= 0 {
		return 0
	}
	return 1.0 / t.SampleRate
}

// End returns the time of the last sample. A trace with fewer than two
// samples ends when it starts.
func (t *Trace) End() time.Time {
	if len(t.Data) < 2 || t.SampleRate <= 0 {
		return t.Start
	}
	span := float64(len(t.Data)-1) / t.SampleRate
	return t.Start.Add(time.Duration(math.Round(span * 1e9)))
}

// SplitID splits a SEED identifier NET.STA.LOC.CHA into its four codes.
func SplitID(id string) (net, sta, loc, cha string, err error) {
	parts := strings.Split(id, ".")
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("invalid channel id %q: want NET.STA.LOC.CHA", id)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}
