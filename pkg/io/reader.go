// Package io defines the reader contracts shared by the waveform and
// metadata sources.
package io

import (
	"github.com/rizac/sdaas/pkg/inventory"
	"github.com/rizac/sdaas/pkg/waveform"
)

// WaveformReader is the interface for reading waveform data from a
// source such as a miniSEED file or an FDSN dataselect query.
type WaveformReader interface {
	// Read returns the complete stream.
	Read() (waveform.Stream, error)

	// Close releases resources.
	Close() error
}

// MetadataReader is the interface for reading station metadata.
type MetadataReader interface {
	// Read returns the complete inventory.
	Read() (*inventory.Inventory, error)

	// Close releases resources.
	Close() error
}
