// Package inventory models station metadata: the network, station and
// channel hierarchy and the instrument responses attached to channel
// epochs. It evaluates responses in the frequency domain the way
// evalresp does, which is what the spectral pipeline needs to correct
// raw counts back to ground motion.
package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/rizac/sdaas/pkg/waveform"
)

// ErrResponseUnavailable is returned when no channel epoch matches a
// requested identifier and time.
var ErrResponseUnavailable = errors.New("response unavailable")

// Inventory is a set of networks with station metadata, typically read
// from a StationXML document.
type Inventory struct {
	Source   string
	Created  time.Time
	Networks []*Network
}

// Network groups the stations sharing a network code.
type Network struct {
	Code     string
	Stations []*Station
}

// Station groups the channel epochs recorded at one site.
type Station struct {
	Code     string
	Channels []*Channel
}

// Channel is one channel epoch: a code and location active over
// [Start, End] with a known sample rate and instrument response.
// A zero End means the epoch is still open.
type Channel struct {
	Code       string
	Location   string
	Start      time.Time
	End        time.Time
	SampleRate float64
	Response   *Response
}

// Active reports whether the epoch covers time t.
func (c *Channel) Active(t time.Time) bool {
	if t.Before(c.Start) {
		return false
	}
	return c.End.IsZero() || !t.After(c.End)
}

// ResponseAt returns the response of the channel identified by the SEED
// id NET.STA.LOC.CHA whose epoch covers time t. When several epochs
// match, the first one wins. The returned error wraps
// ErrResponseUnavailable when no epoch matches or the matching epoch
// carries no response.
func (inv *Inventory) ResponseAt(id string, t time.Time) (*Response, error) {
	net, sta, loc, cha, err := waveform.SplitID(id)
	if err != nil {
		return nil, err
	}
	for _, n := range inv.Networks {
		if n.Code != net {
			continue
		}
		for _, s := range n.Stations {
			if s.Code != sta {
				continue
			}
			for _, c := range s.Channels {
				if c.Code != cha || c.Location != loc || !c.Active(t) {
					continue
				}
				if c.Response == nil {
					return nil, fmt.Errorf("%w: %s at %s has no response stages",
						ErrResponseUnavailable, id, t.Format(time.RFC3339))
				}
				return c.Response, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no matching channel epoch for %s at %s",
		ErrResponseUnavailable, id, t.Format(time.RFC3339))
}
