// Package stationxml reads FDSN StationXML station metadata into the
// inventory model, keeping the parts the response correction needs:
// channel epochs, pole-zero stages, stage gains and the declared
// sensitivity.
package stationxml

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rizac/sdaas/pkg/inventory"
)

// Reader reads an inventory from a StationXML file.
type Reader struct {
	file *os.File
}

// NewReader opens a StationXML file.
func NewReader(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	return &Reader{file: file}, nil
}

// Read parses the whole file.
func (r *Reader) Read() (*inventory.Inventory, error) {
	data, err := io.ReadAll(r.file)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// ReadFile parses the StationXML file at path.
func ReadFile(path string) (*inventory.Inventory, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Read()
}

// Parse decodes a StationXML document.
func Parse(data []byte) (*inventory.Inventory, error) {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing stationxml: %w", err)
	}
	inv := &inventory.Inventory{
		Source:  doc.Source,
		Created: parseTime(doc.Created),
	}
	for _, xn := range doc.Networks {
		net := &inventory.Network{Code: xn.Code}
		for _, xs := range xn.Stations {
			sta := &inventory.Station{Code: xs.Code}
			for _, xc := range xs.Channels {
				ch, err := convertChannel(xc)
				if err != nil {
					return nil, fmt.Errorf("channel %s.%s.%s.%s: %w",
						xn.Code, xs.Code, xc.Location, xc.Code, err)
				}
				sta.Channels = append(sta.Channels, ch)
			}
			net.Stations = append(net.Stations, sta)
		}
		inv.Networks = append(inv.Networks, net)
	}
	return inv, nil
}

func convertChannel(xc channel) (*inventory.Channel, error) {
	ch := &inventory.Channel{
		Code:       xc.Code,
		Location:   xc.Location,
		Start:      parseTime(xc.StartDate),
		End:        parseTime(xc.EndDate),
		SampleRate: xc.SampleRate,
	}
	if xc.Response == nil {
		return ch, nil
	}
	resp := &inventory.Response{}
	if s := xc.Response.Sensitivity; s != nil {
		resp.Sensitivity = s.Value
		resp.SensitivityFreq = s.Frequency
		resp.InputUnits = s.InputUnits.Name
	}
	for _, xs := range xc.Response.Stages {
		st := inventory.Stage{}
		if g := xs.Gain; g != nil {
			st.Gain = g.Value
			st.GainFreq = g.Frequency
		}
		if pz := xs.PolesZeros; pz != nil {
			kind, err := transferFunction(pz.Type)
			if err != nil {
				return nil, err
			}
			ipz := &inventory.PolesZeros{
				Type:                kind,
				NormalizationFactor: pz.A0,
				NormalizationFreq:   pz.Frequency,
			}
			for _, z := range pz.Zeros {
				ipz.Zeros = append(ipz.Zeros, complex(z.Real, z.Imag))
			}
			for _, p := range pz.Poles {
				ipz.Poles = append(ipz.Poles, complex(p.Real, p.Imag))
			}
			st.PZ = ipz
			if resp.InputUnits == "" {
				resp.InputUnits = pz.InputUnits.Name
			}
		}
		resp.Stages = append(resp.Stages, st)
	}
	ch.Response = resp
	return ch, nil
}

func transferFunction(s string) (inventory.TransferFunction, error) {
	u := strings.ToUpper(s)
	switch {
	case strings.Contains(u, "RADIAN") || strings.Contains(u, "RAD/SEC"):
		return inventory.LaplaceRadians, nil
	case strings.Contains(u, "HERTZ") || strings.Contains(u, "HZ"):
		return inventory.LaplaceHertz, nil
	case strings.Contains(u, "DIGITAL") || strings.Contains(u, "Z-TRANSFORM"):
		return inventory.DigitalZ, nil
	}
	return 0, fmt.Errorf("unknown transfer function type %q", s)
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

type document struct {
	XMLName  xml.Name  `xml:"FDSNStationXML"`
	Source   string    `xml:"Source"`
	Created  string    `xml:"Created"`
	Networks []network `xml:"Network"`
}

type network struct {
	Code     string    `xml:"code,attr"`
	Stations []station `xml:"Station"`
}

type station struct {
	Code     string    `xml:"code,attr"`
	Channels []channel `xml:"Channel"`
}

type channel struct {
	Code       string    `xml:"code,attr"`
	Location   string    `xml:"locationCode,attr"`
	StartDate  string    `xml:"startDate,attr"`
	EndDate    string    `xml:"endDate,attr"`
	SampleRate float64   `xml:"SampleRate"`
	Response   *response `xml:"Response"`
}

type response struct {
	Sensitivity *sensitivity `xml:"InstrumentSensitivity"`
	Stages      []stage      `xml:"Stage"`
}

type sensitivity struct {
	Value      float64 `xml:"Value"`
	Frequency  float64 `xml:"Frequency"`
	InputUnits units   `xml:"InputUnits"`
}

type units struct {
	Name string `xml:"Name"`
}

type stage struct {
	Number     int         `xml:"number,attr"`
	PolesZeros *polesZeros `xml:"PolesZeros"`
	Gain       *stageGain  `xml:"StageGain"`
}

type stageGain struct {
	Value     float64 `xml:"Value"`
	Frequency float64 `xml:"Frequency"`
}

type polesZeros struct {
	InputUnits units    `xml:"InputUnits"`
	Type       string   `xml:"PzTransferFunctionType"`
	A0         float64  `xml:"NormalizationFactor"`
	Frequency  float64  `xml:"NormalizationFrequency"`
	Zeros      []pzItem `xml:"Zero"`
	Poles      []pzItem `xml:"Pole"`
}

type pzItem struct {
	Number int     `xml:"number,attr"`
	Real   float64 `xml:"Real"`
	Imag   float64 `xml:"Imaginary"`
}
