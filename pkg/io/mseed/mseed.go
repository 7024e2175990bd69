// Package mseed reads miniSEED waveform files: fixed-length records
// with a 48-byte header, a blockette chain and a data payload in one
// of the common encodings (16/32-bit integers, IEEE floats, Steim-1
// and Steim-2 compression), either byte order. Contiguous records of
// the same channel are merged into a single trace; a gap, overlap or
// sample rate change starts a new one.
package mseed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rizac/sdaas/pkg/waveform"
)

// Data encodings from the blockette 1000 format field.
const (
	encInt16   = 1
	encInt32   = 3
	encFloat32 = 4
	encFloat64 = 5
	encSteim1  = 10
	encSteim2  = 11
)

const headerLen = 48

// Reader reads all traces from a miniSEED file.
type Reader struct {
	file *os.File
}

// NewReader opens a miniSEED file.
func NewReader(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	return &Reader{file: file}, nil
}

// Read returns the file's traces, merged and sorted by channel id and
// start time.
func (r *Reader) Read() (waveform.Stream, error) {
	data, err := io.ReadAll(r.file)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// ReadFile reads all traces from a miniSEED file.
func ReadFile(filename string) (waveform.Stream, error) {
	r, err := NewReader(filename)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Read()
}

// Decode parses a complete miniSEED volume. Records are sorted by
// channel id and start time, then contiguous runs are merged.
func Decode(data []byte) (waveform.Stream, error) {
	if len(data) == 0 {
		return nil, errors.New("empty miniseed volume")
	}
	var recs []record
	for ofs := 0; ofs < len(data); {
		rec, reclen, err := decodeRecord(data[ofs:])
		if err != nil {
			return nil, fmt.Errorf("miniseed record at offset %d: %w", ofs, err)
		}
		if len(rec.samples) > 0 {
			recs = append(recs, rec)
		}
		ofs += reclen
	}
	return merge(recs), nil
}

type record struct {
	id      string
	start   time.Time
	rate    float64
	samples []float64
}

func merge(recs []record) waveform.Stream {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].id != recs[j].id {
			return recs[i].id < recs[j].id
		}
		return recs[i].start.Before(recs[j].start)
	})

	var stream waveform.Stream
	var cur *waveform.Trace
	for _, rec := range recs {
		if cur != nil && cur.ID() == rec.id && cur.SampleRate == rec.rate {
			delta := time.Duration(math.Round(1e9 / rec.rate))
			expected := cur.Start.Add(time.Duration(len(cur.Data)) * delta)
			lag := rec.start.Sub(expected)
			if lag < 0 {
				lag = -lag
			}
			if lag <= delta/2 {
				cur.Data = append(cur.Data, rec.samples...)
				continue
			}
		}
		net, sta, loc, cha, _ := waveform.SplitID(rec.id)
		cur = &waveform.Trace{
			Network:    net,
			Station:    sta,
			Location:   loc,
			Channel:    cha,
			Start:      rec.start,
			SampleRate: rec.rate,
			Data:       rec.samples,
		}
		stream = append(stream, cur)
	}
	return stream
}

func decodeRecord(buf []byte) (record, int, error) {
	var rec record
	if len(buf) < 64 {
		return rec, 0, errors.New("truncated record")
	}
	ord, err := detectOrder(buf)
	if err != nil {
		return rec, 0, err
	}

	sta := strings.TrimSpace(string(buf[8:13]))
	loc := strings.TrimSpace(string(buf[13:15]))
	cha := strings.TrimSpace(string(buf[15:18]))
	net := strings.TrimSpace(string(buf[18:20]))
	rec.id = net + "." + sta + "." + loc + "." + cha

	year := int(ord.Uint16(buf[20:22]))
	doy := int(ord.Uint16(buf[22:24]))
	hour, min, sec := int(buf[24]), int(buf[25]), int(buf[26])
	fract := int(ord.Uint16(buf[28:30]))

	nsamp := int(ord.Uint16(buf[30:32]))
	factor := int16(ord.Uint16(buf[32:34]))
	mult := int16(ord.Uint16(buf[34:36]))
	activity := buf[36]
	tcorr := int32(ord.Uint32(buf[40:44]))
	dataOfs := int(ord.Uint16(buf[44:46]))
	blkOfs := int(ord.Uint16(buf[46:48]))

	encoding := -1
	reclen := 0
	micros := 0
	for blkOfs != 0 {
		if blkOfs+8 > len(buf) {
			return rec, 0, errors.New("blockette past end of record")
		}
		btype := int(ord.Uint16(buf[blkOfs : blkOfs+2]))
		next := int(ord.Uint16(buf[blkOfs+2 : blkOfs+4]))
		switch btype {
		case 1000:
			encoding = int(buf[blkOfs+4])
			reclen = 1 << buf[blkOfs+6]
		case 1001:
			micros = int(int8(buf[blkOfs+5]))
		}
		if next != 0 && next <= blkOfs {
			return rec, 0, errors.New("blockette chain loops")
		}
		blkOfs = next
	}
	if encoding < 0 {
		return rec, 0, errors.New("no blockette 1000")
	}
	if reclen < 128 || reclen > len(buf) {
		return rec, 0, fmt.Errorf("record length %d exceeds available %d bytes", reclen, len(buf))
	}

	rec.rate, err = sampleRate(factor, mult)
	if err != nil {
		return rec, 0, err
	}

	start := time.Date(year, 1, 1, hour, min, sec, 0, time.UTC).AddDate(0, 0, doy-1)
	start = start.Add(time.Duration(fract) * 100 * time.Microsecond)
	start = start.Add(time.Duration(micros) * time.Microsecond)
	// Header time corrections are applied unless flagged as already
	// included in the start time.
	if activity&0x02 == 0 {
		start = start.Add(time.Duration(tcorr) * 100 * time.Microsecond)
	}
	rec.start = start

	if nsamp == 0 {
		return rec, reclen, nil
	}
	if dataOfs < headerLen || dataOfs >= reclen {
		return rec, 0, fmt.Errorf("data offset %d out of record", dataOfs)
	}
	rec.samples, err = decodeSamples(buf[dataOfs:reclen], nsamp, encoding, ord)
	if err != nil {
		return rec, 0, err
	}
	return rec, reclen, nil
}

// detectOrder infers the record byte order from the header year and
// day-of-year fields.
func detectOrder(buf []byte) (binary.ByteOrder, error) {
	for _, ord := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		year := ord.Uint16(buf[20:22])
		doy := ord.Uint16(buf[22:24])
		if year >= 1900 && year <= 2100 && doy >= 1 && doy <= 366 {
			return ord, nil
		}
	}
	return nil, errors.New("cannot determine byte order")
}

// sampleRate resolves the header rate factor and multiplier. Negative
// values denote inverses.
func sampleRate(factor, mult int16) (float64, error) {
	if factor == 0 || mult == 0 {
		return 0, fmt.Errorf("invalid sample rate factor %d multiplier %d", factor, mult)
	}
	var rate float64
	if factor > 0 {
		rate = float64(factor)
	} else {
		rate = -1.0 / float64(factor)
	}
	if mult > 0 {
		rate *= float64(mult)
	} else {
		rate /= -float64(mult)
	}
	return rate, nil
}

func decodeSamples(payload []byte, nsamp, encoding int, ord binary.ByteOrder) ([]float64, error) {
	switch encoding {
	case encInt16:
		return decodePlain(payload, nsamp, 2, func(b []byte) float64 {
			return float64(int16(ord.Uint16(b)))
		})
	case encInt32:
		return decodePlain(payload, nsamp, 4, func(b []byte) float64 {
			return float64(int32(ord.Uint32(b)))
		})
	case encFloat32:
		return decodePlain(payload, nsamp, 4, func(b []byte) float64 {
			return float64(math.Float32frombits(ord.Uint32(b)))
		})
	case encFloat64:
		return decodePlain(payload, nsamp, 8, func(b []byte) float64 {
			return math.Float64frombits(ord.Uint64(b))
		})
	case encSteim1:
		return steimDecode(payload, nsamp, 1, ord)
	case encSteim2:
		return steimDecode(payload, nsamp, 2, ord)
	}
	return nil, fmt.Errorf("unsupported data encoding %d", encoding)
}

func decodePlain(payload []byte, nsamp, width int, conv func([]byte) float64) ([]float64, error) {
	if nsamp*width > len(payload) {
		return nil, fmt.Errorf("payload holds %d bytes, need %d", len(payload), nsamp*width)
	}
	out := make([]float64, nsamp)
	for i := range out {
		out[i] = conv(payload[i*width : (i+1)*width])
	}
	return out, nil
}

// steimDecode unpacks Steim-1/2 frames: 16 words per 64-byte frame,
// word zero holding fifteen 2-bit codes, the first frame carrying the
// forward and reverse integration constants in words one and two.
func steimDecode(payload []byte, nsamp, version int, ord binary.ByteOrder) ([]float64, error) {
	var x0, xn int32
	diffs := make([]int32, 0, nsamp)
	for f := 0; f+64 <= len(payload); f += 64 {
		frame := payload[f : f+64]
		w0 := ord.Uint32(frame[0:4])
		for wi := 1; wi < 16; wi++ {
			w := ord.Uint32(frame[4*wi : 4*wi+4])
			if f == 0 && wi == 1 {
				x0 = int32(w)
				continue
			}
			if f == 0 && wi == 2 {
				xn = int32(w)
				continue
			}
			nib := (w0 >> (30 - 2*uint(wi))) & 3
			var err error
			diffs, err = steimWord(diffs, nib, w, version)
			if err != nil {
				return nil, err
			}
		}
	}
	if len(diffs) < nsamp {
		return nil, fmt.Errorf("steim payload holds %d differences, need %d", len(diffs), nsamp)
	}
	out := make([]float64, nsamp)
	cur := x0
	out[0] = float64(cur)
	for i := 1; i < nsamp; i++ {
		cur += diffs[i]
		out[i] = float64(cur)
	}
	if cur != xn {
		return nil, fmt.Errorf("steim reverse integration mismatch: got %d, want %d", cur, xn)
	}
	return out, nil
}

func steimWord(diffs []int32, nib, w uint32, version int) ([]int32, error) {
	switch {
	case nib == 0:
	case nib == 1:
		diffs = append(diffs,
			int32(int8(w>>24)), int32(int8(w>>16)), int32(int8(w>>8)), int32(int8(w)))
	case version == 1 && nib == 2:
		diffs = append(diffs, int32(int16(w>>16)), int32(int16(w)))
	case version == 1:
		diffs = append(diffs, int32(w))
	case nib == 2:
		switch w >> 30 {
		case 1:
			diffs = append(diffs, signExtend(w&0x3FFFFFFF, 30))
		case 2:
			diffs = append(diffs, signExtend((w>>15)&0x7FFF, 15), signExtend(w&0x7FFF, 15))
		case 3:
			diffs = append(diffs,
				signExtend((w>>20)&0x3FF, 10), signExtend((w>>10)&0x3FF, 10), signExtend(w&0x3FF, 10))
		default:
			return nil, errors.New("bad steim2 difference descriptor")
		}
	default:
		var cnt, bits uint
		switch w >> 30 {
		case 0:
			cnt, bits = 5, 6
		case 1:
			cnt, bits = 6, 5
		case 2:
			cnt, bits = 7, 4
		default:
			return nil, errors.New("bad steim2 difference descriptor")
		}
		for k := uint(0); k < cnt; k++ {
			sh := bits * (cnt - 1 - k)
			diffs = append(diffs, signExtend((w>>sh)&(1<<bits-1), bits))
		}
	}
	return diffs, nil
}

func signExtend(v uint32, bits uint) int32 {
	if v&(1<<(bits-1)) != 0 {
		v |= ^uint32(0) << bits
	}
	return int32(v)
}
