package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rizac/sdaas/pkg/fdsn"
)

// group pairs one metadata source with the waveform sources scored
// against it. Entries are file paths or URLs.
type group struct {
	metadata  string
	waveforms []string
}

func isRemoteURL(s string) bool {
	return strings.Contains(s, "://")
}

const filePrefix = "file://"

func trimFilePrefix(s string) string {
	if strings.HasPrefix(strings.ToLower(s), filePrefix) {
		return s[len(filePrefix):]
	}
	return s
}

// collectSources resolves the data argument into groups of waveform
// sources, each with its metadata source.
func collectSources(ctx context.Context, client *fdsn.Client, opts *options) ([]group, error) {
	data := trimFilePrefix(opts.data)
	metadata := trimFilePrefix(opts.metadata)

	if info, err := os.Stat(data); err == nil {
		if info.IsDir() {
			return dirSources(data, metadata)
		}
		return newGroup(metadata, []string{data})
	}
	if isRemoteURL(data) {
		wlen := time.Duration(opts.waveformLength) * time.Second
		return urlSources(ctx, client, data, metadata, wlen, opts.downloadCount)
	}
	return nil, fmt.Errorf("invalid file/directory/FDSN URL: %s", data)
}

// dirSources collects all *.mseed files of a directory. When no
// metadata is given, the directory must contain exactly one *.xml
// StationXML file.
func dirSources(dir, metadata string) ([]group, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var mseeds, xmls []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".mseed":
			mseeds = append(mseeds, filepath.Join(dir, e.Name()))
		case ".xml":
			xmls = append(xmls, filepath.Join(dir, e.Name()))
		}
	}
	if len(mseeds) == 0 {
		return nil, fmt.Errorf("no miniSEED found (extension: .mseed) in %q", dir)
	}
	if metadata == "" {
		if len(xmls) != 1 {
			return nil, fmt.Errorf("expected 1 metadata file (StationXML) in %q, found %d",
				filepath.Base(dir), len(xmls))
		}
		metadata = xmls[0]
	}
	return newGroup(metadata, mseeds)
}

func newGroup(metadata string, waveforms []string) ([]group, error) {
	if metadata == "" {
		return nil, fmt.Errorf("no metadata (StationXML) file provided")
	}
	if !isRemoteURL(metadata) {
		if info, err := os.Stat(metadata); err != nil || info.IsDir() {
			return nil, fmt.Errorf("no metadata (StationXML) file: %s", metadata)
		}
	}
	return []group{{metadata: metadata, waveforms: waveforms}}, nil
}

// urlSources resolves an FDSN URL. A dataselect URL yields a single
// waveform download with the corresponding station query as default
// metadata. A station URL yields, for each matching station, up to
// maxCount dataselect windows of wlen each spread over the channel
// epoch, scored against the station response metadata.
func urlSources(ctx context.Context, client *fdsn.Client, rawurl, metadata string,
	wlen time.Duration, maxCount int) ([]group, error) {

	q, err := fdsn.Parse(rawurl)
	if err != nil {
		return nil, err
	}

	if !q.IsStation() {
		if metadata == "" {
			mq := q.AsStation()
			mq.SetParam("level", "response")
			metadata = mq.URL()
		}
		return []group{{metadata: metadata, waveforms: []string{rawurl}}}, nil
	}

	if metadata != "" {
		return nil, fmt.Errorf("conflict: with a station URL you cannot also provide the metadata argument")
	}
	mq := q.Clone()
	mq.SetParam("level", "response")
	mq.DelParam("format")
	g := group{metadata: mq.URL()}

	queries, err := client.DataselectQueries(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, dq := range queries {
		windows, err := dq.Windows(wlen, maxCount)
		if err != nil {
			return nil, err
		}
		for _, w := range windows {
			g.waveforms = append(g.waveforms, w.URL())
		}
	}
	return []group{g}, nil
}
