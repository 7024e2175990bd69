package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/rizac/sdaas/pkg/fdsn"
	"github.com/rizac/sdaas/pkg/inventory"
	sdaasio "github.com/rizac/sdaas/pkg/io"
	"github.com/rizac/sdaas/pkg/io/mseed"
	"github.com/rizac/sdaas/pkg/io/stationxml"
	"github.com/rizac/sdaas/pkg/scoring"
	"github.com/rizac/sdaas/pkg/scoring/iforest"
	"github.com/rizac/sdaas/pkg/waveform"
)

// row is one line of the tabular output.
type row struct {
	id    string
	start time.Time
	end   time.Time
	score float64
	label float64 // NaN when no threshold is set or the score is NaN
}

func run(cmd *cobra.Command, opts *options) error {
	stdout := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()

	level := slog.LevelError
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	agg := scoring.Aggregation("")
	if opts.aggregate != "" {
		var err error
		agg, err = scoring.ParseAggregation(opts.aggregate)
		if err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	client := fdsn.NewClient(time.Duration(opts.downloadTimeout) * time.Second)
	groups, err := collectSources(ctx, client, opts)
	if err != nil {
		return err
	}

	// Load the model before processing so a broken artifact fails fast
	// and the progress bar does not stall on the first batch.
	model, err := iforest.Default()
	if err != nil {
		return fmt.Errorf("loading model: %w", err)
	}

	total := 0
	for _, g := range groups {
		total += len(g.waveforms) + 1
	}
	bar := newProgressBar(total, stderr)

	var chanOrder []string
	chanRows := make(map[string][]row)

	for _, g := range groups {
		bar.Add(1)
		inv, err := readMetadata(ctx, client, g.metadata)
		if err != nil {
			logger.Warn("metadata error", "error", err, "source", g.metadata)
			continue
		}
		var traces []*waveform.Trace
		for _, source := range g.waveforms {
			bar.Add(1)
			st, err := readStream(ctx, client, source)
			if err != nil {
				logger.Warn("waveform error", "error", err, "source", source)
				continue
			}
			traces = append(traces, st...)
		}
		if len(traces) == 0 {
			continue
		}
		logger.Debug("scoring traces", "count", len(traces), "metadata", g.metadata)
		ids, scores, err := scoring.TracesScoresWithIDs(model, traces, inv, nil)
		if err != nil {
			return err
		}
		for i, id := range ids {
			if _, ok := chanRows[id.Channel]; !ok {
				chanOrder = append(chanOrder, id.Channel)
			}
			chanRows[id.Channel] = append(chanRows[id.Channel], row{
				id:    id.Channel,
				start: id.Start,
				end:   id.End,
				score: scores[i],
				label: math.NaN(),
			})
		}
	}
	bar.Finish()

	rows, err := buildRows(chanOrder, chanRows, agg)
	if err != nil {
		return err
	}

	thSet := scoring.IsThresholdSet(opts.threshold)
	if thSet {
		vals := make([]float64, len(rows))
		for i, r := range rows {
			vals[i] = r.score
		}
		labels := scoring.Classify(vals, opts.threshold)
		for i := range rows {
			rows[i].label = labels[i]
		}
	}

	if len(rows) == 0 {
		logger.Info("no data to analyze found")
		return nil
	}

	scoreColumn := "anomaly_score"
	if agg != "" {
		scoreColumn = string(agg) + "_" + scoreColumn
	}
	headerOut := io.Writer(stderr)
	if opts.verbose {
		headerOut = stdout
	}
	useColor := thSet && opts.separator == "" && shouldColorize(stdout)
	printHeader(headerOut, opts.separator, scoreColumn, thSet)
	for _, r := range rows {
		printRow(stdout, r, thSet, opts.separator, useColor)
	}
	return nil
}

// buildRows flattens the per-channel rows into output order: channels
// in first-appearance order, traces sorted by start time within each
// channel. With an aggregation, each channel reduces to a single row
// spanning min(start) to max(end).
func buildRows(chanOrder []string, chanRows map[string][]row, agg scoring.Aggregation) ([]row, error) {
	var rows []row
	if agg == "" {
		for _, id := range chanOrder {
			rs := chanRows[id]
			sort.SliceStable(rs, func(i, j int) bool { return rs[i].start.Before(rs[j].start) })
			rows = append(rows, rs...)
		}
		return rows, nil
	}

	var keys []string
	var scores []float64
	for _, id := range chanOrder {
		for _, r := range chanRows[id] {
			keys = append(keys, id)
			scores = append(scores, r.score)
		}
	}
	order, vals, err := scoring.Aggregate(keys, scores, agg)
	if err != nil {
		return nil, err
	}
	for i, id := range order {
		rs := chanRows[id]
		start, end := rs[0].start, rs[0].end
		for _, r := range rs[1:] {
			if r.start.Before(start) {
				start = r.start
			}
			if r.end.After(end) {
				end = r.end
			}
		}
		rows = append(rows, row{id: id, start: start, end: end, score: vals[i], label: math.NaN()})
	}
	return rows, nil
}

func readStream(ctx context.Context, client *fdsn.Client, source string) (waveform.Stream, error) {
	var r sdaasio.WaveformReader
	var err error
	if isRemoteURL(source) {
		r = &remoteWaveforms{ctx: ctx, client: client, url: source}
	} else {
		r, err = mseed.NewReader(source)
		if err != nil {
			return nil, err
		}
	}
	defer r.Close()
	return r.Read()
}

func readMetadata(ctx context.Context, client *fdsn.Client, source string) (*inventory.Inventory, error) {
	var r sdaasio.MetadataReader
	var err error
	if isRemoteURL(source) {
		r = &remoteMetadata{ctx: ctx, client: client, url: source}
	} else {
		r, err = stationxml.NewReader(source)
		if err != nil {
			return nil, err
		}
	}
	defer r.Close()
	return r.Read()
}

// remoteWaveforms reads miniSEED from a dataselect URL.
type remoteWaveforms struct {
	ctx    context.Context
	client *fdsn.Client
	url    string
}

func (r *remoteWaveforms) Read() (waveform.Stream, error) {
	body, err := r.client.Get(r.ctx, r.url)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		// 204, no matching data.
		return nil, nil
	}
	return mseed.Decode(body)
}

func (r *remoteWaveforms) Close() error { return nil }

// remoteMetadata reads StationXML from a station URL.
type remoteMetadata struct {
	ctx    context.Context
	client *fdsn.Client
	url    string
}

func (r *remoteMetadata) Read() (*inventory.Inventory, error) {
	body, err := r.client.Get(r.ctx, r.url)
	if err != nil {
		return nil, err
	}
	return stationxml.Parse(body)
}

func (r *remoteMetadata) Close() error { return nil }

func newProgressBar(total int, w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("analyzing"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(shouldColorize(w)),
		progressbar.OptionClearOnFinish(),
	)
}
