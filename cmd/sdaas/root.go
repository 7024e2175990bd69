package main

import (
	"github.com/spf13/cobra"
)

type options struct {
	data            string
	metadata        string
	threshold       float64
	separator       string
	aggregate       string
	waveformLength  int
	downloadCount   int
	downloadTimeout int
	verbose         bool
}

const longHelp = `Compute the amplitude anomaly score of seismic waveforms.

The anomaly score is a number in [0, 1] (0: regular waveform or inlier,
1: anomaly or outlier) where 0.5 represents the theoretical decision
threshold. In practice scores are returned roughly in the range
[0.4, 0.8]: scores <= 0.5 can safely be considered inliers, scores
above may need inspection (see --threshold). Anomalies are typically
due to broken sensors, artifacts in the data (spikes, gaps,
zero-amplitude signals, unusual noise) or in the metadata (e.g. stage
gain errors).

data can be:
  - a miniSEED file,
  - a directory: all *.mseed files therein are tested and, when
    --metadata is missing, a single *.xml StationXML file in the
    directory provides the metadata,
  - an FDSN dataselect URL: the waveform is downloaded and tested
    (--metadata defaults to the corresponding station URL),
  - an FDSN station URL: for each matching station, several short
    waveforms spread over the channel epoch are downloaded and tested.
    Scores persistently low (<=0.5) or high (>>0.5) most likely denote
    good or bad metadata, respectively. --metadata must be omitted.

Each waveform is printed to stdout as a row of a tabular output with
columns id, start, end, anomaly_score and, when a threshold is set,
class_label. The header, the progress bar and any diagnostics go to
stderr (with --verbose the header goes to stdout instead), so stdout
can be redirected to produce e.g. CSV files (see --sep).`

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "sdaas <data>",
		Short:         "Amplitude anomaly score of seismic waveforms",
		Long:          longHelp,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.data = args[0]
			return run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.metadata, "metadata", "m", "",
		"station metadata: StationXML file path or FDSN station URL")
	f.Float64VarP(&opts.threshold, "threshold", "t", -1,
		"decision threshold T: when 0 < T < 1, scores > T are labeled as anomalies")
	f.StringVar(&opts.separator, "sep", "",
		"column separator, e.g. \",\" for CSV output (disables colors)")
	f.StringVarP(&opts.aggregate, "aggregate", "a", "",
		"aggregate scores per channel: min, max, mean or median")
	f.IntVar(&opts.waveformLength, "waveform-length", 120,
		"length in seconds of the waveforms downloaded from a station URL")
	f.IntVar(&opts.downloadCount, "download-count", 5,
		"max number of waveforms downloaded per channel from a station URL")
	f.IntVar(&opts.downloadTimeout, "download-timeout", 30,
		"download timeout in seconds")
	f.BoolVarP(&opts.verbose, "verbose", "v", false,
		"print diagnostics to stderr and the output header to stdout")
	return cmd
}
