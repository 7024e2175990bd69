package main

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

const timeFormat = "2006-01-02T15:04:05.000"

var (
	inlierColor  = color.New(color.FgHiGreen)
	outlierColor = color.New(color.FgHiYellow)
)

// shouldColorize reports whether w is an interactive terminal.
func shouldColorize(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func printHeader(w io.Writer, separator, scoreColumn string, withLabel bool) {
	sep := separator
	if sep == "" {
		sep = " "
	}
	label := ""
	if withLabel {
		label = sep + "class_label"
	}
	fmt.Fprintf(w, "id%sstart%send%s%s%s\n", sep, sep, sep, scoreColumn, label)
}

// printRow writes one result row. With a threshold the score and label
// cells are colored green (inlier) or yellow (outlier) when colors are
// on; an unscorable row stays uncolored.
func printRow(w io.Writer, r row, withLabel bool, separator string, colorize bool) {
	scoreStr := formatScore(r.score)
	labelStr := ""
	if withLabel {
		labelStr = formatLabel(r.label)
		if colorize && !math.IsNaN(r.label) {
			paint := inlierColor
			if r.label == 1 {
				paint = outlierColor
			}
			scoreStr = paint.Sprint(scoreStr)
			labelStr = paint.Sprint(labelStr)
		}
	}

	sep := separator
	if sep == "" {
		sep = " "
	}
	line := r.id + sep + r.start.Format(timeFormat) + sep + r.end.Format(timeFormat) + sep + scoreStr
	if labelStr != "" {
		line += sep + labelStr
	}
	fmt.Fprintln(w, line)
}

func formatScore(s float64) string {
	if math.IsNaN(s) {
		return "nan"
	}
	return fmt.Sprintf("%.2f", s)
}

func formatLabel(l float64) string {
	switch {
	case math.IsNaN(l):
		return "nan"
	case l == 1:
		return "1"
	default:
		return "0"
	}
}
