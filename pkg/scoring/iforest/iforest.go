// Package iforest evaluates frozen isolation forest models.
//
// An isolation forest scores a point by how quickly random axis
// aligned splits isolate it from the training sample: anomalous
// points separate in fewer splits. The score of a point x is
//
//	s(x) = 2^(-E[h(x)] / c(psi))
//
// where h is the path length to the leaf holding x, psi the training
// subsample size and c(psi) the average path length of an unsuccessful
// binary search in a tree of psi points. Scores fall in [0, 1] with
// values near 1 flagging anomalies.
//
// Models are trained offline and shipped as JSON artifacts; this
// package only loads and evaluates them. The bundled default model is
// trained on power spectral density features at the 5 second period.
package iforest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
)

// Artifact format identifiers. Load rejects artifacts that do not
// carry them.
const (
	FormatName    = "sdaas-iforest"
	FormatVersion = 1
)

// ErrInvalidArtifact is returned by Load when the artifact is
// malformed or carries an unsupported format.
var ErrInvalidArtifact = errors.New("invalid model artifact")

const eulerGamma = 0.5772156649015329

// node is one split of an isolation tree. Leaves have nil children
// and carry the number of training samples they isolated.
type node struct {
	feature int
	value   float64
	left    *node
	right   *node
	size    int
}

// Forest is a frozen isolation forest. It is safe for concurrent use.
type Forest struct {
	trees       []*node
	numFeatures int
	sampleSize  int
	avgPath     float64 // c(sampleSize), normalizes path lengths
}

// NumFeatures returns the feature vector width the forest accepts.
func (f *Forest) NumFeatures() int { return f.numFeatures }

// NumTrees returns the ensemble size.
func (f *Forest) NumTrees() int { return len(f.trees) }

// SampleSize returns the training subsample size per tree.
func (f *Forest) SampleSize() int { return f.sampleSize }

// Score returns the anomaly score of a single feature vector.
func (f *Forest) Score(feat []float64) (float64, error) {
	if len(feat) != f.numFeatures {
		return math.NaN(), fmt.Errorf("scoring: %d features, model expects %d",
			len(feat), f.numFeatures)
	}
	return f.scoreOne(feat), nil
}

// ScoreBatch returns one anomaly score per feature row. Rows must be
// NaN-free; callers wanting NaN passthrough use scoring.Scores.
func (f *Forest) ScoreBatch(feats [][]float64) ([]float64, error) {
	scores := make([]float64, len(feats))
	for i, row := range feats {
		if len(row) != f.numFeatures {
			return nil, fmt.Errorf("scoring: row %d has %d features, model expects %d",
				i, len(row), f.numFeatures)
		}
		scores[i] = f.scoreOne(row)
	}
	return scores, nil
}

func (f *Forest) scoreOne(x []float64) float64 {
	sum := 0.0
	for _, t := range f.trees {
		sum += pathLength(t, x, 0)
	}
	avg := sum / float64(len(f.trees))
	return math.Pow(2, -avg/f.avgPath)
}

func pathLength(n *node, x []float64, depth int) float64 {
	if n.left == nil && n.right == nil {
		return float64(depth) + averagePathLength(n.size)
	}
	if x[n.feature] < n.value {
		return pathLength(n.left, x, depth+1)
	}
	return pathLength(n.right, x, depth+1)
}

// averagePathLength is the expected path length of an unsuccessful
// binary search in a tree of n points. It normalizes scores and
// credits leaves holding more than one sample.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// artifact is the on-disk model layout.
type artifact struct {
	Format      string      `json:"format"`
	Version     int         `json:"version"`
	NumFeatures int         `json:"n_features"`
	NumTrees    int         `json:"n_trees"`
	SampleSize  int         `json:"sample_size"`
	Trees       []*jsonNode `json:"trees"`
}

// jsonNode is one tree node in the artifact. Interior nodes carry the
// split feature "f", split value "v" and both children "l" and "r";
// leaves carry only their sample count "n".
type jsonNode struct {
	Feature int       `json:"f,omitempty"`
	Value   float64   `json:"v,omitempty"`
	Left    *jsonNode `json:"l,omitempty"`
	Right   *jsonNode `json:"r,omitempty"`
	Size    int       `json:"n,omitempty"`
}

// Load reads a model artifact in sdaas-iforest JSON format.
func Load(r io.Reader) (*Forest, error) {
	var art artifact
	if err := json.NewDecoder(r).Decode(&art); err != nil {
		return nil, fmt.Errorf("decoding model artifact: %w", err)
	}
	if art.Format != FormatName {
		return nil, fmt.Errorf("%w: format %q, want %q", ErrInvalidArtifact, art.Format, FormatName)
	}
	if art.Version != FormatVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrInvalidArtifact, art.Version, FormatVersion)
	}
	if art.NumFeatures < 1 {
		return nil, fmt.Errorf("%w: %d features", ErrInvalidArtifact, art.NumFeatures)
	}
	if art.SampleSize < 2 {
		return nil, fmt.Errorf("%w: sample size %d", ErrInvalidArtifact, art.SampleSize)
	}
	if len(art.Trees) == 0 {
		return nil, fmt.Errorf("%w: no trees", ErrInvalidArtifact)
	}
	if art.NumTrees != len(art.Trees) {
		return nil, fmt.Errorf("%w: %d trees declared, %d present",
			ErrInvalidArtifact, art.NumTrees, len(art.Trees))
	}
	trees := make([]*node, len(art.Trees))
	for i, jn := range art.Trees {
		t, err := decodeNode(jn, art.NumFeatures)
		if err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", ErrInvalidArtifact, i, err)
		}
		trees[i] = t
	}
	return &Forest{
		trees:       trees,
		numFeatures: art.NumFeatures,
		sampleSize:  art.SampleSize,
		avgPath:     averagePathLength(art.SampleSize),
	}, nil
}

func decodeNode(jn *jsonNode, numFeatures int) (*node, error) {
	if jn == nil {
		return nil, errors.New("missing node")
	}
	if jn.Left == nil && jn.Right == nil {
		if jn.Size < 0 {
			return nil, fmt.Errorf("leaf with sample count %d", jn.Size)
		}
		return &node{size: jn.Size}, nil
	}
	if jn.Left == nil || jn.Right == nil {
		return nil, errors.New("interior node with a single child")
	}
	if jn.Feature < 0 || jn.Feature >= numFeatures {
		return nil, fmt.Errorf("split feature %d out of range", jn.Feature)
	}
	left, err := decodeNode(jn.Left, numFeatures)
	if err != nil {
		return nil, err
	}
	right, err := decodeNode(jn.Right, numFeatures)
	if err != nil {
		return nil, err
	}
	return &node{feature: jn.Feature, value: jn.Value, left: left, right: right}, nil
}

// LoadFile reads a model artifact from disk.
func LoadFile(path string) (*Forest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

//go:embed models/iforest-psd5s-v1.json
var defaultArtifact []byte

var (
	defaultOnce sync.Once
	defaultFor  *Forest
	defaultErr  error
)

// Default returns the bundled model. The artifact is decoded on first
// use; later calls return the same Forest.
func Default() (*Forest, error) {
	defaultOnce.Do(func() {
		defaultFor, defaultErr = Load(bytes.NewReader(defaultArtifact))
	})
	return defaultFor, defaultErr
}
