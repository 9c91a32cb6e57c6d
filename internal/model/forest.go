// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package model implements the isolation-forest detector. Scores follow
// the decision-function convention: higher means more normal, and an
// event is declared anomalous downstream when its score falls below the
// calibrated threshold. Any sign inversion happens at reporting
// boundaries, never here.
package model

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"grimm.is/sml/internal/errors"
)

const (
	// DefaultSeed fixes the ensemble for reproducible training runs.
	DefaultSeed = 42
	// DefaultTrees and DefaultSubSample follow the usual isolation-forest
	// parameterization.
	DefaultTrees     = 100
	DefaultSubSample = 256
	// DefaultContamination is the assumed anomalous fraction when no
	// calibration data exists.
	DefaultContamination = 0.05

	eulerMascheroni = 0.5772156649
)

// Options parameterize training.
type Options struct {
	Trees         int
	SubSample     int
	Seed          int64
	Contamination float64 // <=0 selects "auto": offset fixed at -0.5
}

func (o *Options) fill() {
	if o.Trees <= 0 {
		o.Trees = DefaultTrees
	}
	if o.SubSample <= 0 {
		o.SubSample = DefaultSubSample
	}
	if o.Seed == 0 {
		o.Seed = DefaultSeed
	}
}

// Metadata records provenance for a trained forest.
type Metadata struct {
	RunID         string
	TrainedAt     time.Time
	TrainingRows  int
	Contamination float64
	Seed          int64
}

// Node is one isolation-tree node. Leaves carry the sample count that
// reached them; internal nodes carry a split.
type Node struct {
	Feature     int
	Split       float64
	Left, Right *Node
	Size        int
}

// Forest is a trained detector plus its feature manifest. All fields are
// exported for gob persistence.
type Forest struct {
	Trees        []*Node
	SubSample    int
	FeatureNames []string
	Offset       float64
	Meta         Metadata
}

// Train fits an isolation forest on the row-major matrix. Column order
// must match cols; the manifest is stored with the model so scoring can
// re-project batches.
func Train(matrix [][]float64, cols []string, opts Options) (*Forest, error) {
	if len(matrix) == 0 {
		return nil, errors.New(errors.KindDegenerate, "no training rows")
	}
	for _, row := range matrix {
		if len(row) != len(cols) {
			return nil, errors.Errorf(errors.KindContract,
				"feature count mismatch: row has %d values, manifest has %d", len(row), len(cols))
		}
	}
	opts.fill()

	rng := rand.New(rand.NewSource(opts.Seed))
	sample := opts.SubSample
	if sample > len(matrix) {
		sample = len(matrix)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sample))))
	if maxDepth < 1 {
		maxDepth = 1
	}

	f := &Forest{
		Trees:        make([]*Node, opts.Trees),
		SubSample:    sample,
		FeatureNames: append([]string{}, cols...),
		Meta: Metadata{
			RunID:         uuid.NewString(),
			TrainedAt:     time.Now().UTC(),
			TrainingRows:  len(matrix),
			Contamination: opts.Contamination,
			Seed:          opts.Seed,
		},
	}

	for i := range f.Trees {
		idx := sampleIndices(rng, len(matrix), sample)
		f.Trees[i] = buildTree(rng, matrix, idx, 0, maxDepth)
	}

	// The offset pins the decision boundary: auto fixes it at -0.5 so
	// scores sit around zero; an explicit contamination places it at that
	// quantile of the training scores.
	if opts.Contamination <= 0 {
		f.Offset = -0.5
	} else {
		raw := make([]float64, len(matrix))
		for i, row := range matrix {
			raw[i] = f.scoreSamples(row)
		}
		f.Offset = quantile(raw, opts.Contamination)
	}
	return f, nil
}

func sampleIndices(rng *rand.Rand, n, k int) []int {
	perm := rng.Perm(n)
	return perm[:k]
}

func buildTree(rng *rand.Rand, matrix [][]float64, idx []int, depth, maxDepth int) *Node {
	if depth >= maxDepth || len(idx) <= 1 {
		return &Node{Feature: -1, Size: len(idx)}
	}

	nFeatures := len(matrix[idx[0]])
	// A feature with spread might not exist; try a few before giving up.
	for attempt := 0; attempt < nFeatures; attempt++ {
		feat := rng.Intn(nFeatures)
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := matrix[i][feat]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi <= lo {
			continue
		}
		split := lo + rng.Float64()*(hi-lo)
		var left, right []int
		for _, i := range idx {
			if matrix[i][feat] < split {
				left = append(left, i)
			} else {
				right = append(right, i)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}
		return &Node{
			Feature: feat,
			Split:   split,
			Left:    buildTree(rng, matrix, left, depth+1, maxDepth),
			Right:   buildTree(rng, matrix, right, depth+1, maxDepth),
		}
	}
	// Degenerate region: every candidate feature was constant.
	return &Node{Feature: -1, Size: len(idx)}
}

// pathLength walks x down a tree, adding the standard adjustment for the
// samples terminated early at a sized leaf.
func pathLength(n *Node, x []float64, depth float64) float64 {
	if n.Feature < 0 {
		return depth + avgPathLen(n.Size)
	}
	if x[n.Feature] < n.Split {
		return pathLength(n.Left, x, depth+1)
	}
	return pathLength(n.Right, x, depth+1)
}

// avgPathLen is c(n): the average path length of an unsuccessful BST
// search over n samples.
func avgPathLen(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + eulerMascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}

// scoreSamples returns the raw normality score in (-1, 0): the negated
// isolation anomaly score 2^(-E[h(x)]/c(ψ)).
func (f *Forest) scoreSamples(x []float64) float64 {
	var total float64
	for _, t := range f.Trees {
		total += pathLength(t, x, 0)
	}
	mean := total / float64(len(f.Trees))
	return -math.Exp2(-mean / avgPathLen(f.SubSample))
}

// Score returns the decision-function value for one vector: higher is
// more normal, negative values fall on the anomalous side of the
// training offset.
func (f *Forest) Score(x []float64) (float64, error) {
	if len(x) != len(f.FeatureNames) {
		return 0, errors.Errorf(errors.KindContract,
			"feature count mismatch: vector has %d values, model expects %d", len(x), len(f.FeatureNames))
	}
	return f.scoreSamples(x) - f.Offset, nil
}

// ScoreAll scores a batch.
func (f *Forest) ScoreAll(matrix [][]float64) ([]float64, error) {
	out := make([]float64, len(matrix))
	for i, row := range matrix {
		s, err := f.Score(row)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64{}, xs...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
