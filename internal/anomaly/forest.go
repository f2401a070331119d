package anomaly

import (
	"math"
	"math/rand"
	"sort"
)

// ForestConfig tunes isolation forest training.
type ForestConfig struct {
	Trees         int
	SampleSize    int
	Contamination float64
	Seed          int64
}

// DefaultForestConfig mirrors the usual isolation forest defaults with a
// fixed seed so retraining on the same batch is reproducible.
var DefaultForestConfig = ForestConfig{
	Trees:         100,
	SampleSize:    256,
	Contamination: 0.1,
	Seed:          42,
}

// node is one isolation tree node. Leaves have Left == -1.
type node struct {
	Feature   int     `cbor:"1,keyasint"`
	Threshold float64 `cbor:"2,keyasint"`
	Left      int     `cbor:"3,keyasint"`
	Right     int     `cbor:"4,keyasint"`
	Size      int     `cbor:"5,keyasint"`
}

type tree struct {
	Nodes []node `cbor:"1,keyasint"`
}

// Forest is a fitted isolation forest. It is immutable after FitForest.
type Forest struct {
	Trees      []tree  `cbor:"1,keyasint"`
	SampleSize int     `cbor:"2,keyasint"`
	Offset     float64 `cbor:"3,keyasint"`
}

// FitForest grows cfg.Trees isolation trees on random subsamples of the
// scaled samples and sets the decision offset so that cfg.Contamination of
// the training batch falls below zero.
func FitForest(samples []FeatureVector, cfg ForestConfig) *Forest {
	psi := cfg.SampleSize
	if psi <= 0 || psi > len(samples) {
		psi = len(samples)
	}
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(psi), 2))))
	rng := rand.New(rand.NewSource(cfg.Seed))

	f := &Forest{Trees: make([]tree, cfg.Trees), SampleSize: psi}
	for t := range f.Trees {
		perm := rng.Perm(len(samples))[:psi]
		subset := make([]FeatureVector, psi)
		for i, idx := range perm {
			subset[i] = samples[idx]
		}
		b := &treeBuilder{rng: rng, maxDepth: maxDepth}
		b.grow(subset, 0)
		f.Trees[t] = tree{Nodes: b.nodes}
	}

	scores := make([]float64, len(samples))
	for i, s := range samples {
		scores[i] = f.scoreSamples(s)
	}
	f.Offset = percentile(scores, 100*cfg.Contamination)
	return f
}

type treeBuilder struct {
	rng      *rand.Rand
	maxDepth int
	nodes    []node
}

func (b *treeBuilder) grow(samples []FeatureVector, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, node{Left: -1, Right: -1, Size: len(samples)})
	if depth >= b.maxDepth || len(samples) <= 1 {
		return idx
	}

	// Candidate features are those that still vary within the node.
	dim := len(samples[0])
	var candidates []int
	lo := make([]float64, dim)
	hi := make([]float64, dim)
	for j := 0; j < dim; j++ {
		lo[j], hi[j] = samples[0][j], samples[0][j]
		for _, s := range samples[1:] {
			lo[j] = math.Min(lo[j], s[j])
			hi[j] = math.Max(hi[j], s[j])
		}
		if hi[j] > lo[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return idx
	}

	feature := candidates[b.rng.Intn(len(candidates))]
	threshold := lo[feature] + b.rng.Float64()*(hi[feature]-lo[feature])

	var left, right []FeatureVector
	for _, s := range samples {
		if s[feature] < threshold {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}
	// Float64 can return exactly 0, putting everything on the right.
	if len(left) == 0 {
		return idx
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[idx].Feature = feature
	b.nodes[idx].Threshold = threshold
	b.nodes[idx].Left = l
	b.nodes[idx].Right = r
	return idx
}

func (t *tree) pathLength(v FeatureVector) float64 {
	i, depth := 0, 0
	for t.Nodes[i].Left != -1 {
		n := t.Nodes[i]
		if v[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(t.Nodes[i].Size)
}

// scoreSamples returns the negated anomaly score -2^(-E[h(x)]/c(psi)), in
// [-1, 0]; lower is more anomalous.
func (f *Forest) scoreSamples(v FeatureVector) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(v)
	}
	mean := total / float64(len(f.Trees))
	c := averagePathLength(f.SampleSize)
	if c == 0 {
		return -0.5
	}
	return -math.Pow(2, -mean/c)
}

// Decision returns the shifted score; negative values are anomalies.
func (f *Forest) Decision(v FeatureVector) float64 {
	return f.scoreSamples(v) - f.Offset
}

const eulerGamma = 0.5772156649015329

// averagePathLength is c(n), the mean path length of an unsuccessful
// binary search tree lookup over n points.
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

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (rank-float64(lo))*(sorted[hi]-sorted[lo])
}
