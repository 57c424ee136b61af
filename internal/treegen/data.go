package treegen

import (
	"fmt"
	"math"
	"sort"

	"github.com/fagan2888/risk-averse/internal/tree"
)

// kmeansMaxIter caps Lloyd iterations per clustering call. Stage-wise
// clustering over a handful of representatives converges in far fewer.
const kmeansMaxIter = 50

// FromData builds a scenario tree from empirical sample paths by stage-wise
// lumping. samples[s][k] is the value (a vector of length opts.DimValue)
// realized by sample path s at stage k+1; every path must have the same
// length. opts.Ni[k] is the desired number of cluster representatives per
// node at stage k; the tree horizon is len(opts.Ni). A schedule longer than
// the sample horizon fails with ErrInvalidHorizon.
//
// Clustering is deterministic k-means (Lloyd) with farthest-point seeding,
// so the same samples always produce the same tree. Child values are cluster
// centroids; conditional probabilities are the empirical frequency of the
// parent's samples assigned to each centroid.
func FromData(samples [][][]float64, opts Options) (*tree.Tree, error) {
	if len(opts.Ni) == 0 {
		return nil, fmt.Errorf("%w: empty ni schedule", ErrInvalidHorizon)
	}
	opts.HorizonLength = len(opts.Ni)
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no sample paths", ErrInvalidDistribution)
	}
	horizon := len(samples[0])
	if len(opts.Ni) > horizon {
		return nil, fmt.Errorf("%w: ni schedule has %d stages but samples have %d", ErrInvalidHorizon, len(opts.Ni), horizon)
	}
	for s, path := range samples {
		if len(path) != horizon {
			return nil, fmt.Errorf("%w: sample %d has %d stages, want %d", ErrInvalidHorizon, s, len(path), horizon)
		}
		for k, v := range path {
			if len(v) != opts.DimValue {
				return nil, fmt.Errorf("%w: sample %d stage %d has dimension %d, want %d", ErrInvalidDistribution, s, k, len(v), opts.DimValue)
			}
		}
	}
	for k, n := range opts.Ni {
		if n < 1 {
			return nil, fmt.Errorf("%w: ni[%d] = %d < 1", ErrInvalidHorizon, k, n)
		}
	}

	b := tree.NewBuilder()

	type layerNode struct {
		id      int
		members []int // sample-path indices lumped into this node
	}
	all := make([]int, len(samples))
	for i := range all {
		all[i] = i
	}
	frontier := []layerNode{{id: 0, members: all}}

	for k := 0; k < len(opts.Ni); k++ {
		next := make([]layerNode, 0, len(frontier)*opts.Ni[k])
		for _, node := range frontier {
			points := make([][]float64, len(node.members))
			for i, s := range node.members {
				points[i] = samples[s][k]
			}
			clusters := kmeans(points, opts.Ni[k])
			for _, cl := range clusters {
				members := make([]int, len(cl.members))
				for i, idx := range cl.members {
					members[i] = node.members[idx]
				}
				p := float64(len(cl.members)) / float64(len(node.members))
				id, err := b.AddNode(node.id, p, cl.centroid)
				if err != nil {
					return nil, err
				}
				next = append(next, layerNode{id: id, members: members})
			}
		}
		frontier = next
	}
	return b.Build()
}

type cluster struct {
	centroid []float64
	members  []int
}

// kmeans clusters points into at most k groups, deterministically. Returns
// clusters ordered by centroid (lexicographic), empty clusters dropped.
func kmeans(points [][]float64, k int) []cluster {
	distinct := distinctCount(points)
	if k > distinct {
		k = distinct
	}
	if k < 1 {
		k = 1
	}

	centroids := seedFarthest(points, k)
	assign := make([]int, len(points))

	for iter := 0; iter < kmeansMaxIter; iter++ {
		changed := false
		for i, p := range points {
			best, bestD := 0, math.Inf(1)
			for c, ctr := range centroids {
				if d := sqDist(p, ctr); d < bestD {
					best, bestD = c, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if iter > 0 && !changed {
			break
		}
		// Recompute centroids as member means.
		dim := len(points[0])
		sums := make([][]float64, len(centroids))
		counts := make([]int, len(centroids))
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, p := range points {
			c := assign[i]
			counts[c]++
			for d, x := range p {
				sums[c][d] += x
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue // keep the stale centroid; it attracts nothing
			}
			for d := range sums[c] {
				sums[c][d] /= float64(counts[c])
			}
			centroids[c] = sums[c]
		}
	}

	out := make([]cluster, 0, len(centroids))
	for c, ctr := range centroids {
		var members []int
		for i := range points {
			if assign[i] == c {
				members = append(members, i)
			}
		}
		if len(members) == 0 {
			continue
		}
		out = append(out, cluster{centroid: ctr, members: members})
	}
	sort.Slice(out, func(i, j int) bool {
		return lexLess(out[i].centroid, out[j].centroid)
	})
	return out
}

// seedFarthest picks k initial centroids: the first point, then repeatedly
// the point farthest from its nearest chosen seed (ties break on index).
func seedFarthest(points [][]float64, k int) [][]float64 {
	seeds := make([][]float64, 0, k)
	seeds = append(seeds, append([]float64(nil), points[0]...))
	for len(seeds) < k {
		bestIdx, bestD := -1, -1.0
		for i, p := range points {
			nearest := math.Inf(1)
			for _, s := range seeds {
				if d := sqDist(p, s); d < nearest {
					nearest = d
				}
			}
			if nearest > bestD {
				bestIdx, bestD = i, nearest
			}
		}
		if bestD <= 0 {
			break // fewer distinct points than requested seeds
		}
		seeds = append(seeds, append([]float64(nil), points[bestIdx]...))
	}
	return seeds
}

func sqDist(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func lexLess(a, b []float64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func distinctCount(points [][]float64) int {
	n := 0
	for i, p := range points {
		dup := false
		for j := 0; j < i; j++ {
			if sqDist(p, points[j]) == 0 {
				dup = true
				break
			}
		}
		if !dup {
			n++
		}
	}
	return n
}
