package vectorstore

import (
	"math"
	"sort"
)

const (
	maxClusters     = 256
	kmeansMaxIter   = 12
	kmeansConverged = 1e-6
)

// ivfIndex clusters the first size vectors of a scope. Queries score the
// cluster centroids and scan only the nearest few clusters; anything
// inserted after the build is handled by the caller's tail scan.
type ivfIndex struct {
	centroids [][]float32
	clusters  [][]int
	size      int
}

// buildIVF runs a deterministic k-means over the normalized vectors. Seeding
// picks evenly spaced vectors, so rebuilding an unchanged scope yields the
// same clustering.
func buildIVF(normed [][]float32) *ivfIndex {
	n := len(normed)
	if n == 0 {
		return nil
	}

	k := int(math.Sqrt(float64(n)))
	if k < 1 {
		k = 1
	}
	if k > maxClusters {
		k = maxClusters
	}

	dim := len(normed[0])
	centroids := make([][]float32, k)
	for c := 0; c < k; c++ {
		seed := normed[c*n/k]
		centroids[c] = append([]float32(nil), seed...)
	}

	assignments := make([]int, n)
	for iter := 0; iter < kmeansMaxIter; iter++ {
		moved := 0.0

		for i, v := range normed {
			assignments[i] = nearestCentroid(v, centroids)
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, v := range normed {
			c := assignments[i]
			counts[c]++
			for d, x := range v {
				sums[c][d] += float64(x)
			}
		}

		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			mean := make([]float32, dim)
			for d := range mean {
				mean[d] = float32(sums[c][d] / float64(counts[c]))
			}
			mean = normalize(mean)
			moved += centroidShift(centroids[c], mean)
			centroids[c] = mean
		}

		if moved < kmeansConverged {
			break
		}
	}

	clusters := make([][]int, k)
	for i, v := range normed {
		c := nearestCentroid(v, centroids)
		clusters[c] = append(clusters[c], i)
	}

	return &ivfIndex{centroids: centroids, clusters: clusters, size: n}
}

// candidates returns the chunk positions held by the probes clusters whose
// centroids are nearest to the query.
func (idx *ivfIndex) candidates(query []float32, probes int) []int {
	if probes <= 0 {
		probes = 1
	}
	if probes > len(idx.centroids) {
		probes = len(idx.centroids)
	}

	type scored struct {
		cluster int
		score   float32
	}
	ranked := make([]scored, len(idx.centroids))
	for c, centroid := range idx.centroids {
		ranked[c] = scored{cluster: c, score: similarity(query, centroid)}
	}
	sort.Slice(ranked, func(a, b int) bool {
		if ranked[a].score != ranked[b].score {
			return ranked[a].score > ranked[b].score
		}
		return ranked[a].cluster < ranked[b].cluster
	})

	var out []int
	for _, r := range ranked[:probes] {
		out = append(out, idx.clusters[r.cluster]...)
	}
	return out
}

func nearestCentroid(v []float32, centroids [][]float32) int {
	best := 0
	bestScore := float32(-1)
	for c, centroid := range centroids {
		if s := similarity(v, centroid); s > bestScore {
			best = c
			bestScore = s
		}
	}
	return best
}

func centroidShift(old, next []float32) float64 {
	var sum float64
	for i := range old {
		d := float64(old[i]) - float64(next[i])
		sum += d * d
	}
	return sum
}
