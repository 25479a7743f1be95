// Package track merges pairwise 2D feature matches into image-spanning
// tracks. A track is the set of (image, feature) observations believed to
// correspond to one physical 3D point; membership is maintained with a
// disjoint-set (union-find) structure so that transitive matches across many
// image pairs collapse into a single track.
package track

import (
	"sort"

	"github.com/golang/geo/r2"
)

// FeatureKey identifies one 2D feature detection in one image.
type FeatureKey struct {
	ImageID int
	Feature int
}

// Match pairs a feature index in one image with a feature index in another,
// as produced by the upstream descriptor-matching collaborator.
type Match struct {
	Index1 int
	Index2 int
}

// Builder ingests pairwise matches and maintains the track partition. Nodes
// are allocated arena-style: each distinct (image, feature) key gets a stable
// integer index on first sight, and parent/rank live in flat slices.
type Builder struct {
	index  map[FeatureKey]int
	keys   []FeatureKey
	parent []int
	rank   []int
}

// NewBuilder returns an empty track builder.
func NewBuilder() *Builder {
	return &Builder{index: make(map[FeatureKey]int)}
}

// node returns the arena index for a key, allocating it if unseen.
func (b *Builder) node(k FeatureKey) int {
	if i, ok := b.index[k]; ok {
		return i
	}
	i := len(b.keys)
	b.index[k] = i
	b.keys = append(b.keys, k)
	b.parent = append(b.parent, i)
	b.rank = append(b.rank, 0)
	return i
}

// find walks to the root with path compression.
func (b *Builder) find(i int) int {
	for b.parent[i] != i {
		b.parent[i] = b.parent[b.parent[i]]
		i = b.parent[i]
	}
	return i
}

// union merges the sets of two nodes by rank.
func (b *Builder) union(i, j int) {
	ri, rj := b.find(i), b.find(j)
	if ri == rj {
		return
	}
	switch {
	case b.rank[ri] < b.rank[rj]:
		b.parent[ri] = rj
	case b.rank[ri] > b.rank[rj]:
		b.parent[rj] = ri
	default:
		b.parent[rj] = ri
		b.rank[ri]++
	}
}

// AddPairMatches ingests the match list for one image pair, merging the track
// membership of every matched feature pair.
func (b *Builder) AddPairMatches(imageA, imageB int, matches []Match) {
	for _, m := range matches {
		i := b.node(FeatureKey{imageA, m.Index1})
		j := b.node(FeatureKey{imageB, m.Index2})
		b.union(i, j)
	}
}

// TrackID returns the track identifier a feature currently belongs to. The
// second return is false if the feature has never appeared in any match.
// Identifiers are stable only between calls to AddPairMatches.
func (b *Builder) TrackID(k FeatureKey) (int, bool) {
	i, ok := b.index[k]
	if !ok {
		return 0, false
	}
	return b.find(i), true
}

// Track is one resolved track: a set of member observations, at most one per
// image. Members are sorted by image id.
type Track struct {
	ID      int
	Members []FeatureKey
}

// FeatureInImage returns the member feature index for an image, if the track
// has one.
func (t *Track) FeatureInImage(imageID int) (int, bool) {
	for _, m := range t.Members {
		if m.ImageID == imageID {
			return m.Feature, true
		}
	}
	return 0, false
}

// Tracks resolves the current partition into explicit tracks. Tracks that
// would contain two features from the same image are inconsistent (the
// upstream matcher disagreed with itself across pairs); the extra members are
// dropped, keeping the lowest feature index per image.
func (b *Builder) Tracks() []*Track {
	groups := make(map[int][]FeatureKey)
	for i := range b.keys {
		root := b.find(i)
		groups[root] = append(groups[root], b.keys[i])
	}
	tracks := make([]*Track, 0, len(groups))
	for root, members := range groups {
		sort.Slice(members, func(i, j int) bool {
			if members[i].ImageID != members[j].ImageID {
				return members[i].ImageID < members[j].ImageID
			}
			return members[i].Feature < members[j].Feature
		})
		deduped := members[:0]
		lastImage := -1
		for _, m := range members {
			if m.ImageID == lastImage {
				continue
			}
			deduped = append(deduped, m)
			lastImage = m.ImageID
		}
		tracks = append(tracks, &Track{ID: root, Members: deduped})
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ID < tracks[j].ID })
	return tracks
}

// Feature is one 2D detection with the data the core needs from upstream:
// its pixel position and the color sampled at it.
type Feature struct {
	Point r2.Point
	Color [3]float64
}

// ImageFeatures holds all features of one image, indexed by feature index.
type ImageFeatures struct {
	ImageID  int
	Features []Feature
}
