package scene

import "sort"

// CovisibleNeighbor is one entry of a camera's covisibility list: another
// camera and the number of map points the two observe in common.
type CovisibleNeighbor struct {
	CameraID     int
	SharedPoints int
}

// Covisibility returns, for each registered camera, its covisible neighbors:
// cameras sharing at least minShared common map point observations, capped to
// the topK neighbors by shared-point count. Neighbor lists are sorted by
// descending shared count, ties broken by ascending camera id.
func (m *Map) Covisibility(minShared, topK int) map[int][]CovisibleNeighbor {
	shared := make(map[int]map[int]int, len(m.cameras))
	for _, id := range m.cameraOrder {
		shared[id] = make(map[int]int)
	}
	for _, mp := range m.points {
		for i := 0; i < len(mp.Observations); i++ {
			for j := i + 1; j < len(mp.Observations); j++ {
				a := mp.Observations[i].CameraID
				b := mp.Observations[j].CameraID
				shared[a][b]++
				shared[b][a]++
			}
		}
	}
	out := make(map[int][]CovisibleNeighbor, len(m.cameras))
	for _, id := range m.cameraOrder {
		neighbors := make([]CovisibleNeighbor, 0, len(shared[id]))
		for other, n := range shared[id] {
			if n >= minShared {
				neighbors = append(neighbors, CovisibleNeighbor{CameraID: other, SharedPoints: n})
			}
		}
		sort.Slice(neighbors, func(i, j int) bool {
			if neighbors[i].SharedPoints != neighbors[j].SharedPoints {
				return neighbors[i].SharedPoints > neighbors[j].SharedPoints
			}
			return neighbors[i].CameraID < neighbors[j].CameraID
		})
		if len(neighbors) > topK {
			neighbors = neighbors[:topK]
		}
		out[id] = neighbors
	}
	return out
}
