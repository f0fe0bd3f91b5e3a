package morphology

import (
	"sort"

	"cortexlayers/internal/models"
)

// Component is one 6-connected foreground region
type Component struct {
	// ID is the label of the component, starting at 1 in raster scan order
	ID int

	// Size is the number of voxels in the component
	Size int
}

// Label3D labels the face-connected (6-connectivity) components of the
// non-zero voxels of v. Labels are assigned in order of the first voxel of
// each component in memory order, so identical input always yields
// identical labels. Background voxels get label 0.
func Label3D(v *models.Volume) ([]int, map[int]int) {
	g := v.Grid
	labels := make([]int, len(v.Data))
	sizes := make(map[int]int)

	stack := make([]int, 0, 64)
	next := 0
	for seed, value := range v.Data {
		if value == 0 || labels[seed] != 0 {
			continue
		}

		next++
		labels[seed] = next
		stack = append(stack[:0], seed)
		size := 0

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			size++

			x, y, z := g.Coord(idx)
			for _, o := range faceOffsets {
				nx, ny, nz := x+o[0], y+o[1], z+o[2]
				if !g.Contains(nx, ny, nz) {
					continue
				}
				ni := g.Index(nx, ny, nz)
				if v.Data[ni] != 0 && labels[ni] == 0 {
					labels[ni] = next
					stack = append(stack, ni)
				}
			}
		}
		sizes[next] = size
	}
	return labels, sizes
}

// faceOffsets are the six face neighbours of a voxel
var faceOffsets = [6][3]int{{-1, 0, 0}, {1, 0, 0}, {0, -1, 0}, {0, 1, 0}, {0, 0, -1}, {0, 0, 1}}

// RankComponents orders components by size, largest first. Equal sizes are
// ordered by ascending ID, which makes the smallest ID win a tie.
func RankComponents(sizes map[int]int) []Component {
	ranked := make([]Component, 0, len(sizes))
	for id, size := range sizes {
		ranked = append(ranked, Component{ID: id, Size: size})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Size != ranked[j].Size {
			return ranked[i].Size > ranked[j].Size
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}
