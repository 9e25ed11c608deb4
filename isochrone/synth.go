package isochrone

import (
	"math"
	"sort"

	"github.com/tidbyt-isochrone/gtfsiso/geo"
)

// Minimum residual buffer radius, to avoid degenerate zero-radius
// geometries for stops reached with almost no residual budget.
const rhoMinMetres = 10.0

// gridCellMetres is the resolution of the planar grid used to union
// the per-stop disks. Coarser than the disks themselves so adjacent
// disks reliably merge into one region.
const gridCellMetres = 25.0

// Ring is a closed polygon ring in WGS-84, given as [lon, lat] pairs
// with the first and last point equal.
type Ring [][2]float64

// Region is the result of synthesising the reachable area: the
// connected polygons making up the union of residual-walk disks,
// plus the per-stop point features.
type Region struct {
	Polygons []Ring
	Points   []StopArrival
}

type point struct{ x, y float64 }

type disk struct {
	center point
	radius float64
}

// Synthesize turns a set of reached stops into the reachable-area
// polygons plus the point features for the GeoJSON assembler.
//
// For each reached stop s, the residual walking radius is
// ρ = max((B - delta) * V_WALK*1000/60, ρ_min); the disks around all
// reached stops are projected to Web Mercator, unioned via a grid
// rasterization, and reprojected back to WGS-84.
func Synthesize(budgetMinutes int, arrivals map[string]StopArrival) Region {
	points := make([]StopArrival, 0, len(arrivals))
	disks := make([]disk, 0, len(arrivals))

	for _, a := range arrivals {
		points = append(points, a)

		residual := float64(budgetMinutes) - a.Delta
		radius := residual * geo.WalkKPH * 1000 / 60
		if radius < rhoMinMetres {
			radius = rhoMinMetres
		}

		x, y := geo.ToPlanar(a.Stop.Lat, a.Stop.Lon)
		disks = append(disks, disk{center: point{x, y}, radius: radius})
	}

	// Deterministic point order for a stable, reproducible output.
	sort.Slice(points, func(i, j int) bool { return points[i].Stop.ID < points[j].Stop.ID })

	if len(disks) == 0 {
		return Region{Polygons: nil, Points: points}
	}

	return Region{Polygons: unionDisks(disks), Points: points}
}

// unionDisks rasterizes the disks onto a planar grid, groups filled
// cells into 4-connected components, and traces each component's
// outer boundary into a polygon ring.
func unionDisks(disks []disk) []Ring {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, d := range disks {
		minX = math.Min(minX, d.center.x-d.radius)
		maxX = math.Max(maxX, d.center.x+d.radius)
		minY = math.Min(minY, d.center.y-d.radius)
		maxY = math.Max(maxY, d.center.y+d.radius)
	}

	cols := int(math.Ceil((maxX-minX)/gridCellMetres)) + 2
	rows := int(math.Ceil((maxY-minY)/gridCellMetres)) + 2
	if cols <= 0 || rows <= 0 {
		return nil
	}

	filled := make([][]bool, rows)
	for r := range filled {
		filled[r] = make([]bool, cols)
	}

	cellCenter := func(col, row int) point {
		return point{
			x: minX + (float64(col)+0.5)*gridCellMetres,
			y: minY + (float64(row)+0.5)*gridCellMetres,
		}
	}

	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			c := cellCenter(col, row)
			for _, d := range disks {
				dx := c.x - d.center.x
				dy := c.y - d.center.y
				if dx*dx+dy*dy <= d.radius*d.radius {
					filled[row][col] = true
					break
				}
			}
		}
	}

	components := connectedComponents(filled, rows, cols)

	rings := make([]Ring, 0, len(components))
	for _, comp := range components {
		ring := traceBoundary(comp, minX, minY)
		if len(ring) >= 4 {
			rings = append(rings, ring)
		}
	}

	return rings
}

func connectedComponents(filled [][]bool, rows, cols int) []map[[2]int]bool {
	visited := make([][]bool, rows)
	for r := range visited {
		visited[r] = make([]bool, cols)
	}

	var components []map[[2]int]bool

	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			if !filled[row][col] || visited[row][col] {
				continue
			}

			comp := map[[2]int]bool{}
			queue := [][2]int{{row, col}}
			visited[row][col] = true

			for len(queue) > 0 {
				cell := queue[0]
				queue = queue[1:]
				comp[cell] = true

				for _, d := range [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
					nr, nc := cell[0]+d[0], cell[1]+d[1]
					if nr < 0 || nr >= rows || nc < 0 || nc >= cols {
						continue
					}
					if filled[nr][nc] && !visited[nr][nc] {
						visited[nr][nc] = true
						queue = append(queue, [2]int{nr, nc})
					}
				}
			}

			components = append(components, comp)
		}
	}

	return components
}

// traceBoundary builds the outer ring of a set of unit grid cells by
// keeping only the edges that belong to exactly one cell (shared
// interior edges between adjacent filled cells cancel out), then
// stitching the remaining edges into a closed loop.
func traceBoundary(cells map[[2]int]bool, originX, originY float64) Ring {
	type edge = [2]point

	edgeCount := map[edge]int{}
	addEdge := func(a, b point) {
		e := edge{a, b}
		rev := edge{b, a}
		if edgeCount[rev] > 0 {
			edgeCount[rev]--
			return
		}
		edgeCount[e]++
	}

	corner := func(row, col int) point {
		return point{
			x: originX + float64(col)*gridCellMetres,
			y: originY + float64(row)*gridCellMetres,
		}
	}

	for cell := range cells {
		row, col := cell[0], cell[1]
		bl := corner(row, col)
		br := corner(row, col+1)
		tr := corner(row+1, col+1)
		tl := corner(row+1, col)

		addEdge(bl, br)
		addEdge(br, tr)
		addEdge(tr, tl)
		addEdge(tl, bl)
	}

	adjacency := map[point]point{}
	for e, count := range edgeCount {
		if count <= 0 {
			continue
		}
		adjacency[e[0]] = e[1]
	}

	if len(adjacency) == 0 {
		return nil
	}

	// Walk the loop starting from an arbitrary boundary vertex.
	var start point
	for p := range adjacency {
		start = p
		break
	}

	ring := Ring{}
	cur := start
	for i := 0; i < len(adjacency)+1; i++ {
		lat, lon := geo.FromPlanar(cur.x, cur.y)
		ring = append(ring, [2]float64{lon, lat})

		next, ok := adjacency[cur]
		if !ok {
			break
		}
		cur = next
		if cur == start {
			lat, lon := geo.FromPlanar(cur.x, cur.y)
			ring = append(ring, [2]float64{lon, lat})
			break
		}
	}

	return ring
}
