package vision

import "math"

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is the outline of a match in main image pixel coordinates, vertices in order
type Polygon []Point

// Bounds is an axis aligned pixel box
type Bounds struct {
	MinX int `json:"min_x"`
	MinY int `json:"min_y"`
	MaxX int `json:"max_x"`
	MaxY int `json:"max_y"`
}

// Bounds returns the smallest integer box containing every vertex
func (p Polygon) Bounds() Bounds {
	if len(p) == 0 {
		return Bounds{}
	}

	minX, minY := p[0].X, p[0].Y
	maxX, maxY := minX, minY
	for _, pt := range p[1:] {
		minX = math.Min(minX, pt.X)
		minY = math.Min(minY, pt.Y)
		maxX = math.Max(maxX, pt.X)
		maxY = math.Max(maxY, pt.Y)
	}
	return Bounds{
		MinX: int(math.Floor(minX)),
		MinY: int(math.Floor(minY)),
		MaxX: int(math.Ceil(maxX)),
		MaxY: int(math.Ceil(maxY)),
	}
}

// Area is the absolute shoelace area
func (p Polygon) Area() float64 {
	var sum float64
	for i := range p {
		a, b := p[i], p[(i+1)%len(p)]
		sum += a.X*b.Y - b.X*a.Y
	}
	return math.Abs(sum) / 2
}

const areaEpsilon = 1e-6

// IsGeometricallyPlausible filters out degenerate homography projections: a plausible match
// has at least 3 vertices, a non-zero area and is convex without crossing itself.
func IsGeometricallyPlausible(p Polygon) bool {
	if len(p) < 3 || p.Area() < areaEpsilon {
		return false
	}
	for _, pt := range p {
		if math.IsNaN(pt.X) || math.IsNaN(pt.Y) || math.IsInf(pt.X, 0) || math.IsInf(pt.Y, 0) {
			return false
		}
	}

	sign := 0.0
	turned := 0.0
	n := len(p)
	for i := range n {
		a, b, c := p[i], p[(i+1)%n], p[(i+2)%n]
		abX, abY := b.X-a.X, b.Y-a.Y
		bcX, bcY := c.X-b.X, c.Y-b.Y

		cross := abX*bcY - abY*bcX
		if math.Abs(cross) > areaEpsilon {
			if sign == 0 {
				sign = math.Copysign(1, cross)
			} else if math.Copysign(1, cross) != sign {
				return false
			}
		}
		turned += math.Atan2(cross, abX*bcX+abY*bcY)
	}

	// a star shaped outline turns in one direction but winds more than once
	return math.Abs(math.Abs(turned)-2*math.Pi) < 1e-3
}
