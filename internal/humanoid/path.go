// internal/humanoid/path.go
package humanoid

import (
	"math"
	"time"
)

// Point is a screen position in pixels.
type Point struct {
	X, Y int
}

type vec struct{ x, y float64 }

func (v vec) add(o vec) vec     { return vec{v.x + o.x, v.y + o.y} }
func (v vec) sub(o vec) vec     { return vec{v.x - o.x, v.y - o.y} }
func (v vec) mul(s float64) vec { return vec{v.x * s, v.y * s} }
func (v vec) mag() float64      { return math.Hypot(v.x, v.y) }
func (v vec) point() Point      { return Point{X: int(math.Round(v.x)), Y: int(math.Round(v.y))} }
func fromPoint(p Point) vec     { return vec{float64(p.X), float64(p.Y)} }

const (
	fittsA      = 100.0 // ms
	fittsB      = 150.0 // ms per bit
	targetWidth = 30.0  // px
	stepsPerSec = 100
	maxSteps    = 60
	bowFactor   = 0.1
)

// easeInOutCubic accelerates through the first half and decelerates through
// the second.
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

// MoveDuration estimates how long a hand takes to cover distance pixels,
// following Fitts's law.
func MoveDuration(distance float64) time.Duration {
	id := math.Log2(1 + distance/targetWidth)
	return time.Duration((fittsA + fittsB*id) * float64(time.Millisecond))
}

// DragPath returns the intermediate pointer positions of a drag from start
// to end. The path bows slightly off the straight line and is sampled with
// an ease-in-out profile. It always ends exactly at end and never repeats a
// point twice in a row.
func DragPath(start, end Point) []Point {
	p0, p3 := fromPoint(start), fromPoint(end)
	main := p3.sub(p0)
	dist := main.mag()
	if dist < 1 {
		return []Point{end}
	}

	steps := int(MoveDuration(dist).Seconds() * stepsPerSec)
	steps = max(2, min(steps, maxSteps))

	// Control points sit at a third and two thirds of the way, pushed
	// sideways along the normal.
	normal := vec{-main.y, main.x}.mul(1 / dist)
	bow := normal.mul(dist * bowFactor)
	p1 := p0.add(main.mul(1.0 / 3)).add(bow)
	p2 := p0.add(main.mul(2.0 / 3)).add(bow)

	out := make([]Point, 0, steps)
	for i := 1; i <= steps; i++ {
		t := easeInOutCubic(float64(i) / float64(steps))
		omt := 1 - t
		pos := p0.mul(omt * omt * omt).
			add(p1.mul(3 * omt * omt * t)).
			add(p2.mul(3 * omt * t * t)).
			add(p3.mul(t * t * t))
		pt := pos.point()
		if i == steps {
			pt = end
		}
		if len(out) > 0 && out[len(out)-1] == pt {
			continue
		}
		out = append(out, pt)
	}
	if out[len(out)-1] != end {
		out = append(out, end)
	}
	return out
}
