package models

import (
	"fmt"
	"math"
)

// BBox is an axis-aligned bounding box. A nil *BBox means "no extent", which
// is what an empty or geometry-less dataset has.
type BBox struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// NewBBox returns a normalised box, swapping min and max when given in the
// wrong order.
func NewBBox(minX, minY, maxX, maxY float64) *BBox {
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	return &BBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

// Clone returns a copy of b, or nil.
func (b *BBox) Clone() *BBox {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

// Union returns the smallest box covering both b and o. Either may be nil.
func (b *BBox) Union(o *BBox) *BBox {
	switch {
	case b == nil:
		return o.Clone()
	case o == nil:
		return b.Clone()
	}
	return &BBox{
		MinX: math.Min(b.MinX, o.MinX),
		MinY: math.Min(b.MinY, o.MinY),
		MaxX: math.Max(b.MaxX, o.MaxX),
		MaxY: math.Max(b.MaxY, o.MaxY),
	}
}

// Intersects reports whether the two boxes share at least one point. Touching
// edges count as intersecting. A nil box intersects nothing.
func (b *BBox) Intersects(o *BBox) bool {
	if b == nil || o == nil {
		return false
	}
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX &&
		b.MinY <= o.MaxY && o.MinY <= b.MaxY
}

// ContainsPoint reports whether (x, y) lies inside or on the border of b.
func (b *BBox) ContainsPoint(x, y float64) bool {
	if b == nil {
		return false
	}
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// ApproxEqual compares two boxes coordinate by coordinate within epsilon.
// Two nil boxes are equal.
func (b *BBox) ApproxEqual(o *BBox, epsilon float64) bool {
	if b == nil || o == nil {
		return b == nil && o == nil
	}
	return math.Abs(b.MinX-o.MinX) <= epsilon &&
		math.Abs(b.MinY-o.MinY) <= epsilon &&
		math.Abs(b.MaxX-o.MaxX) <= epsilon &&
		math.Abs(b.MaxY-o.MaxY) <= epsilon
}

// Center returns the middle of the box.
func (b *BBox) Center() (float64, float64) {
	return (b.MinX + b.MaxX) / 2, (b.MinY + b.MaxY) / 2
}

func (b *BBox) String() string {
	if b == nil {
		return "EMPTY"
	}
	return fmt.Sprintf("(%g %g, %g %g)", b.MinX, b.MinY, b.MaxX, b.MaxY)
}
