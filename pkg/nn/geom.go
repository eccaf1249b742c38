package nn

import (
	"fmt"
	"math"
)

// Box is an axis-aligned bounding box in center form.
// X,Y is the center of the box, in image pixel coordinates.
// Ground truth boxes leave Confidence at zero.
type Box struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Rect is a box in corner form (X1,Y1 top-left, X2,Y2 bottom-right)
type Rect struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Rect converts the center-form box to corner form
func (b Box) Rect() Rect {
	hw := b.Width / 2
	hh := b.Height / 2
	return Rect{
		X1: b.X - hw,
		Y1: b.Y - hh,
		X2: b.X + hw,
		Y2: b.Y + hh,
	}
}

func (b Box) Area() float64 {
	return b.Width * b.Height
}

// Validate returns an error if the box has non-positive extents, or non-finite coordinates
func (b Box) Validate() error {
	for _, v := range [4]float64{b.X, b.Y, b.Width, b.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("box %v has non-finite coordinates", b)
		}
	}
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("box %v must have positive width and height", b)
	}
	return nil
}

func (b Box) String() string {
	return fmt.Sprintf("%v (%.3f) [%.1f,%.1f %.1fx%.1f]", b.Class, b.Confidence, b.X, b.Y, b.Width, b.Height)
}

func (r Rect) Width() float64 {
	return r.X2 - r.X1
}

func (r Rect) Height() float64 {
	return r.Y2 - r.Y1
}

func (r Rect) Area() float64 {
	return r.Width() * r.Height()
}

// Intersection returns the overlapping region of r and b.
// If they don't overlap, the result has zero area.
func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X1, b.X1)
	y1 := max(r.Y1, b.Y1)
	x2 := min(r.X2, b.X2)
	y2 := min(r.Y2, b.Y2)
	return Rect{
		X1: x1,
		Y1: y1,
		X2: max(x1, x2),
		Y2: max(y1, y2),
	}
}

// Intersection over Union.
// Returns 0 when the union is empty, so two degenerate boxes never divide by zero.
func (r Rect) IOU(b Rect) float64 {
	inter := r.Intersection(b).Area()
	union := r.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// IOU returns the Intersection over Union of two center-form boxes, in the range [0,1].
func IOU(a, b Box) float64 {
	return a.Rect().IOU(b.Rect())
}

// FilterValid returns only the boxes that pass Validate, and the number of boxes that were dropped.
func FilterValid(boxes []Box) ([]Box, int) {
	valid := make([]Box, 0, len(boxes))
	for _, b := range boxes {
		if b.Validate() == nil {
			valid = append(valid, b)
		}
	}
	return valid, len(boxes) - len(valid)
}
