package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

func buildIndex(input []Box) *boxIndex {
	fb := flatbush.NewFlatbush[float64]()
	fb.Reserve(len(input))
	for _, b := range input {
		r := b.Rect()
		fb.Add(r.X1, r.Y1, r.X2, r.Y2)
	}
	fb.Finish()
	return &boxIndex{search: func(minX, minY, maxX, maxY float64) []int {
		return fb.Search(minX, minY, maxX, maxY)
	}}
}

type boxIndex struct {
	search func(minX, minY, maxX, maxY float64) []int
}

func (x *boxIndex) overlapping(b Box) []int {
	r := b.Rect()
	return x.search(r.X1, r.Y1, r.X2, r.Y2)
}

// Scan all pairs of boxes in 'input', and if they have a high IoU, and their classes are specified in 'mergeMap',
// then merge them into a single box.
// Returns the indices of the boxes that should be retained.
// If the map says {"truck": "car"}, then a truck that overlaps a car is dropped, and the car is kept.
func MergeSimilarObjects(input []Box, mergeMap map[string]string, minIoU float64) []int {
	if len(input) == 0 {
		return []int{}
	}
	// Spatial index to avoid O(N^2) comparisons
	index := buildIndex(input)

	deleted := make([]bool, len(input))
	nChanged := 1

	for nChanged != 0 {
		nChanged = 0
		for i, in := range input {
			if deleted[i] {
				continue
			}
			expectOtherClass, ok := mergeMap[in.Class]
			if !ok {
				continue
			}
			for _, j := range index.overlapping(in) {
				if i == j || deleted[j] || input[j].Class != expectOtherClass {
					continue
				}
				if IOU(in, input[j]) >= minIoU {
					deleted[i] = true
					nChanged++
					break
				}
			}
		}
	}

	return retained(deleted)
}

// SuppressDuplicates performs class-aware non-maximum suppression.
// Boxes are visited from most to least confident, and any box of the same class that
// overlaps a kept box with an IoU of at least minIoU is dropped.
// Returns the indices of the boxes that should be retained, in input order.
func SuppressDuplicates(input []Box, minIoU float64) []int {
	if len(input) == 0 {
		return []int{}
	}
	index := buildIndex(input)

	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return input[order[a]].Confidence > input[order[b]].Confidence
	})

	deleted := make([]bool, len(input))
	for _, i := range order {
		if deleted[i] {
			continue
		}
		for _, j := range index.overlapping(input[i]) {
			if i == j || deleted[j] || input[j].Class != input[i].Class {
				continue
			}
			if IOU(input[i], input[j]) >= minIoU {
				deleted[j] = true
			}
		}
	}

	return retained(deleted)
}

// SelectBoxes returns input[i] for each i in indices
func SelectBoxes(input []Box, indices []int) []Box {
	out := make([]Box, len(indices))
	for i, idx := range indices {
		out[i] = input[idx]
	}
	return out
}

func retained(deleted []bool) []int {
	retain := make([]int, 0, len(deleted))
	for i, d := range deleted {
		if !d {
			retain = append(retain, i)
		}
	}
	return retain
}
