package nn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeSimilarObjects(t *testing.T) {
	input := []Box{
		{X: 100, Y: 100, Width: 50, Height: 30, Class: "truck", Confidence: 0.6},
		{X: 102, Y: 101, Width: 50, Height: 30, Class: "car", Confidence: 0.7},
		{X: 400, Y: 400, Width: 50, Height: 30, Class: "truck", Confidence: 0.8},
	}
	keep := MergeSimilarObjects(input, map[string]string{"truck": "car"}, 0.5)
	require.Equal(t, []int{1, 2}, keep)
	require.Equal(t, []int{}, MergeSimilarObjects(nil, nil, 0.5))
}

func TestSuppressDuplicates(t *testing.T) {
	input := []Box{
		{X: 100, Y: 100, Width: 50, Height: 50, Class: "person", Confidence: 0.6},
		{X: 101, Y: 100, Width: 50, Height: 50, Class: "person", Confidence: 0.9},
		{X: 100, Y: 100, Width: 50, Height: 50, Class: "dog", Confidence: 0.5},
		{X: 300, Y: 300, Width: 50, Height: 50, Class: "person", Confidence: 0.4},
	}
	keep := SuppressDuplicates(input, 0.5)
	require.Equal(t, []int{1, 2, 3}, keep)
	boxes := SelectBoxes(input, keep)
	require.Equal(t, 0.9, boxes[0].Confidence)
	require.Equal(t, "dog", boxes[1].Class)
}
