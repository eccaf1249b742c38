package nn

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ParseGroundTruth accepts either of the two ground truth wire shapes:
//
//  1. A nested array, one inner array per image: [[{"x":..,"y":..,"width":..,"height":..,"class":".."}], ...]
//  2. A COCO dataset object with "images", "annotations" and "categories".
//
// In the nested array case, the sets are positional, and imageNames is ignored.
// See COCODataset.GroundTruth for how imageNames is used with COCO.
func ParseGroundTruth(data []byte, imageNames []string) ([]GroundTruthSet, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("Ground truth is empty")
	}
	switch trimmed[0] {
	case '[':
		sets := []GroundTruthSet{}
		if err := json.Unmarshal(trimmed, &sets); err != nil {
			return nil, fmt.Errorf("Failed to decode nested ground truth array: %w", err)
		}
		for i := range sets {
			sets[i] = nonNil(sets[i])
		}
		return sets, nil
	case '{':
		dataset := COCODataset{}
		if err := json.Unmarshal(trimmed, &dataset); err != nil {
			return nil, fmt.Errorf("Failed to decode COCO ground truth: %w", err)
		}
		if dataset.Images == nil && dataset.Annotations == nil {
			return nil, errors.New("Ground truth object is not a COCO dataset (missing 'images' and 'annotations')")
		}
		return dataset.GroundTruth(imageNames)
	}
	return nil, fmt.Errorf("Unrecognized ground truth format (starts with '%c')", trimmed[0])
}

// LoadGroundTruthFile reads a ground truth file in either of the formats accepted by ParseGroundTruth
func LoadGroundTruthFile(filename string, imageNames []string) ([]GroundTruthSet, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	sets, err := ParseGroundTruth(b, imageNames)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", filename, err)
	}
	return sets, nil
}

// ValidateGroundTruth checks the geometry of every box.
// The returned error names the image and box index of the first bad box.
func ValidateGroundTruth(sets []GroundTruthSet) error {
	for i, set := range sets {
		for j, b := range set {
			if err := b.Validate(); err != nil {
				return fmt.Errorf("ground truth image %v, box %v: %w", i, j, err)
			}
		}
	}
	return nil
}
