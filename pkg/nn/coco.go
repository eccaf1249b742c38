package nn

import (
	"fmt"
	"path/filepath"
)

// COCO annotation-exchange format (only the parts that we need).
// See https://cocodataset.org/#format-data
type COCODataset struct {
	Images      []COCOImage      `json:"images"`
	Annotations []COCOAnnotation `json:"annotations"`
	Categories  []COCOCategory   `json:"categories"`
}

type COCOImage struct {
	ID       int64  `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type COCOAnnotation struct {
	ID         int64     `json:"id"`
	ImageID    int64     `json:"image_id"`
	CategoryID int64     `json:"category_id"`
	BBox       []float64 `json:"bbox"` // [x,y,width,height], where x,y is the top-left corner
}

type COCOCategory struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// GroundTruth converts the dataset into one GroundTruthSet per image.
// If imageNames is empty, the output is in the order of d.Images.
// Otherwise the output is aligned to imageNames, matching on the base filename,
// and any name that has no entry in d.Images is an error.
func (d *COCODataset) GroundTruth(imageNames []string) ([]GroundTruthSet, error) {
	categories := map[int64]string{}
	for _, c := range d.Categories {
		categories[c.ID] = c.Name
	}

	byImage := map[int64]GroundTruthSet{}
	for i, a := range d.Annotations {
		if len(a.BBox) != 4 {
			return nil, fmt.Errorf("COCO annotation %v (index %v) has a bbox with %v elements, expected 4", a.ID, i, len(a.BBox))
		}
		class, ok := categories[a.CategoryID]
		if !ok {
			return nil, fmt.Errorf("COCO annotation %v refers to unknown category %v", a.ID, a.CategoryID)
		}
		w := a.BBox[2]
		h := a.BBox[3]
		byImage[a.ImageID] = append(byImage[a.ImageID], Box{
			X:      a.BBox[0] + w/2,
			Y:      a.BBox[1] + h/2,
			Width:  w,
			Height: h,
			Class:  class,
		})
	}

	if len(imageNames) == 0 {
		sets := make([]GroundTruthSet, len(d.Images))
		for i, img := range d.Images {
			sets[i] = nonNil(byImage[img.ID])
		}
		return sets, nil
	}

	nameToID := map[string]int64{}
	for _, img := range d.Images {
		nameToID[filepath.Base(img.FileName)] = img.ID
	}
	sets := make([]GroundTruthSet, len(imageNames))
	for i, name := range imageNames {
		id, ok := nameToID[filepath.Base(name)]
		if !ok {
			return nil, fmt.Errorf("Image '%v' has no entry in the COCO images list", name)
		}
		sets[i] = nonNil(byImage[id])
	}
	return sets, nil
}

func nonNil(s GroundTruthSet) GroundTruthSet {
	if s == nil {
		return GroundTruthSet{}
	}
	return s
}
