package detect

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cyclopcam/deteval/pkg/nn"
	"github.com/disintegration/imaging"
)

// Return true if the filename looks like an image that we can decode
func IsImageFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// MakeImage wraps encoded image bytes, and decodes the image dimensions
func MakeImage(name string, data []byte) (nn.Image, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nn.Image{}, fmt.Errorf("Failed to decode image '%v': %w", name, err)
	}
	return nn.Image{
		Name:        name,
		Data:        data,
		ContentType: "image/" + format,
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}

// LoadImageFiles reads the given image files, in the order given
func LoadImageFiles(paths []string) ([]nn.Image, error) {
	images := make([]nn.Image, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		img, err := MakeImage(filepath.Base(p), data)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// LoadImageDir reads all the JPEG and PNG files in dir, sorted by filename
func LoadImageDir(dir string) ([]nn.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	paths := []string{}
	for _, e := range entries {
		if !e.IsDir() && IsImageFile(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("No images found in %v", dir)
	}
	return LoadImageFiles(paths)
}

// Downscale re-encodes the image as a JPEG so that neither dimension exceeds maxSize.
// Returns the new image, and the factor by which coordinates in the new image must be
// multiplied to map them back onto the original image.
// If the image is already small enough, it is returned unchanged, with a scale of 1.
func Downscale(img nn.Image, maxSize int) (nn.Image, float64, error) {
	if maxSize <= 0 || (img.Width != 0 && img.Width <= maxSize && img.Height <= maxSize) {
		return img, 1, nil
	}
	decoded, err := imaging.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return img, 1, fmt.Errorf("Failed to decode image '%v': %w", img.Name, err)
	}
	b := decoded.Bounds()
	if b.Dx() <= maxSize && b.Dy() <= maxSize {
		return img, 1, nil
	}
	small := imaging.Fit(decoded, maxSize, maxSize, imaging.Lanczos)
	buf := bytes.Buffer{}
	if err := imaging.Encode(&buf, small, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return img, 1, err
	}
	out := nn.Image{
		Name:        img.Name,
		Data:        buf.Bytes(),
		ContentType: "image/jpeg",
		Width:       small.Bounds().Dx(),
		Height:      small.Bounds().Dy(),
	}
	return out, float64(b.Dx()) / float64(out.Width), nil
}

// ScaleBoxes multiplies the coordinates of every box by scale
func ScaleBoxes(boxes nn.PredictionSet, scale float64) nn.PredictionSet {
	if scale == 1 {
		return boxes
	}
	out := make(nn.PredictionSet, len(boxes))
	for i, b := range boxes {
		b.X *= scale
		b.Y *= scale
		b.Width *= scale
		b.Height *= scale
		out[i] = b
	}
	return out
}
