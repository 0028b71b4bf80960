// Package dataset indexes the image files of one data source.
package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/hailmary/vision/preprocessing"
)

// Dataset is an indexable list of file tuples. Every tuple holds one file
// per entry of Kinds.
type Dataset interface {
	Len() int
	GetItem(index int) ([]string, error)
	Kinds() []preprocessing.Kind
}

// Sub-directories of a source that carries geometry.
const (
	ColorDir   = "color"
	DepthDir   = "depth"
	NormalsDir = "normals"
)

// ImageDataset is a list of file tuples, e.g. (color) or (color, depth,
// normals).
type ImageDataset struct {
	files [][]string
	kinds []preprocessing.Kind
}

// NewImageDataset wraps files; every tuple must match kinds in length.
func NewImageDataset(files [][]string, kinds []preprocessing.Kind) (*ImageDataset, error) {
	if len(kinds) == 0 {
		return nil, fmt.Errorf("image dataset needs at least one kind")
	}
	for i, tuple := range files {
		if len(tuple) != len(kinds) {
			return nil, fmt.Errorf("item %d has %d files, expected %d", i, len(tuple), len(kinds))
		}
	}
	return &ImageDataset{files: files, kinds: append([]preprocessing.Kind(nil), kinds...)}, nil
}

// NewImageFolderDataset indexes a source directory. When root has a color
// sub-directory, depth and normals files are paired with each color file
// by base name and the dataset yields (color, depth, normals); a color file
// without both partners is an error. Otherwise every image directly under
// root is a color-only item.
func NewImageFolderDataset(root string) (*ImageDataset, error) {
	colorDir := filepath.Join(root, ColorDir)
	if info, err := os.Stat(colorDir); err != nil || !info.IsDir() {
		colors, err := listImages(root)
		if err != nil {
			return nil, err
		}
		if len(colors) == 0 {
			return nil, fmt.Errorf("no images found in %s", root)
		}
		files := make([][]string, len(colors))
		for i, c := range colors {
			files[i] = []string{c}
		}
		return NewImageDataset(files, []preprocessing.Kind{preprocessing.Color})
	}

	colors, err := listImages(colorDir)
	if err != nil {
		return nil, err
	}
	if len(colors) == 0 {
		return nil, fmt.Errorf("no images found in %s", colorDir)
	}
	depths, err := indexByStem(filepath.Join(root, DepthDir))
	if err != nil {
		return nil, err
	}
	normals, err := indexByStem(filepath.Join(root, NormalsDir))
	if err != nil {
		return nil, err
	}
	if len(depths) == 0 && len(normals) == 0 {
		files := make([][]string, len(colors))
		for i, c := range colors {
			files[i] = []string{c}
		}
		return NewImageDataset(files, []preprocessing.Kind{preprocessing.Color})
	}

	files := make([][]string, 0, len(colors))
	for _, c := range colors {
		s := stem(c)
		d, okD := depths[s]
		n, okN := normals[s]
		if !okD || !okN {
			return nil, fmt.Errorf("color image %s has no matching depth and normals files", c)
		}
		files = append(files, []string{c, d, n})
	}
	return NewImageDataset(files, []preprocessing.Kind{preprocessing.Color, preprocessing.Depth, preprocessing.Normals})
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !preprocessing.IsImage(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func indexByStem(dir string) (map[string]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	paths, err := listImages(dir)
	if err != nil {
		return nil, err
	}
	byStem := make(map[string]string, len(paths))
	for _, p := range paths {
		byStem[stem(p)] = p
	}
	return byStem, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Len returns the number of items in the dataset
func (d *ImageDataset) Len() int {
	return len(d.files)
}

// GetItem returns the file tuple at index.
func (d *ImageDataset) GetItem(index int) ([]string, error) {
	if index < 0 || index >= len(d.files) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.files))
	}
	return d.files[index], nil
}

// Kinds returns the kind of every file in a tuple.
func (d *ImageDataset) Kinds() []preprocessing.Kind {
	return d.kinds
}

// Split splits the dataset into train and validation sets
func (d *ImageDataset) Split(trainRatio float64, rng *rand.Rand) (*ImageDataset, *ImageDataset) {
	n := len(d.files)
	trainSize := int(float64(n) * trainRatio)

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if rng != nil {
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}
	return d.Subset(indices[:trainSize]), d.Subset(indices[trainSize:])
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageDataset) Subset(indices []int) *ImageDataset {
	subset := &ImageDataset{files: make([][]string, len(indices)), kinds: d.kinds}
	for i, idx := range indices {
		subset.files[i] = d.files[idx]
	}
	return subset
}

// String returns a string representation of the dataset
func (d *ImageDataset) String() string {
	names := make([]string, len(d.kinds))
	for i, k := range d.kinds {
		names[i] = k.String()
	}
	return fmt.Sprintf("ImageDataset: %d samples of (%s)", len(d.files), strings.Join(names, ", "))
}
