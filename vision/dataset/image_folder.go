package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-cxr/errdefs"
)

// DefaultExtensions lists the image formats the preprocessing package decodes.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class. Classes are sorted by name and
// that order defines the one-hot encoding.
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset creates a dataset from a directory structure
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "list classes in %s", root)
	}

	dataset := &ImageFolderDataset{
		classToIdx: make(map[string]int),
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		className := entry.Name()
		classIdx := len(dataset.classNames)
		dataset.classNames = append(dataset.classNames, className)
		dataset.classToIdx[className] = classIdx

		files, err := os.ReadDir(filepath.Join(root, className))
		if err != nil {
			return nil, errors.Wrapf(err, "list images of class %s", className)
		}
		for _, f := range files {
			if f.IsDir() || !allowed[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			dataset.imagePaths = append(dataset.imagePaths, filepath.Join(root, className, f.Name()))
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	if len(dataset.classNames) == 0 {
		return nil, errdefs.Configuration("no class directories found in %s", root)
	}
	if len(dataset.imagePaths) == 0 {
		return nil, errdefs.Configuration("no images found in %s", root)
	}
	return dataset, nil
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns a copy of the class names in label order.
func (d *ImageFolderDataset) ClassNames() []string {
	return append([]string(nil), d.classNames...)
}

// ClassCounts returns the number of samples per class in label order.
func (d *ImageFolderDataset) ClassCounts() []int {
	counts := make([]int, len(d.classNames))
	for _, label := range d.labels {
		counts[label]++
	}
	return counts
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for i, c := range d.ClassCounts() {
		dist[d.classNames[i]] = c
	}
	return dist
}

// Split holds out a validation fraction of every class. Within a class the
// files are shuffled with seed, so the split is reproducible and stratified.
func (d *ImageFolderDataset) Split(validationFraction float64, seed int64) (train, val *ImageFolderDataset, err error) {
	if validationFraction <= 0 || validationFraction >= 1 {
		return nil, nil, errdefs.Configuration("validation fraction %v is not in (0, 1)", validationFraction)
	}

	byClass := make([][]int, len(d.classNames))
	for i, label := range d.labels {
		byClass[label] = append(byClass[label], i)
	}

	rng := rand.New(rand.NewSource(seed))
	var trainIdx, valIdx []int
	for _, indices := range byClass {
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		n := int(float64(len(indices)) * validationFraction)
		valIdx = append(valIdx, indices[:n]...)
		trainIdx = append(trainIdx, indices[n:]...)
	}
	sort.Ints(trainIdx)
	sort.Ints(valIdx)

	if len(valIdx) == 0 {
		return nil, nil, errdefs.Configuration("validation split %v leaves no validation images", validationFraction)
	}
	return d.Subset(trainIdx), d.Subset(valIdx), nil
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}

	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}

	return subset
}

// FilterByClass creates a new dataset containing only samples from specified classes
func (d *ImageFolderDataset) FilterByClass(classNames []string) *ImageFolderDataset {
	validClasses := make(map[int]bool)
	for _, className := range classNames {
		if idx, exists := d.classToIdx[className]; exists {
			validClasses[idx] = true
		}
	}

	var indices []int
	for i, label := range d.labels {
		if validClasses[label] {
			indices = append(indices, i)
		}
	}
	return d.Subset(indices)
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames))
	sb.WriteString("Class distribution:\n")
	for i, count := range d.ClassCounts() {
		fmt.Fprintf(&sb, "  %s: %d samples\n", d.classNames[i], count)
	}
	return sb.String()
}
