package preprocessing

import (
	"bytes"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/tsawler/go-cxr/errdefs"
)

// Channels is the number of color channels fed to every model.
const Channels = 3

// Transform is the normalization applied to every image before it reaches a
// model. It is stored in each checkpoint so serving repeats what training did.
type Transform struct {
	ImageSize int        `json:"image_size" yaml:"image_size"`
	Mean      [3]float32 `json:"mean" yaml:"mean"`
	Std       [3]float32 `json:"std" yaml:"std"`
}

// DefaultTransform uses the ImageNet channel statistics.
func DefaultTransform(size int) Transform {
	return Transform{
		ImageSize: size,
		Mean:      [3]float32{0.485, 0.456, 0.406},
		Std:       [3]float32{0.229, 0.224, 0.225},
	}
}

// Validate reports a ConfigurationError for unusable parameters.
func (t Transform) Validate() error {
	if t.ImageSize <= 0 {
		return errdefs.Configuration("image size must be positive, got %d", t.ImageSize)
	}
	for c, s := range t.Std {
		if s <= 0 {
			return errdefs.Configuration("std of channel %d must be positive, got %v", c, s)
		}
	}
	return nil
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32 // HWC
	Width    int
	Height   int
	Channels int
}

// ImageProcessor resizes and normalizes decoded images. It holds no mutable
// state and may be shared between goroutines.
type ImageProcessor struct {
	transform Transform
}

// NewImageProcessor creates a new image processor for the transform.
func NewImageProcessor(t Transform) (*ImageProcessor, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &ImageProcessor{transform: t}, nil
}

// Transform returns the normalization parameters.
func (p *ImageProcessor) Transform() Transform {
	return p.transform
}

// Decode decodes any registered format (JPEG, PNG, GIF, BMP, TIFF, WebP).
// Unreadable data yields an InputError.
func Decode(r io.Reader) (image.Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, errdefs.Input(err, "cannot decode image")
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, errdefs.Input(nil, "decoded %s image is empty", format)
	}
	return img, nil
}

// Process converts img to RGB, resizes it to the target size and returns the
// normalized pixels in HWC order.
func (p *ImageProcessor) Process(img image.Image) (*ProcessedImage, error) {
	size := p.transform.ImageSize
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	// Paint an opaque background so transparent pixels come out black, not garbage.
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)

	data := make([]float32, size*size*Channels)
	for y := 0; y < size; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			idx := (y*size + x) * Channels
			for c := 0; c < Channels; c++ {
				v := (float32(px[c])/255.0 - p.transform.Mean[c]) / p.transform.Std[c]
				if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					return nil, errdefs.Input(nil, "pixel (%d,%d) normalizes to %v", x, y, v)
				}
				data[idx+c] = v
			}
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    size,
		Height:   size,
		Channels: Channels,
	}, nil
}

// DecodeAndPreprocess decodes an image and preprocesses it for neural network input
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, err := Decode(reader)
	if err != nil {
		return nil, err
	}
	return p.Process(img)
}

// PreprocessBytes is DecodeAndPreprocess over an in-memory upload.
func (p *ImageProcessor) PreprocessBytes(raw []byte) (*ProcessedImage, error) {
	if len(raw) == 0 {
		return nil, errdefs.Input(nil, "empty image")
	}
	return p.DecodeAndPreprocess(bytes.NewReader(raw))
}

// PreprocessFile loads and preprocesses the image at path.
func (p *ImageProcessor) PreprocessFile(path string) (*ProcessedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	img, err := p.DecodeAndPreprocess(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "preprocess %s", path)
	}
	return img, nil
}

// FlipHorizontal mirrors an HWC image in place.
func FlipHorizontal(data []float32, height, width int) {
	for y := 0; y < height; y++ {
		row := data[y*width*Channels : (y+1)*width*Channels]
		for l, r := 0, width-1; l < r; l, r = l+1, r-1 {
			for c := 0; c < Channels; c++ {
				row[l*Channels+c], row[r*Channels+c] = row[r*Channels+c], row[l*Channels+c]
			}
		}
	}
}

// DimensionsOf reads only the header of an image file.
func DimensionsOf(path string) (width, height int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, errdefs.Input(err, "cannot read image header of %s", path)
	}
	return cfg.Width, cfg.Height, nil
}
