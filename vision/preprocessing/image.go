// Package preprocessing decodes color, depth and normals images into CHW
// float32 buffers at the model resolution.
package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nfnt/resize"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Kind selects how an image file is interpreted.
type Kind int

const (
	// Color is an RGB image, normalised with the ImageNet statistics.
	Color Kind = iota
	// Depth is a single-channel map. 16-bit files keep their precision.
	Depth
	// Normals is an RGB encoding of unit vectors, mapped to [-1, 1].
	Normals
)

func (k Kind) String() string {
	switch k {
	case Depth:
		return "depth"
	case Normals:
		return "normals"
	default:
		return "color"
	}
}

// Channels returns the channel count of decoded images of kind k.
func (k Kind) Channels() int {
	if k == Depth {
		return 1
	}
	return 3
}

// ImageNet statistics used by the pretrained depth model.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Extensions lists the file types the decoders are registered for.
var Extensions = []string{".png", ".jpg", ".jpeg", ".tif", ".tiff", ".webp"}

// IsImage reports whether path has a supported extension.
func IsImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ImageProcessor converts decoded images to square CHW tensors.
type ImageProcessor struct {
	mu         sync.Mutex
	grayBuffer *image.Gray16
	targetSize int
	depthScale float32
}

// NewImageProcessor creates a processor for targetSize x targetSize output.
// Depth maps are scaled so that the full 16-bit range maps to depthScale.
func NewImageProcessor(targetSize int, depthScale float32) *ImageProcessor {
	if depthScale <= 0 {
		depthScale = 1
	}
	return &ImageProcessor{targetSize: targetSize, depthScale: depthScale}
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Decode reads one image of kind from r.
func (p *ImageProcessor) Decode(r io.Reader, kind Kind) (*ProcessedImage, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	switch kind {
	case Depth:
		return p.depth(img), nil
	case Normals:
		return p.rgb(img, func(c int, v float32) float32 { return 2*v - 1 }), nil
	case Color:
		return p.rgb(img, func(c int, v float32) float32 { return (v - ImageNetMean[c]) / ImageNetStd[c] }), nil
	default:
		return nil, fmt.Errorf("unknown image kind %d for %s image", kind, format)
	}
}

// DecodeFile opens path and decodes it as kind.
func (p *ImageProcessor) DecodeFile(path string, kind Kind) (*ProcessedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := p.Decode(f, kind)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// rgb resizes img and stores f(channel, value in [0,1]) in CHW order.
func (p *ImageProcessor) rgb(img image.Image, f func(c int, v float32) float32) *ProcessedImage {
	size := p.targetSize
	b := img.Bounds()
	if b.Dx() != size || b.Dy() != size {
		img = resize.Resize(uint(size), uint(size), img, resize.Bilinear)
		b = img.Bounds()
	}

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			idx := y*size + x
			data[idx] = f(0, float32(r)/65535)
			data[plane+idx] = f(1, float32(g)/65535)
			data[2*plane+idx] = f(2, float32(bl)/65535)
		}
	}
	return &ProcessedImage{Data: data, Width: size, Height: size, Channels: 3}
}

// depth converts img to 16-bit gray at the target size and scales it.
func (p *ImageProcessor) depth(img image.Image) *ProcessedImage {
	size := p.targetSize

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.grayBuffer == nil {
		p.grayBuffer = image.NewGray16(image.Rect(0, 0, size, size))
	}
	gray := p.grayBuffer
	if img.Bounds().Dx() == size && img.Bounds().Dy() == size {
		draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)
	} else {
		// Nearest neighbour keeps depth edges from blending.
		xdraw.NearestNeighbor.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)
	}

	data := make([]float32, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := gray.Gray16At(x, y).Y
			data[y*size+x] = float32(v) / 65535 * p.depthScale
		}
	}
	return &ProcessedImage{Data: data, Width: size, Height: size, Channels: 1}
}

// DenormalizeColor maps ImageNet-normalised CHW color back to an RGBA
// image, clamping to the displayable range.
func DenormalizeColor(data []float32, size int) (*image.RGBA, error) {
	plane := size * size
	if len(data) != 3*plane {
		return nil, fmt.Errorf("expected %d values for a %dx%d color image, got %d", 3*plane, size, size, len(data))
	}
	out := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			var c [3]uint8
			for ch := 0; ch < 3; ch++ {
				v := data[ch*plane+y*size+x]*ImageNetStd[ch] + ImageNetMean[ch]
				switch {
				case v < 0:
					v = 0
				case v > 1:
					v = 1
				}
				c[ch] = uint8(v*255 + 0.5)
			}
			out.SetRGBA(x, y, color.RGBA{R: c[0], G: c[1], B: c[2], A: 255})
		}
	}
	return out, nil
}

// PreprocessBatch decodes paths concurrently, in order.
func PreprocessBatch(paths []string, kind Kind, targetSize int, depthScale float32, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(paths))
	errs := make([]error, len(paths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(paths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize, depthScale)
			for j := range jobs {
				results[j.index], errs[j.index] = processor.DecodeFile(j.path, kind)
			}
		}()
	}

	for i, path := range paths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d: %w", i, err)
		}
	}
	return results, nil
}
