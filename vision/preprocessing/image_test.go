package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/tiff"
)

func solidRGBA(size int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-4
}

func TestDecodeColorAppliesImageNetNormalisation(t *testing.T) {
	p := NewImageProcessor(4, 1)
	img, err := p.Decode(bytes.NewReader(encodePNG(t, solidRGBA(4, color.RGBA{255, 255, 255, 255}))), Color)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if img.Channels != 3 || len(img.Data) != 3*16 {
		t.Fatalf("Unexpected image %dx%dx%d with %d values", img.Channels, img.Height, img.Width, len(img.Data))
	}
	for c := 0; c < 3; c++ {
		want := (1 - ImageNetMean[c]) / ImageNetStd[c]
		if got := img.Data[c*16]; !near(got, want) {
			t.Errorf("Channel %d = %v, want %v", c, got, want)
		}
	}
}

func TestDecodeResizesToTarget(t *testing.T) {
	p := NewImageProcessor(8, 1)
	img, err := p.Decode(bytes.NewReader(encodePNG(t, solidRGBA(20, color.RGBA{10, 20, 30, 255}))), Color)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if img.Width != 8 || img.Height != 8 || len(img.Data) != 3*64 {
		t.Errorf("Expected an 8x8 image, got %dx%d with %d values", img.Width, img.Height, len(img.Data))
	}
}

func TestDecodeDepthKeeps16BitPrecision(t *testing.T) {
	gray := image.NewGray16(image.Rect(0, 0, 2, 2))
	gray.SetGray16(0, 0, color.Gray16{Y: 65535})
	gray.SetGray16(1, 0, color.Gray16{Y: 1})
	gray.SetGray16(0, 1, color.Gray16{Y: 32768})

	var tif bytes.Buffer
	if err := tiff.Encode(&tif, gray, nil); err != nil {
		t.Fatalf("Failed to encode TIFF: %v", err)
	}

	for name, data := range map[string][]byte{"png": encodePNG(t, gray), "tiff": tif.Bytes()} {
		p := NewImageProcessor(2, 10)
		img, err := p.Decode(bytes.NewReader(data), Depth)
		if err != nil {
			t.Fatalf("%s: Decode failed: %v", name, err)
		}
		if img.Channels != 1 {
			t.Fatalf("%s: expected one channel, got %d", name, img.Channels)
		}
		want := []float32{10, 10.0 / 65535, 32768 * 10.0 / 65535, 0}
		for i := range want {
			if !near(img.Data[i], want[i]) {
				t.Errorf("%s: pixel %d = %v, want %v", name, i, img.Data[i], want[i])
			}
		}
	}
}

func TestDecodeNormalsMapsToSignedRange(t *testing.T) {
	p := NewImageProcessor(1, 1)
	img, err := p.Decode(bytes.NewReader(encodePNG(t, solidRGBA(1, color.RGBA{255, 0, 255, 255}))), Normals)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := []float32{1, -1, 1}
	for i := range want {
		if !near(img.Data[i], want[i]) {
			t.Errorf("Component %d = %v, want %v", i, img.Data[i], want[i])
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	p := NewImageProcessor(4, 1)
	if _, err := p.Decode(bytes.NewReader([]byte("not an image")), Color); err == nil {
		t.Error("Expected a decode error")
	}
}

func TestDenormalizeColorInvertsDecode(t *testing.T) {
	p := NewImageProcessor(2, 1)
	src := color.RGBA{200, 100, 50, 255}
	img, err := p.Decode(bytes.NewReader(encodePNG(t, solidRGBA(2, src))), Color)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	out, err := DenormalizeColor(img.Data, 2)
	if err != nil {
		t.Fatalf("DenormalizeColor failed: %v", err)
	}
	if got := out.RGBAAt(1, 1); got != src {
		t.Errorf("Round trip gave %v, want %v", got, src)
	}
	if _, err := DenormalizeColor(img.Data[:5], 2); err == nil {
		t.Error("Expected a size error")
	}
}

func TestPreprocessBatchKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	shades := []uint8{0, 128, 255}
	var paths []string
	for i, s := range shades {
		path := filepath.Join(dir, string(rune('a'+i))+".png")
		if err := os.WriteFile(path, encodePNG(t, solidRGBA(3, color.RGBA{s, s, s, 255})), 0644); err != nil {
			t.Fatalf("Failed to write image: %v", err)
		}
		paths = append(paths, path)
	}

	images, err := PreprocessBatch(paths, Normals, 3, 1, 2)
	if err != nil {
		t.Fatalf("PreprocessBatch failed: %v", err)
	}
	for i, s := range shades {
		want := 2*float32(s)/255 - 1
		if !near(images[i].Data[0], want) {
			t.Errorf("Image %d starts with %v, want %v", i, images[i].Data[0], want)
		}
	}

	if _, err := PreprocessBatch(append(paths, filepath.Join(dir, "missing.png")), Color, 3, 1, 2); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestIsImage(t *testing.T) {
	for path, want := range map[string]bool{
		"a.PNG": true, "b.tiff": true, "c.webp": true, "d.exr": false, "e": false,
	} {
		if got := IsImage(path); got != want {
			t.Errorf("IsImage(%q) = %v, want %v", path, got, want)
		}
	}
}
