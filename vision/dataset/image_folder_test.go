package dataset

import (
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/tsawler/hailmary/vision/preprocessing"
)

// touch creates empty files; indexing never decodes them.
func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create %s: %v", dir, err)
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0644); err != nil {
			t.Fatalf("Failed to create %s: %v", n, err)
		}
	}
}

func TestImageFolderColorOnly(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "b.png", "a.jpg", "notes.txt", ".hidden.png")

	ds, err := NewImageFolderDataset(root)
	if err != nil {
		t.Fatalf("NewImageFolderDataset failed: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("Expected 2 items, got %d", ds.Len())
	}
	if !reflect.DeepEqual(ds.Kinds(), []preprocessing.Kind{preprocessing.Color}) {
		t.Errorf("Unexpected kinds %v", ds.Kinds())
	}
	item, _ := ds.GetItem(0)
	if filepath.Base(item[0]) != "a.jpg" {
		t.Errorf("Expected sorted items, got %v", item)
	}
}

func TestImageFolderPairsGeometryByStem(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, ColorDir), "0001.png", "0002.png")
	touch(t, filepath.Join(root, DepthDir), "0001.tiff", "0002.tiff")
	touch(t, filepath.Join(root, NormalsDir), "0001.png", "0002.png")

	ds, err := NewImageFolderDataset(root)
	if err != nil {
		t.Fatalf("NewImageFolderDataset failed: %v", err)
	}
	if len(ds.Kinds()) != 3 {
		t.Fatalf("Expected color, depth and normals, got %v", ds.Kinds())
	}
	item, _ := ds.GetItem(1)
	want := []string{
		filepath.Join(root, ColorDir, "0002.png"),
		filepath.Join(root, DepthDir, "0002.tiff"),
		filepath.Join(root, NormalsDir, "0002.png"),
	}
	if !reflect.DeepEqual(item, want) {
		t.Errorf("Item %v, want %v", item, want)
	}
	if !strings.Contains(ds.String(), "color, depth, normals") {
		t.Errorf("Unexpected description %q", ds.String())
	}
}

func TestImageFolderRejectsMissingPartner(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, ColorDir), "0001.png", "0002.png")
	touch(t, filepath.Join(root, DepthDir), "0001.png")
	touch(t, filepath.Join(root, NormalsDir), "0001.png", "0002.png")

	if _, err := NewImageFolderDataset(root); err == nil {
		t.Error("Expected an error for a color image without depth")
	}
	if _, err := NewImageFolderDataset(t.TempDir()); err == nil {
		t.Error("Expected an error for an empty directory")
	}
}

func TestGetItemBounds(t *testing.T) {
	ds, _ := NewImageDataset([][]string{{"a"}}, []preprocessing.Kind{preprocessing.Color})
	if _, err := ds.GetItem(1); err == nil {
		t.Error("Expected an out of range error")
	}
	if _, err := NewImageDataset([][]string{{"a", "b"}}, []preprocessing.Kind{preprocessing.Color}); err == nil {
		t.Error("Expected a tuple length error")
	}
}

func TestSplitPartitionsItems(t *testing.T) {
	var files [][]string
	for i := 0; i < 10; i++ {
		files = append(files, []string{string(rune('a' + i))})
	}
	ds, _ := NewImageDataset(files, []preprocessing.Kind{preprocessing.Color})
	train, val := ds.Split(0.7, rand.New(rand.NewSource(1)))
	if train.Len() != 7 || val.Len() != 3 {
		t.Fatalf("Split sizes %d/%d, want 7/3", train.Len(), val.Len())
	}
	var all []string
	for _, part := range []*ImageDataset{train, val} {
		for i := 0; i < part.Len(); i++ {
			item, _ := part.GetItem(i)
			all = append(all, item[0])
		}
	}
	sort.Strings(all)
	if strings.Join(all, "") != "abcdefghij" {
		t.Errorf("Split lost or duplicated items: %v", all)
	}
}

func TestEndlessDatasetVisitsEveryItemPerPass(t *testing.T) {
	files := [][]string{{"a"}, {"b"}, {"c"}, {"d"}}
	ds, _ := NewImageDataset(files, []preprocessing.Kind{preprocessing.Color})
	endless, err := NewEndlessDataset(ds, 1000, 42)
	if err != nil {
		t.Fatalf("NewEndlessDataset failed: %v", err)
	}
	if endless.Len() != 1000 {
		t.Errorf("Expected the configured length, got %d", endless.Len())
	}

	var passes [3][]string
	for p := range passes {
		for i := 0; i < len(files); i++ {
			item, err := endless.GetItem(0)
			if err != nil {
				t.Fatalf("GetItem failed: %v", err)
			}
			passes[p] = append(passes[p], item[0])
		}
		seen := append([]string(nil), passes[p]...)
		sort.Strings(seen)
		if strings.Join(seen, "") != "abcd" {
			t.Errorf("Pass %d is not a permutation: %v", p, passes[p])
		}
	}

	again, _ := NewEndlessDataset(ds, 1000, 42)
	for i := 0; i < len(files); i++ {
		item, _ := again.GetItem(0)
		if item[0] != passes[0][i] {
			t.Fatal("The same seed must give the same order")
		}
	}
}

func TestMemorizeCheckRepeatsFirstBatch(t *testing.T) {
	ds, _ := NewImageDataset([][]string{{"a"}, {"b"}, {"c"}}, []preprocessing.Kind{preprocessing.Color})
	m, err := NewMemorizeCheck(ds, 2, 100)
	if err != nil {
		t.Fatalf("NewMemorizeCheck failed: %v", err)
	}
	var got []string
	for i := 0; i < 5; i++ {
		item, _ := m.GetItem(i)
		got = append(got, item[0])
	}
	if strings.Join(got, "") != "ababa" {
		t.Errorf("Got %v, want a b a b a", got)
	}
	if _, err := NewMemorizeCheck(ds, 4, 10); err == nil {
		t.Error("Expected an error for a batch larger than the dataset")
	}
}
