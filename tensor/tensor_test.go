package tensor

import (
	"reflect"
	"testing"
)

func TestNewValidatesShape(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		data    []float64
		wantErr bool
	}{
		{"zeros", []int{2, 3}, nil, false},
		{"with data", []int{2}, []float64{1, 2}, false},
		{"empty shape", []int{}, nil, true},
		{"zero dim", []int{2, 0}, nil, true},
		{"length mismatch", []int{3}, []float64{1, 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.shape, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%v) error = %v, wantErr %v", tt.shape, err, tt.wantErr)
			}
		})
	}
}

func TestStrides(t *testing.T) {
	x := MustNew([]int{2, 3, 4}, nil)
	if !reflect.DeepEqual(x.Strides, []int{12, 4, 1}) {
		t.Errorf("Expected strides [12 4 1], got %v", x.Strides)
	}
	v, err := x.At(1, 2, 3)
	if err != nil || v != 0 {
		t.Errorf("At(1,2,3) = %v, %v", v, err)
	}
	if _, err := x.At(2, 0, 0); err == nil {
		t.Error("Expected out of bounds error")
	}
}

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		a, b    []int
		want    []int
		wantErr bool
	}{
		{[]int{2, 3}, []int{2, 3}, []int{2, 3}, false},
		{[]int{4, 3, 8, 8}, []int{1, 3, 1, 1}, []int{4, 3, 8, 8}, false},
		{[]int{5}, []int{2, 1}, []int{2, 5}, false},
		{[]int{2, 3}, []int{3, 2}, nil, true},
	}

	for _, tt := range tests {
		got, err := BroadcastShapes(tt.a, tt.b)
		if (err != nil) != tt.wantErr {
			t.Errorf("BroadcastShapes(%v, %v) error = %v", tt.a, tt.b, err)
			continue
		}
		if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("BroadcastShapes(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestAddBroadcastReducesGradient(t *testing.T) {
	a := MustNew([]int{2, 2}, []float64{1, 2, 3, 4})
	b := MustNew([]int{2}, []float64{10, 20})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	c, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !reflect.DeepEqual(c.Data, []float64{11, 22, 13, 24}) {
		t.Errorf("Unexpected sum %v", c.Data)
	}

	s, _ := Sum(c)
	if err := s.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if !reflect.DeepEqual(b.Grad().Data, []float64{2, 2}) {
		t.Errorf("Expected broadcast gradient [2 2], got %v", b.Grad().Data)
	}
}

func TestMatMulForward(t *testing.T) {
	a := MustNew([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	b := MustNew([]int{3, 2}, []float64{7, 8, 9, 10, 11, 12})
	c, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	if !reflect.DeepEqual(c.Data, []float64{58, 64, 139, 154}) {
		t.Errorf("Unexpected product %v", c.Data)
	}
	if _, err := MatMul(a, a); err == nil {
		t.Error("Expected dimension mismatch error")
	}
}

func TestSpatialShapes(t *testing.T) {
	x := MustNew([]int{2, 3, 4, 6}, nil)

	pooled, _ := AvgPool2(x)
	if !reflect.DeepEqual(pooled.Shape, []int{2, 3, 2, 3}) {
		t.Errorf("AvgPool2 shape %v", pooled.Shape)
	}
	up, _ := Upsample2(pooled)
	if !reflect.DeepEqual(up.Shape, x.Shape) {
		t.Errorf("Upsample2 shape %v", up.Shape)
	}
	gap, _ := GlobalAvgPool(x)
	if !reflect.DeepEqual(gap.Shape, []int{2, 3}) {
		t.Errorf("GlobalAvgPool shape %v", gap.Shape)
	}
	cat, _ := ConcatChannels(x, pooled.Detach())
	if cat != nil {
		t.Error("ConcatChannels should reject mismatched spatial sizes")
	}
	if _, err := SelectChannel(x, 3); err == nil {
		t.Error("SelectChannel should reject an out of range channel")
	}
}

func TestShiftReplicatesEdges(t *testing.T) {
	x := MustNew([]int{1, 1, 3, 1}, []float64{1, 2, 3})
	down, _ := ShiftH(x, 1)
	if !reflect.DeepEqual(down.Data, []float64{2, 3, 3}) {
		t.Errorf("ShiftH(+1) = %v", down.Data)
	}
	up, _ := ShiftH(x, -1)
	if !reflect.DeepEqual(up.Data, []float64{1, 1, 2}) {
		t.Errorf("ShiftH(-1) = %v", up.Data)
	}
}

func TestReshapeInfersDimension(t *testing.T) {
	x := MustNew([]int{4, 3, 2, 2}, nil)
	flat, err := Flatten(x)
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	if !reflect.DeepEqual(flat.Shape, []int{4, 12}) {
		t.Errorf("Flatten shape %v", flat.Shape)
	}
	if _, err := Reshape(x, []int{5, -1}); err == nil {
		t.Error("Expected reshape error for indivisible size")
	}
}
