package tensor

import (
	"fmt"
)

// gatherOp copies out[i] = x[index[i]]; backward scatter-adds.
type gatherOp struct {
	name  string
	x     *Tensor
	index []int
}

func (op *gatherOp) Name() string { return op.name }

func (op *gatherOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := ZerosLike(op.x)
	for i, src := range op.index {
		g.Data[src] += gradOut.Data[i]
	}
	return []*Tensor{g}, nil
}

func gather(name string, x *Tensor, shape []int, index []int) (*Tensor, error) {
	out, err := New(shape, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}
	for i, src := range index {
		out.Data[i] = x.Data[src]
	}
	return record(out, &gatherOp{name: name, x: x, index: index}, x), nil
}

// poolOp computes out[index[i]] += scale * x[i]; backward broadcasts back.
type poolOp struct {
	name  string
	x     *Tensor
	index []int
	scale float64
}

func (op *poolOp) Name() string { return op.name }

func (op *poolOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := ZerosLike(op.x)
	for i, dst := range op.index {
		g.Data[i] = gradOut.Data[dst] * op.scale
	}
	return []*Tensor{g}, nil
}

func pool(name string, x *Tensor, shape []int, index []int, scale float64) (*Tensor, error) {
	out, err := New(shape, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}
	for i, dst := range index {
		out.Data[dst] += x.Data[i] * scale
	}
	return record(out, &poolOp{name: name, x: x, index: index, scale: scale}, x), nil
}

func dims4(name string, x *Tensor) (b, c, h, w int, err error) {
	if len(x.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%s expects a [B,C,H,W] tensor, got shape %v", name, x.Shape)
	}
	return x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3], nil
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// ShiftH returns x sampled at row y+offset, replicating the edge rows.
func ShiftH(x *Tensor, offset int) (*Tensor, error) {
	b, c, h, w, err := dims4("ShiftH", x)
	if err != nil {
		return nil, err
	}
	index := make([]int, x.NumElems)
	for p := 0; p < b*c; p++ {
		for y := 0; y < h; y++ {
			sy := clampIndex(y+offset, h)
			for xx := 0; xx < w; xx++ {
				index[(p*h+y)*w+xx] = (p*h+sy)*w + xx
			}
		}
	}
	return gather("ShiftH", x, x.Shape, index)
}

// ShiftW returns x sampled at column x+offset, replicating the edge columns.
func ShiftW(x *Tensor, offset int) (*Tensor, error) {
	b, c, h, w, err := dims4("ShiftW", x)
	if err != nil {
		return nil, err
	}
	index := make([]int, x.NumElems)
	for p := 0; p < b*c*h; p++ {
		for xx := 0; xx < w; xx++ {
			index[p*w+xx] = p*w + clampIndex(xx+offset, w)
		}
	}
	return gather("ShiftW", x, x.Shape, index)
}

// Upsample2 doubles height and width with nearest-neighbour sampling.
func Upsample2(x *Tensor) (*Tensor, error) {
	b, c, h, w, err := dims4("Upsample2", x)
	if err != nil {
		return nil, err
	}
	oh, ow := h*2, w*2
	index := make([]int, b*c*oh*ow)
	for p := 0; p < b*c; p++ {
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				index[(p*oh+y)*ow+xx] = (p*h+y/2)*w + xx/2
			}
		}
	}
	return gather("Upsample2", x, []int{b, c, oh, ow}, index)
}

// SelectChannel keeps channel ch: [B,C,H,W] -> [B,1,H,W].
func SelectChannel(x *Tensor, ch int) (*Tensor, error) {
	b, c, h, w, err := dims4("SelectChannel", x)
	if err != nil {
		return nil, err
	}
	if ch < 0 || ch >= c {
		return nil, fmt.Errorf("SelectChannel: channel %d out of range for %d channels", ch, c)
	}
	plane := h * w
	index := make([]int, b*plane)
	for bi := 0; bi < b; bi++ {
		for i := 0; i < plane; i++ {
			index[bi*plane+i] = (bi*c+ch)*plane + i
		}
	}
	return gather("SelectChannel", x, []int{b, 1, h, w}, index)
}

// SliceBatch keeps samples [start, end) of the leading dimension.
func SliceBatch(x *Tensor, start, end int) (*Tensor, error) {
	if len(x.Shape) == 0 || start < 0 || end > x.Shape[0] || start >= end {
		return nil, fmt.Errorf("SliceBatch: invalid range [%d, %d) for shape %v", start, end, x.Shape)
	}
	per := x.NumElems / x.Shape[0]
	shape := copyShape(x.Shape)
	shape[0] = end - start
	index := make([]int, shape[0]*per)
	for i := range index {
		index[i] = start*per + i
	}
	return gather("SliceBatch", x, shape, index)
}

// AvgPool2 averages non-overlapping 2x2 windows. Odd trailing rows and
// columns are dropped.
func AvgPool2(x *Tensor) (*Tensor, error) {
	b, c, h, w, err := dims4("AvgPool2", x)
	if err != nil {
		return nil, err
	}
	oh, ow := h/2, w/2
	if oh == 0 || ow == 0 {
		return nil, fmt.Errorf("AvgPool2: spatial size %dx%d is too small", h, w)
	}
	out, err := New([]int{b, c, oh, ow}, nil)
	if err != nil {
		return nil, err
	}
	src := make([]int, 0, b*c*oh*ow*4)
	dst := make([]int, 0, b*c*oh*ow*4)
	for p := 0; p < b*c; p++ {
		for y := 0; y < oh*2; y++ {
			for xx := 0; xx < ow*2; xx++ {
				i := (p*h+y)*w + xx
				d := (p*oh+y/2)*ow + xx/2
				src = append(src, i)
				dst = append(dst, d)
				out.Data[d] += x.Data[i] * 0.25
			}
		}
	}
	return record(out, &sparsePoolOp{name: "AvgPool2", x: x, src: src, dst: dst, scale: 0.25}, x), nil
}

// sparsePoolOp is poolOp over an explicit subset of input elements.
type sparsePoolOp struct {
	name     string
	x        *Tensor
	src, dst []int
	scale    float64
}

func (op *sparsePoolOp) Name() string { return op.name }

func (op *sparsePoolOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := ZerosLike(op.x)
	for k, i := range op.src {
		g.Data[i] = gradOut.Data[op.dst[k]] * op.scale
	}
	return []*Tensor{g}, nil
}

// GlobalAvgPool averages each channel plane: [B,C,H,W] -> [B,C].
func GlobalAvgPool(x *Tensor) (*Tensor, error) {
	b, c, h, w, err := dims4("GlobalAvgPool", x)
	if err != nil {
		return nil, err
	}
	plane := h * w
	index := make([]int, x.NumElems)
	for i := range index {
		index[i] = i / plane
	}
	return pool("GlobalAvgPool", x, []int{b, c}, index, 1/float64(plane))
}

// SumChannels adds the channels together: [B,C,H,W] -> [B,1,H,W].
func SumChannels(x *Tensor) (*Tensor, error) {
	b, c, h, w, err := dims4("SumChannels", x)
	if err != nil {
		return nil, err
	}
	plane := h * w
	index := make([]int, x.NumElems)
	for bi := 0; bi < b; bi++ {
		for ch := 0; ch < c; ch++ {
			for i := 0; i < plane; i++ {
				index[(bi*c+ch)*plane+i] = bi*plane + i
			}
		}
	}
	return pool("SumChannels", x, []int{b, 1, h, w}, index, 1)
}

type concatOp struct {
	name    string
	inputs  []*Tensor
	offsets [][]int
}

func (op *concatOp) Name() string { return op.name }

func (op *concatOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grads := make([]*Tensor, len(op.inputs))
	for k, in := range op.inputs {
		if !in.requiresGrad {
			continue
		}
		g := ZerosLike(in)
		for i, dst := range op.offsets[k] {
			g.Data[i] = gradOut.Data[dst]
		}
		grads[k] = g
	}
	return grads, nil
}

// ConcatChannels joins [B,Ci,H,W] tensors along the channel dimension.
func ConcatChannels(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("ConcatChannels: no inputs")
	}
	b, _, h, w, err := dims4("ConcatChannels", inputs[0])
	if err != nil {
		return nil, err
	}
	total := 0
	for _, in := range inputs {
		ib, ic, ih, iw, err := dims4("ConcatChannels", in)
		if err != nil {
			return nil, err
		}
		if ib != b || ih != h || iw != w {
			return nil, fmt.Errorf("ConcatChannels: shape %v does not match %v", in.Shape, inputs[0].Shape)
		}
		total += ic
	}

	out, err := New([]int{b, total, h, w}, nil)
	if err != nil {
		return nil, err
	}
	plane := h * w
	offsets := make([][]int, len(inputs))
	chBase := 0
	for k, in := range inputs {
		ic := in.Shape[1]
		offsets[k] = make([]int, in.NumElems)
		for bi := 0; bi < b; bi++ {
			for ch := 0; ch < ic; ch++ {
				for i := 0; i < plane; i++ {
					src := (bi*ic+ch)*plane + i
					dst := (bi*total+chBase+ch)*plane + i
					offsets[k][src] = dst
					out.Data[dst] = in.Data[src]
				}
			}
		}
		chBase += ic
	}
	return record(out, &concatOp{name: "ConcatChannels", inputs: inputs, offsets: offsets}, inputs...), nil
}

// ConcatBatch stacks tensors along the leading dimension.
func ConcatBatch(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("ConcatBatch: no inputs")
	}
	first := inputs[0]
	total := 0
	for _, in := range inputs {
		if len(in.Shape) != len(first.Shape) || !shapesEqual(in.Shape[1:], first.Shape[1:]) {
			return nil, fmt.Errorf("ConcatBatch: shape %v does not match %v", in.Shape, first.Shape)
		}
		total += in.Shape[0]
	}
	shape := copyShape(first.Shape)
	shape[0] = total
	out, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	offsets := make([][]int, len(inputs))
	base := 0
	for k, in := range inputs {
		copy(out.Data[base:], in.Data)
		offsets[k] = make([]int, in.NumElems)
		for i := range offsets[k] {
			offsets[k][i] = base + i
		}
		base += in.NumElems
	}
	return record(out, &concatOp{name: "ConcatBatch", inputs: inputs, offsets: offsets}, inputs...), nil
}

type conv2DOp struct {
	x, w *Tensor
	pad  int
}

func (op *conv2DOp) Name() string { return "Conv2D" }

func (op *conv2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grads := make([]*Tensor, 2)
	var gx, gw *Tensor
	if op.x.requiresGrad {
		gx = ZerosLike(op.x)
		grads[0] = gx
	}
	if op.w.requiresGrad {
		gw = ZerosLike(op.w)
		grads[1] = gw
	}
	conv2DLoop(op.x, op.w, op.pad, func(xi, wi, oi int) {
		g := gradOut.Data[oi]
		if gx != nil {
			gx.Data[xi] += g * op.w.Data[wi]
		}
		if gw != nil {
			gw.Data[wi] += g * op.x.Data[xi]
		}
	})
	return grads, nil
}

// conv2DLoop visits every (input, weight, output) index triple of a
// stride-1 "same" convolution.
func conv2DLoop(x, w *Tensor, pad int, visit func(xi, wi, oi int)) {
	b, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	o, k := w.Shape[0], w.Shape[2]
	for bi := 0; bi < b; bi++ {
		for oc := 0; oc < o; oc++ {
			for ic := 0; ic < c; ic++ {
				for ky := 0; ky < k; ky++ {
					for kx := 0; kx < k; kx++ {
						wi := ((oc*c+ic)*k+ky)*k + kx
						for y := 0; y < h; y++ {
							iy := y + ky - pad
							if iy < 0 || iy >= h {
								continue
							}
							for xx := 0; xx < wd; xx++ {
								ix := xx + kx - pad
								if ix < 0 || ix >= wd {
									continue
								}
								visit(((bi*c+ic)*h+iy)*wd+ix, wi, ((bi*o+oc)*h+y)*wd+xx)
							}
						}
					}
				}
			}
		}
	}
}

// Conv2D applies a stride-1 convolution with zero "same" padding.
// x is [B,C,H,W], w is [O,C,K,K] with odd K; the result is [B,O,H,W].
func Conv2D(x, w *Tensor) (*Tensor, error) {
	b, c, h, wd, err := dims4("Conv2D", x)
	if err != nil {
		return nil, err
	}
	if len(w.Shape) != 4 || w.Shape[1] != c || w.Shape[2] != w.Shape[3] || w.Shape[2]%2 == 0 {
		return nil, fmt.Errorf("Conv2D: weight shape %v incompatible with input %v", w.Shape, x.Shape)
	}
	out, err := New([]int{b, w.Shape[0], h, wd}, nil)
	if err != nil {
		return nil, err
	}
	pad := w.Shape[2] / 2
	conv2DLoop(x, w, pad, func(xi, wi, oi int) {
		out.Data[oi] += x.Data[xi] * w.Data[wi]
	})
	return record(out, &conv2DOp{x: x, w: w, pad: pad}, x, w), nil
}
