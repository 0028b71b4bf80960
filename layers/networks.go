package layers

import (
	"fmt"

	"github.com/tsawler/hailmary/config"
	"github.com/tsawler/hailmary/tensor"
)

func convBlock(in, out, kernel int, batchNorm bool, act *Activation) (*Sequential, error) {
	conv, err := NewConv2D(in, out, kernel, !batchNorm)
	if err != nil {
		return nil, err
	}
	block := NewSequential(conv)
	if batchNorm {
		block.Add(NewBatchNorm2D(out, 1e-5, 0.1))
	}
	block.Add(act)
	return block, nil
}

// Encoder is a multi-stage convolutional encoder. Stage 0 runs at the input
// resolution; every later stage first halves it.
type Encoder struct {
	mode
	stages   []*Sequential
	channels []int
}

// NewEncoder builds an encoder for inChannels-channel images.
func NewEncoder(inChannels int, cfg config.EncoderConfig) (*Encoder, error) {
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("encoder needs at least one stage")
	}
	e := &Encoder{mode: mode{training: true}, channels: append([]int(nil), cfg.Channels...)}
	in := inChannels
	for i, out := range cfg.Channels {
		block, err := convBlock(in, out, cfg.KernelSize, true, NewReLU())
		if err != nil {
			return nil, fmt.Errorf("encoder stage %d: %v", i, err)
		}
		e.stages = append(e.stages, block)
		in = out
	}
	return e, nil
}

// Encode returns the output of every stage, finest first.
func (e *Encoder) Encode(color *tensor.Tensor) ([]*tensor.Tensor, error) {
	outs := make([]*tensor.Tensor, 0, len(e.stages))
	x := color
	var err error
	for i, stage := range e.stages {
		if i > 0 {
			if x, err = tensor.AvgPool2(x); err != nil {
				return nil, fmt.Errorf("encoder stage %d: %v", i, err)
			}
		}
		if x, err = stage.Forward(x); err != nil {
			return nil, fmt.Errorf("encoder stage %d: %v", i, err)
		}
		outs = append(outs, x)
	}
	return outs, nil
}

// Forward returns the coarsest stage output.
func (e *Encoder) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	outs, err := e.Encode(input)
	if err != nil {
		return nil, err
	}
	return outs[len(outs)-1], nil
}

// FeatureChannels returns the channel count of every stage, finest first.
func (e *Encoder) FeatureChannels() []int {
	return append([]int(nil), e.channels...)
}

func (e *Encoder) FreezeBatchNorm()             { FreezeBatchNorm(e) }
func (e *Encoder) Buffers() []*tensor.Tensor    { return CollectBuffers(e) }
func (e *Encoder) Parameters() []*tensor.Tensor { return sequentialParams(e.stages) }

func (e *Encoder) Train() {
	e.training = true
	setMode(e.stages, true)
}

func (e *Encoder) Eval() {
	e.training = false
	setMode(e.stages, false)
}

func (e *Encoder) Children() []Module { return asModules(e.stages) }
func (e *Encoder) Type() LayerType    { return Network }

// Decoder turns encoder features into depth and surface normals with one
// merged head: channel 0 is depth, channels 1-3 are the normal vector.
type Decoder struct {
	mode
	blocks []*Sequential // blocks[i] fuses stage i with the upsampled stage i+1
	head   *Conv2D
}

// NewDecoder mirrors an encoder built from cfg.
func NewDecoder(cfg config.EncoderConfig) (*Decoder, error) {
	ch := cfg.Channels
	if len(ch) == 0 {
		return nil, fmt.Errorf("decoder needs at least one encoder stage")
	}
	d := &Decoder{mode: mode{training: true}}
	for i := 0; i < len(ch)-1; i++ {
		block, err := convBlock(ch[i]+ch[i+1], ch[i], cfg.KernelSize, true, NewReLU())
		if err != nil {
			return nil, fmt.Errorf("decoder level %d: %v", i, err)
		}
		d.blocks = append(d.blocks, block)
	}
	head, err := NewConv2D(ch[0], 4, cfg.KernelSize, true)
	if err != nil {
		return nil, fmt.Errorf("decoder head: %v", err)
	}
	d.head = head
	return d, nil
}

// Decode consumes features ordered finest first.
func (d *Decoder) Decode(features []*tensor.Tensor) (depth, normals *tensor.Tensor, err error) {
	if len(features) != len(d.blocks)+1 {
		return nil, nil, fmt.Errorf("decoder expects %d feature levels, got %d", len(d.blocks)+1, len(features))
	}
	x := features[len(features)-1]
	for i := len(d.blocks) - 1; i >= 0; i-- {
		up, err := tensor.Upsample2(x)
		if err != nil {
			return nil, nil, err
		}
		merged, err := tensor.ConcatChannels(up, features[i])
		if err != nil {
			return nil, nil, fmt.Errorf("decoder level %d: %v", i, err)
		}
		if x, err = d.blocks[i].Forward(merged); err != nil {
			return nil, nil, fmt.Errorf("decoder level %d: %v", i, err)
		}
	}
	out, err := d.head.Forward(x)
	if err != nil {
		return nil, nil, err
	}

	raw, err := tensor.SelectChannel(out, 0)
	if err != nil {
		return nil, nil, err
	}
	if depth, err = tensor.Softplus(raw); err != nil {
		return nil, nil, err
	}

	parts := make([]*tensor.Tensor, 3)
	for i := range parts {
		if parts[i], err = tensor.SelectChannel(out, i+1); err != nil {
			return nil, nil, err
		}
	}
	n, err := tensor.ConcatChannels(parts...)
	if err != nil {
		return nil, nil, err
	}
	if n, err = tensor.Tanh(n); err != nil {
		return nil, nil, err
	}
	normals, err = UnitNormals(n)
	return depth, normals, err
}

func (d *Decoder) FreezeBatchNorm()          { FreezeBatchNorm(d) }
func (d *Decoder) Buffers() []*tensor.Tensor { return CollectBuffers(d) }

func (d *Decoder) Parameters() []*tensor.Tensor {
	return append(sequentialParams(d.blocks), d.head.Parameters()...)
}

func (d *Decoder) Train() {
	d.training = true
	setMode(d.blocks, true)
	d.head.Train()
}

func (d *Decoder) Eval() {
	d.training = false
	setMode(d.blocks, false)
	d.head.Eval()
}

func (d *Decoder) Children() []Module { return append(asModules(d.blocks), d.head) }
func (d *Decoder) Type() LayerType    { return Network }

// Forward runs Decode on a single-level feature list and returns depth.
func (d *Decoder) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	depth, _, err := d.Decode([]*tensor.Tensor{input})
	return depth, err
}

// UnitNormals rescales [B,3,H,W] vectors to unit length.
func UnitNormals(n *tensor.Tensor) (*tensor.Tensor, error) {
	sq, err := tensor.Square(n)
	if err != nil {
		return nil, err
	}
	sum, err := tensor.SumChannels(sq)
	if err != nil {
		return nil, err
	}
	sum, err = tensor.AddScalar(sum, 1e-8)
	if err != nil {
		return nil, err
	}
	norm, err := tensor.Sqrt(sum)
	if err != nil {
		return nil, err
	}
	return tensor.Div(n, norm)
}

// Discriminator scores images or feature maps: [B,C,H,W] -> [B,1].
type Discriminator struct {
	*Sequential
	inChannels int
}

// NewDiscriminator builds a head from cfg. The final dense layer is sized
// lazily on the first forward pass.
func NewDiscriminator(cfg config.DiscriminatorConfig) (*Discriminator, error) {
	if cfg.InChannels <= 0 {
		return nil, fmt.Errorf("discriminator needs a positive input channel count, got %d", cfg.InChannels)
	}
	kernel := cfg.KernelSize
	if kernel == 0 {
		kernel = 3
	}
	body := NewSequential()
	in := cfg.InChannels
	for i, out := range cfg.Channels {
		block, err := convBlock(in, out, kernel, cfg.BatchNorm, NewLeakyReLU(cfg.Slope))
		if err != nil {
			return nil, fmt.Errorf("discriminator block %d: %v", i, err)
		}
		body.Add(block)
		body.Add(NewPool())
		in = out
	}
	body.Add(NewFlatten())
	body.Add(NewLazyLinear(1, true))
	return &Discriminator{Sequential: body, inChannels: cfg.InChannels}, nil
}

func (d *Discriminator) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 || input.Shape[1] != d.inChannels {
		return nil, fmt.Errorf("discriminator expects [B,%d,H,W] input, got shape %v", d.inChannels, input.Shape)
	}
	return d.Sequential.Forward(input)
}

func (d *Discriminator) Buffers() []*tensor.Tensor { return CollectBuffers(d.Sequential) }
func (d *Discriminator) Type() LayerType           { return Network }

// TextureGenerator renders color from depth and normals.
type TextureGenerator struct {
	*Sequential
}

// NewTextureGenerator builds the translator: hidden conv+ReLU layers and a
// linear 3-channel output in normalised color space.
func NewTextureGenerator(cfg config.TextureNetworkConfig) (*TextureGenerator, error) {
	kernel := cfg.KernelSize
	if kernel == 0 {
		kernel = 3
	}
	body := NewSequential()
	in := 4
	for i, out := range cfg.Channels {
		block, err := convBlock(in, out, kernel, false, NewReLU())
		if err != nil {
			return nil, fmt.Errorf("texture generator layer %d: %v", i, err)
		}
		body.Add(block)
		in = out
	}
	out, err := NewConv2D(in, 3, kernel, true)
	if err != nil {
		return nil, fmt.Errorf("texture generator output: %v", err)
	}
	body.Add(out)
	return &TextureGenerator{Sequential: body}, nil
}

// Generate maps depth [B,1,H,W] and normals [B,3,H,W] to color [B,3,H,W].
func (g *TextureGenerator) Generate(depth, normals *tensor.Tensor) (*tensor.Tensor, error) {
	in, err := tensor.ConcatChannels(depth, normals)
	if err != nil {
		return nil, fmt.Errorf("texture generator input: %v", err)
	}
	return g.Sequential.Forward(in)
}

func (g *TextureGenerator) Type() LayerType { return Network }

func sequentialParams(blocks []*Sequential) []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, b := range blocks {
		params = append(params, b.Parameters()...)
	}
	return params
}

func setMode(blocks []*Sequential, training bool) {
	for _, b := range blocks {
		if training {
			b.Train()
		} else {
			b.Eval()
		}
	}
}

func asModules(blocks []*Sequential) []Module {
	mods := make([]Module, len(blocks))
	for i, b := range blocks {
		mods[i] = b
	}
	return mods
}
